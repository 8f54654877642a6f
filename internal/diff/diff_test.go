package diff

import (
	"strings"
	"testing"
)

func TestComputeDiff_SimpleAddition(t *testing.T) {
	oldContent := "line1\nline2\nline3\n"
	newContent := "line1\nline2\nline2.5\nline3\n"

	engine := NewEngine()
	diff := engine.ComputeDiff("old.txt", "new.txt", oldContent, newContent)

	if len(diff.Hunks) != 1 {
		t.Fatalf("Expected 1 hunk, got %d", len(diff.Hunks))
	}
	if diff.IsNew || diff.IsDelete {
		t.Error("Should not be marked as new or delete")
	}

	hasAddition := false
	for _, line := range diff.Hunks[0].Lines {
		if line.Type == LineAdded && line.Content == "line2.5" {
			hasAddition = true
		}
	}
	if !hasAddition {
		t.Error("Expected to find added line 'line2.5'")
	}
	if diff.Changed() != 1 {
		t.Errorf("Expected 1 changed line, got %d", diff.Changed())
	}
}

func TestComputeDiff_NewAndDeletedFile(t *testing.T) {
	engine := NewEngine()

	if d := engine.ComputeDiff("", "new.txt", "", "new file content\n"); !d.IsNew {
		t.Error("Expected diff to be marked as new file")
	}
	if d := engine.ComputeDiff("old.txt", "", "old file content\n", ""); !d.IsDelete {
		t.Error("Expected diff to be marked as deleted file")
	}
}

func TestComputeDiff_NoChanges(t *testing.T) {
	content := "line1\nline2\nline3\n"

	diff := NewEngine().ComputeDiff("file.txt", "file.txt", content, content)
	if len(diff.Hunks) != 0 {
		t.Errorf("Expected 0 hunks for identical content, got %d", len(diff.Hunks))
	}
	if diff.Changed() != 0 {
		t.Errorf("Expected no changed lines, got %d", diff.Changed())
	}
}

func TestComputeDiff_DistantChangesSplitHunks(t *testing.T) {
	var oldLines []string
	for i := 1; i <= 30; i++ {
		oldLines = append(oldLines, "line"+strings.Repeat("x", i))
	}
	newLines := append([]string(nil), oldLines...)
	newLines[2] = "CHANGED3"
	newLines[25] = "CHANGED26"

	diff := NewEngine().ComputeDiff("a", "a", strings.Join(oldLines, "\n")+"\n", strings.Join(newLines, "\n")+"\n")
	if len(diff.Hunks) != 2 {
		t.Fatalf("Expected 2 hunks, got %d", len(diff.Hunks))
	}
	for _, h := range diff.Hunks {
		if h.OldCount != h.NewCount {
			t.Errorf("Replacement hunk should keep line count: %+v", h)
		}
	}
}

func TestComputeDiff_Caching(t *testing.T) {
	oldContent := "line1\nline2\nline3\n"
	newContent := "line1\nline2\nline3\nline4\n"

	engine := NewEngine()
	diff1 := engine.ComputeDiff("old.txt", "new.txt", oldContent, newContent)
	diff2 := engine.ComputeDiff("old2.txt", "new2.txt", oldContent, newContent)

	if len(diff1.Hunks) != len(diff2.Hunks) {
		t.Errorf("Cache should preserve hunk count: %d vs %d", len(diff1.Hunks), len(diff2.Hunks))
	}
	if diff2.OldPath != "old2.txt" || diff2.NewPath != "new2.txt" {
		t.Error("Cached diff should have updated paths")
	}

	engine.ClearCache()
	diff3 := engine.ComputeDiff("old.txt", "new.txt", oldContent, newContent)
	if len(diff3.Hunks) != len(diff1.Hunks) {
		t.Error("Cache clearing should not affect diff computation")
	}
}

func TestComputeDiff_HunkCounts(t *testing.T) {
	diff := NewEngine().ComputeDiff("old.txt", "new.txt", "line1\nline2\nline3\n", "line1\nNEW\nline3\n")
	if len(diff.Hunks) != 1 {
		t.Fatalf("Expected 1 hunk, got %d", len(diff.Hunks))
	}

	hunk := diff.Hunks[0]
	oldCount, newCount := 0, 0
	for _, line := range hunk.Lines {
		if line.Type == LineRemoved || line.Type == LineContext {
			oldCount++
		}
		if line.Type == LineAdded || line.Type == LineContext {
			newCount++
		}
	}
	if hunk.OldCount != oldCount || hunk.NewCount != newCount {
		t.Errorf("Count mismatch: got %d/%d, want %d/%d", hunk.OldCount, hunk.NewCount, oldCount, newCount)
	}
}

func BenchmarkComputeDiff_Large(b *testing.B) {
	var lines []string
	for i := 0; i < 1000; i++ {
		lines = append(lines, "line content here "+strings.Repeat("y", i%40))
	}
	oldContent := strings.Join(lines, "\n")
	lines[500] = "CHANGED"
	newContent := strings.Join(lines, "\n")

	engine := NewEngine()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.ClearCache()
		engine.ComputeDiff("old.txt", "new.txt", oldContent, newContent)
	}
}
