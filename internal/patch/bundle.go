package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"ambient/internal/diff"
	"ambient/internal/types"
)

// maxHeadBytes caps each HEAD file excerpt kept in a debug bundle.
const maxHeadBytes = 64 << 10

// fillBundle records the repository state after a failed application.
func (e *Engine) fillBundle(ctx context.Context, c *call) {
	b := c.bundle
	if status, err := e.git.Status(ctx, c.root); err == nil {
		b.Status = status
	} else {
		b.Status = "status unavailable: " + err.Error()
	}

	if c.normalized != "" {
		if res, err := e.git.Apply(ctx, c.root, c.normalized, "--stat", stripFlag(c.strip)); err == nil {
			b.DiffStat = res.Stdout
		}
	}

	for _, f := range c.files {
		name := f.OldName
		if name == "" {
			continue
		}
		content, ok, err := e.git.ShowHead(ctx, c.root, name)
		if err != nil || !ok {
			continue
		}
		if len(content) > maxHeadBytes {
			content = content[:maxHeadBytes] + "\n[truncated]\n"
		}
		if b.FileHeads == nil {
			b.FileHeads = make(map[string]string)
		}
		b.FileHeads[name] = content
	}
}

// writeBundle stores b as zstd-compressed JSON under dir/patch-failures.
func writeBundle(dir string, b *types.DebugBundle) (string, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", fmt.Errorf("zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	outDir := filepath.Join(dir, "patch-failures")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.json.zst", time.Now().UTC().Format("20060102T150405.000000000"), diff.Fingerprint(b.OriginalDiff)[:12])
	path := filepath.Join(outDir, name)
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadBundle decodes a bundle written by a failed application.
func ReadBundle(path string) (*types.DebugBundle, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress bundle: %w", err)
	}
	var b types.DebugBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}
