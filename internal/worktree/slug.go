package worktree

import (
	"fmt"
	"regexp"
	"strings"

	"ambient/internal/types"
)

const maxSlugLen = 48

var slugUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Slugify turns free text into a path- and ref-safe component.
func Slugify(s string) string {
	slug := slugUnsafe.ReplaceAllString(strings.TrimSpace(s), "-")
	slug = strings.Trim(slug, "-.")
	// Refs may not contain "..".
	for strings.Contains(slug, "..") {
		slug = strings.ReplaceAll(slug, "..", ".")
	}
	slug = strings.ToLower(slug)
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-.")
	}
	if slug == "" {
		return "proposal"
	}
	return slug
}

// entryName is the NN-slug name shared by the worktree path, branch and
// patch file of one proposal.
func entryName(index int, p types.Proposal, suffix int) string {
	src := p.Title
	if strings.TrimSpace(src) == "" {
		src = p.ID
	}
	name := fmt.Sprintf("%02d-%s", index, Slugify(src))
	if suffix > 1 {
		name = fmt.Sprintf("%s-%d", name, suffix)
	}
	return name
}

// RenderCommitMessage expands {title}, {agent}, {id} and {risk}.
func RenderCommitMessage(template string, p types.Proposal) string {
	if template == "" {
		template = "ambient: {title} ({agent})"
	}
	return strings.NewReplacer(
		"{title}", p.Title,
		"{agent}", p.Agent,
		"{id}", p.ID,
		"{risk}", p.RiskLevel.String(),
	).Replace(template)
}
