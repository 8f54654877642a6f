// Package aggregate reduces a raw proposal set to an ordered, conflict-free
// accepted list in three strictly ordered rounds: dedupe, conflict
// clustering and refinement. Output depends only on the input set, never on
// arrival order or timing.
package aggregate

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"ambient/internal/diff"
	"ambient/internal/generate"
	"ambient/internal/logging"
	"ambient/internal/pathguard"
	"ambient/internal/types"
)

// Deferral and note codes.
const (
	CodeDuplicateOf    = "duplicate_of"
	CodeConflictsWith  = "conflicts_with"
	CodeRefineFailed   = "refine_failed"
	CodeRefineRejected = "refine_rejected"
	CodeRefined        = "refined"
)

// DefaultSimilarity is the near-duplicate threshold when none is configured.
const DefaultSimilarity = 0.98

// Config configures an Aggregator.
type Config struct {
	// Root is the repository used to path-check refined diffs; empty
	// means the working directory.
	Root                string
	AgentPriority       []string
	SimilarityThreshold float64
	Refine              bool
	RefineConcurrency   int
}

// Deferral is a proposal held back this cycle.
type Deferral struct {
	ProposalID string `json:"proposal_id"`
	Agent      string `json:"agent"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

// Reason renders the machine-readable "<code>:<detail>" form.
func (d Deferral) Reason() string {
	return d.Code + ":" + d.Detail
}

// Note records a refinement outcome for an accepted proposal.
type Note struct {
	ProposalID string `json:"proposal_id"`
	Code       string `json:"code"`
	Detail     string `json:"detail,omitempty"`
}

// Stats counts proposals through the rounds.
type Stats struct {
	Input    int `json:"input"`
	Deduped  int `json:"deduped"`
	Clusters int `json:"clusters"`
	Accepted int `json:"accepted"`
}

// Result is the aggregator output.
type Result struct {
	Accepted []types.Proposal `json:"accepted"`
	Deferred []Deferral       `json:"deferred"`
	Notes    []Note           `json:"notes,omitempty"`
	Stats    Stats            `json:"stats"`
}

// Aggregator runs the rounds.
type Aggregator struct {
	cfg      Config
	refiner  generate.Refiner
	priority map[string]int
}

// New creates an aggregator. refiner may be nil.
func New(cfg Config, refiner generate.Refiner) *Aggregator {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = DefaultSimilarity
	}
	if cfg.RefineConcurrency < 1 {
		cfg.RefineConcurrency = 4
	}
	priority := make(map[string]int, len(cfg.AgentPriority))
	for i, agent := range cfg.AgentPriority {
		if _, ok := priority[agent]; !ok {
			priority[agent] = i
		}
	}
	return &Aggregator{cfg: cfg, refiner: refiner, priority: priority}
}

// Run executes dedupe, cluster and refine in that order.
func (a *Aggregator) Run(ctx context.Context, proposals []types.Proposal) (Result, error) {
	timer := logging.StartTimer(logging.CategoryAggregate, "aggregate")
	defer timer.Stop()

	var res Result
	res.Stats.Input = len(proposals)

	sorted := make([]types.Proposal, len(proposals))
	for i, p := range proposals {
		sorted[i] = p.Clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	unique, dups := a.dedupe(sorted)
	res.Deferred = append(res.Deferred, dups...)
	res.Stats.Deduped = len(unique)

	winners, conflicts, clusters := a.cluster(unique)
	res.Deferred = append(res.Deferred, conflicts...)
	res.Stats.Clusters = clusters

	if a.refiner != nil && a.cfg.Refine && len(winners) > 0 {
		refined, notes, err := a.refine(ctx, winners)
		if err != nil {
			return Result{}, err
		}
		winners = refined
		res.Notes = notes
	}

	res.Accepted = winners
	res.Stats.Accepted = len(winners)
	sort.Slice(res.Deferred, func(i, j int) bool { return res.Deferred[i].ProposalID < res.Deferred[j].ProposalID })

	logging.AggregateDebug("aggregate: %d in, %d unique, %d clusters, %d accepted", res.Stats.Input, res.Stats.Deduped, res.Stats.Clusters, res.Stats.Accepted)
	return res, nil
}

// dedupe collapses proposals with equal touched-file sets whose
// whitespace-normalized diffs are identical or near-identical.
func (a *Aggregator) dedupe(sorted []types.Proposal) ([]types.Proposal, []Deferral) {
	groups := make(map[string][]types.Proposal)
	var keys []string
	for _, p := range sorted {
		key := strings.Join(p.FileSet(), "\x00")
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], p)
	}

	var (
		unique   []types.Proposal
		deferred []Deferral
	)
	for _, key := range keys {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			if c := compareSpecificity(group[i].Rationale, group[j].Rationale); c != 0 {
				return c > 0
			}
			return group[i].ID < group[j].ID
		})

		type kept struct {
			p           types.Proposal
			normalized  string
			fingerprint string
		}
		var keep []kept
	candidates:
		for _, p := range group {
			normalized := diff.NormalizeWhitespace(p.Diff)
			fp := diff.Fingerprint(normalized)
			for _, k := range keep {
				if fp == k.fingerprint || diff.Similarity(normalized, k.normalized) >= a.cfg.SimilarityThreshold {
					deferred = append(deferred, Deferral{ProposalID: p.ID, Agent: p.Agent, Code: CodeDuplicateOf, Detail: k.p.ID})
					continue candidates
				}
			}
			keep = append(keep, kept{p: p, normalized: normalized, fingerprint: fp})
		}
		for _, k := range keep {
			unique = append(unique, k.p)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].ID < unique[j].ID })
	return unique, deferred
}

// cluster groups proposals into connected components of intersecting file
// sets and keeps one survivor per component.
func (a *Aggregator) cluster(unique []types.Proposal) ([]types.Proposal, []Deferral, int) {
	parent := make([]int, len(unique))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri == rj {
			return
		}
		// Smaller index becomes the root so components are stable.
		if rj < ri {
			ri, rj = rj, ri
		}
		parent[rj] = ri
	}

	owner := make(map[string]int)
	for i, p := range unique {
		for _, f := range p.FileSet() {
			if j, ok := owner[f]; ok {
				union(i, j)
			} else {
				owner[f] = i
			}
		}
	}

	components := make(map[int][]types.Proposal)
	var roots []int
	for i, p := range unique {
		r := find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], p)
	}
	sort.Ints(roots)

	var (
		winners  []types.Proposal
		deferred []Deferral
	)
	for _, r := range roots {
		members := components[r]
		sort.SliceStable(members, func(i, j int) bool { return a.better(members[i], members[j]) })
		winner := members[0]
		winners = append(winners, winner)
		for _, loser := range members[1:] {
			deferred = append(deferred, Deferral{ProposalID: loser.ID, Agent: loser.Agent, Code: CodeConflictsWith, Detail: winner.ID})
		}
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].ID < winners[j].ID })
	return winners, deferred, len(roots)
}

// better orders cluster members: lower risk, more specific rationale,
// configured agent priority, then smaller id.
func (a *Aggregator) better(x, y types.Proposal) bool {
	if x.RiskLevel != y.RiskLevel {
		return x.RiskLevel < y.RiskLevel
	}
	if c := compareSpecificity(x.Rationale, y.Rationale); c != 0 {
		return c > 0
	}
	if px, py := a.agentRank(x.Agent), a.agentRank(y.Agent); px != py {
		return px < py
	}
	return x.ID < y.ID
}

func (a *Aggregator) agentRank(agent string) int {
	if r, ok := a.priority[agent]; ok {
		return r
	}
	return len(a.priority)
}

// compareSpecificity returns >0 when x is the more specific rationale:
// longer trimmed text first, then more distinct words.
func compareSpecificity(x, y string) int {
	x, y = strings.TrimSpace(x), strings.TrimSpace(y)
	if len(x) != len(y) {
		return len(x) - len(y)
	}
	return distinctWords(x) - distinctWords(y)
}

func distinctWords(s string) int {
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		seen[w] = struct{}{}
	}
	return len(seen)
}

// refine asks the refiner to revise each survivor given its siblings.
// Failures and invalid revisions keep the original.
func (a *Aggregator) refine(ctx context.Context, winners []types.Proposal) ([]types.Proposal, []Note, error) {
	root := a.cfg.Root
	if root == "" {
		root = "."
	}
	guard, err := pathguard.New(root)
	if err != nil {
		return nil, nil, err
	}

	out := make([]types.Proposal, len(winners))
	notes := make([]Note, len(winners))

	var g errgroup.Group
	g.SetLimit(a.cfg.RefineConcurrency)
	for i, p := range winners {
		siblings := make([]types.Proposal, 0, len(winners)-1)
		for j, s := range winners {
			if j != i {
				siblings = append(siblings, s.Clone())
			}
		}
		g.Go(func() error {
			revised, err := a.refiner.Refine(ctx, p.Clone(), siblings)
			if err != nil {
				logging.AggregateDebug("refine %s failed: %v", p.ID, err)
				out[i] = p
				notes[i] = Note{ProposalID: p.ID, Code: CodeRefineFailed, Detail: err.Error()}
				return nil
			}
			if reason := validateRevision(guard, p, revised); reason != "" {
				logging.AggregateDebug("refine %s rejected: %s", p.ID, reason)
				out[i] = p
				notes[i] = Note{ProposalID: p.ID, Code: CodeRefineRejected, Detail: reason}
				return nil
			}
			out[i] = p.WithDiff(revised.Diff, revised.FileSet(), p.Round+1)
			notes[i] = Note{ProposalID: p.ID, Code: CodeRefined}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return out, notes, nil
}

// validateRevision returns why revised may not replace original, or "".
// The revision must keep the id, carry a non-empty diff whose touched files
// equal its declared files, stay path-safe, and not widen the original file
// set, so the accepted list stays conflict-free.
func validateRevision(guard *pathguard.Guard, original, revised types.Proposal) string {
	if revised.ID != "" && revised.ID != original.ID {
		return "revision changed the proposal id"
	}
	normalized, err := diff.Normalize(revised.Diff)
	if err != nil {
		return "empty diff"
	}
	declared := revised.FileSet()
	if len(declared) == 0 {
		return "no files declared"
	}

	strip := diff.DetectStripLevel(normalized)
	for _, level := range []int{strip, diff.AlternateStrip(strip)} {
		for _, p := range diff.HeaderPaths(normalized, level) {
			if _, err := guard.Resolve(p); err != nil {
				return "unsafe path: " + err.Error()
			}
		}
	}
	if _, err := guard.ResolveAll(declared); err != nil {
		return "unsafe path: " + err.Error()
	}

	files, err := diff.Parse(normalized, strip)
	if err != nil {
		return "unparseable diff: " + err.Error()
	}
	touched := types.NormalizeFileSet(diff.TouchedFiles(files))
	if strings.Join(touched, "\x00") != strings.Join(declared, "\x00") {
		return "diff touches " + strings.Join(touched, ",") + " but declares " + strings.Join(declared, ",")
	}

	allowed := make(map[string]bool)
	for _, f := range original.FileSet() {
		allowed[f] = true
	}
	for _, f := range declared {
		if !allowed[f] {
			return "revision widens file set with " + f
		}
	}
	return ""
}
