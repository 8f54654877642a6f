package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ambient/internal/logging"
	"ambient/internal/repoctx"
	"ambient/internal/tactile"
	"ambient/internal/types"
)

// Request is the JSON document written to an external generator's stdin.
type Request struct {
	RequestID string            `json:"request_id"`
	Mode      string            `json:"mode"` // propose or refine
	Context   *repoctx.Context  `json:"context,omitempty"`
	Proposal  *types.Proposal   `json:"proposal,omitempty"`
	Siblings  []types.Proposal  `json:"siblings,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// CommandGenerator runs a configured executable on the host. The process
// reads a Request on stdin and writes proposals as JSON or YAML on stdout.
type CommandGenerator struct {
	name     string
	argv     []string
	dir      string
	executor tactile.Executor
	timeout  time.Duration
}

// NewCommandGenerator creates a generator for argv run in dir. A nil
// executor uses the host executor.
func NewCommandGenerator(name string, argv []string, dir string, executor tactile.Executor, timeout time.Duration) (*CommandGenerator, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("generator command is empty")
	}
	if executor == nil {
		executor = tactile.NewDirectExecutor()
	}
	if name == "" {
		name = argv[0]
	}
	return &CommandGenerator{name: name, argv: argv, dir: dir, executor: executor, timeout: timeout}, nil
}

// Name implements Generator.
func (g *CommandGenerator) Name() string {
	return g.name
}

// Propose implements Generator.
func (g *CommandGenerator) Propose(ctx context.Context, rc repoctx.Context) ([]types.Proposal, error) {
	return g.call(ctx, Request{Mode: "propose", Context: &rc})
}

// Refine implements Refiner. The process must return exactly one proposal.
func (g *CommandGenerator) Refine(ctx context.Context, p types.Proposal, siblings []types.Proposal) (types.Proposal, error) {
	out, err := g.call(ctx, Request{Mode: "refine", Proposal: &p, Siblings: siblings})
	if err != nil {
		return types.Proposal{}, err
	}
	if len(out) != 1 {
		return types.Proposal{}, fmt.Errorf("refine %s: expected 1 proposal, got %d", p.ID, len(out))
	}
	return out[0], nil
}

func (g *CommandGenerator) call(ctx context.Context, req Request) ([]types.Proposal, error) {
	req.RequestID = uuid.NewString()
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := tactile.Command{
		Binary:           g.argv[0],
		Arguments:        g.argv[1:],
		WorkingDirectory: g.dir,
		Stdin:            string(payload),
		RequestID:        req.RequestID,
		Tags:             map[string]string{"generator": g.name, "mode": req.Mode},
	}
	if g.timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: g.timeout.Milliseconds()}
	}

	logging.Generate("%s: %s request %s", g.name, req.Mode, req.RequestID)
	res, err := g.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	switch {
	case res.TimedOut:
		return nil, fmt.Errorf("%s timed out after %s", g.name, res.Duration.Round(time.Millisecond))
	case res.IsError():
		return nil, fmt.Errorf("%s: %s", g.name, res.Error)
	case res.ExitCode != 0:
		return nil, fmt.Errorf("%s exited %d: %s", g.name, res.ExitCode, firstLine(res.Stderr))
	}
	return types.DecodeProposals([]byte(res.Stdout))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
