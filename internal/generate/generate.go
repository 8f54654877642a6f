// Package generate is the boundary to external proposal sources. The core
// never writes proposals itself: generators run elsewhere and hand back
// structured records that are validated on ingestion.
package generate

import (
	"context"
	"errors"
	"fmt"

	"ambient/internal/repoctx"
	"ambient/internal/types"
)

// ErrExternalService marks a failed call to a generator or refiner. The
// affected proposal or round is skipped; the cycle continues.
var ErrExternalService = errors.New("external service failure")

// Generator produces raw proposals for a repository context.
type Generator interface {
	Name() string
	Propose(ctx context.Context, rc repoctx.Context) ([]types.Proposal, error)
}

// Refiner revises a surviving proposal given its sibling survivors.
type Refiner interface {
	Refine(ctx context.Context, p types.Proposal, siblings []types.Proposal) (types.Proposal, error)
}

// ServiceError describes an external call failure.
type ServiceError struct {
	Source   string
	Attempts int
	Cause    error
}

func (e *ServiceError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %v (after %d attempts)", e.Source, e.Cause, e.Attempts)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Cause)
}

func (e *ServiceError) Unwrap() []error {
	return []error{ErrExternalService, e.Cause}
}

// Static is a fixed proposal list, used by tests and `ambient once`.
type Static struct {
	Label     string
	Proposals []types.Proposal
	Err       error
}

// Name implements Generator.
func (s *Static) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

// Propose implements Generator.
func (s *Static) Propose(ctx context.Context, _ repoctx.Context) ([]types.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]types.Proposal, len(s.Proposals))
	for i, p := range s.Proposals {
		out[i] = p.Clone()
	}
	return out, nil
}
