package types

import "fmt"

// WorktreeState is the lifecycle state of a review worktree.
type WorktreeState string

const (
	WorktreeCreated   WorktreeState = "created"
	WorktreePatched   WorktreeState = "patched"
	WorktreeVerifying WorktreeState = "verifying"
	WorktreeVerified  WorktreeState = "verified"
	WorktreeFailed    WorktreeState = "failed"
	WorktreeDiscarded WorktreeState = "discarded"
)

// worktreeTransitions lists the forward edges. Discarded is reachable from
// every live state and has no outgoing edges.
var worktreeTransitions = map[WorktreeState][]WorktreeState{
	WorktreeCreated:   {WorktreePatched, WorktreeFailed},
	WorktreePatched:   {WorktreeVerifying, WorktreeFailed},
	WorktreeVerifying: {WorktreeVerified, WorktreeFailed},
	WorktreeVerified:  {},
	WorktreeFailed:    {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to WorktreeState) bool {
	if from == WorktreeDiscarded {
		return false
	}
	if to == WorktreeDiscarded {
		return true
	}
	for _, next := range worktreeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no forward transition remains.
func (s WorktreeState) Terminal() bool {
	return s == WorktreeVerified || s == WorktreeFailed || s == WorktreeDiscarded
}

// TransitionError is returned for an illegal lifecycle move.
type TransitionError struct {
	From WorktreeState
	To   WorktreeState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal worktree transition %s -> %s", e.From, e.To)
}
