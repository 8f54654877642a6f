package coordinator

import (
	"context"
	"errors"
	"sort"
	"time"

	"ambient/internal/logging"
	"ambient/internal/types"
)

// Run consumes triggers until ctx is done or the channel closes. Triggers
// arriving within the debounce window of the first one are merged into a
// single cycle. A periodic scan fires every CheckInterval while idle.
// Cycle errors back the loop off; only ErrRepositoryCorrupt stops it.
func (c *Coordinator) Run(ctx context.Context, triggers <-chan types.Trigger) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var tick <-chan time.Time
	if c.cfg.CheckInterval > 0 {
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var pending *types.Trigger
	closed := false
	schedule := func(after time.Duration) {
		at := c.now().Add(after)
		if until := c.cp.backoffUntil(); until.After(at) {
			at = until
		}
		timer.Reset(at.Sub(c.now()))
	}

	logging.Coordinator("loop started for %s", c.cfg.Repo)
	for {
		var fire <-chan time.Time
		if pending != nil {
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			logging.Coordinator("loop stopped: %v", ctx.Err())
			return nil

		case t, ok := <-triggers:
			if !ok {
				triggers = nil
				closed = true
				if pending == nil {
					return nil
				}
				continue
			}
			if pending == nil {
				merged := coalesce(types.Trigger{}, t)
				pending = &merged
				schedule(c.cfg.Debounce)
			} else {
				merged := coalesce(*pending, t)
				pending = &merged
			}

		case <-tick:
			if pending == nil {
				pending = &types.Trigger{Kind: types.TriggerPeriodicScan, At: c.now()}
				schedule(0)
			}

		case <-fire:
			if until := c.cp.backoffUntil(); c.now().Before(until) {
				timer.Reset(until.Sub(c.now()))
				continue
			}
			t := *pending
			pending = nil
			if _, err := c.RunCycle(ctx, t); errors.Is(err, ErrRepositoryCorrupt) {
				logging.CoordinatorError("halting: %v", err)
				return err
			}
			if closed {
				return nil
			}
		}
	}
}

// coalesce merges next into acc. The first non-empty kind wins, except
// that any other kind outranks a periodic scan. Paths are unioned and
// sorted; payload keys of later triggers win.
func coalesce(acc, next types.Trigger) types.Trigger {
	switch {
	case acc.Kind == "":
		acc.Kind = next.Kind
	case acc.Kind == types.TriggerPeriodicScan && next.Kind != types.TriggerPeriodicScan:
		acc.Kind = next.Kind
	}

	seen := make(map[string]bool, len(acc.Paths)+len(next.Paths))
	var paths []string
	for _, p := range append(append([]string(nil), acc.Paths...), next.Paths...) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	acc.Paths = paths

	if acc.At.IsZero() || (!next.At.IsZero() && next.At.Before(acc.At)) {
		acc.At = next.At
	}

	if len(next.Payload) > 0 {
		merged := make(map[string]string, len(acc.Payload)+len(next.Payload))
		for k, v := range acc.Payload {
			merged[k] = v
		}
		for k, v := range next.Payload {
			merged[k] = v
		}
		acc.Payload = merged
	}
	return acc
}
