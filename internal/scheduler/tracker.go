// Package scheduler drives every node of a resolved dependency graph
// through its phases across a bounded worker pool, enforcing needed_by
// ordering between nodes and propagating failures to dependents while
// letting independent subgraphs keep making progress.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/wharflab/envy/internal/resolve"
	specpkg "github.com/wharflab/envy/internal/spec"
)

// Tracker implements workspace.PhaseGate: it records, per node, which
// phases have completed, and lets a node awaiting a dependency's phase
// block until that phase completes, the dependency fails, or ctx is
// cancelled. One Tracker instance is shared by every node in a run, since
// both interface methods take the calling node as an argument rather than
// binding to one.
type Tracker struct {
	mu     sync.Mutex
	done   map[string]map[specpkg.Phase]bool
	failed map[string]error
	notify chan struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		done:   map[string]map[specpkg.Phase]bool{},
		failed: map[string]error{},
		notify: make(chan struct{}),
	}
}

// broadcastLocked wakes every current waiter; mu must be held.
func (t *Tracker) broadcastLocked() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// AwaitPhase blocks until every edge of node with NeededBy == phase has
// its target at that phase, one of those targets has permanently failed,
// or ctx is done. Edges with no Target (bundle-only deps) are skipped.
func (t *Tracker) AwaitPhase(ctx context.Context, node *resolve.Node, phase specpkg.Phase) error {
	for _, e := range node.Edges {
		if e.Target == nil || e.NeededBy != phase {
			continue
		}
		if err := t.waitFor(ctx, e.Target, phase); err != nil {
			return fmt.Errorf("scheduler: %s waiting for %s to reach %s: %w", node.Identity, e.Target.Identity, phase, err)
		}
	}
	return nil
}

func (t *Tracker) waitFor(ctx context.Context, dep *resolve.Node, phase specpkg.Phase) error {
	for {
		t.mu.Lock()
		if err, failed := t.failed[dep.Key]; failed {
			t.mu.Unlock()
			return err
		}
		if t.done[dep.Key][phase] {
			t.mu.Unlock()
			return nil
		}
		ch := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// MarkPhase records that node has completed phase, waking any waiters.
func (t *Tracker) MarkPhase(node *resolve.Node, phase specpkg.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done[node.Key] == nil {
		t.done[node.Key] = map[specpkg.Phase]bool{}
	}
	t.done[node.Key][phase] = true
	t.broadcastLocked()
}

// Fail marks node as permanently failed: every current and future waiter
// on any of its phases returns err immediately instead of blocking.
func (t *Tracker) Fail(node *resolve.Node, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[node.Key] = err
	t.broadcastLocked()
}

// Failed reports whether node has already been marked as failed, and if
// so, the error it failed with.
func (t *Tracker) Failed(node *resolve.Node) (error, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	err, ok := t.failed[node.Key]
	return err, ok
}
