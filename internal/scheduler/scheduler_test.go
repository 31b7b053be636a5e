package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wharflab/envy/internal/identity"
	"github.com/wharflab/envy/internal/resolve"
	specpkg "github.com/wharflab/envy/internal/spec"
	"github.com/wharflab/envy/internal/workspace"
)

func newNode(t *testing.T, name string) *resolve.Node {
	t.Helper()
	return &resolve.Node{Key: name, Identity: identity.MustParse("local." + name)}
}

// recordingRunner is a fake NodeRunner that logs, for every node, the
// order in which each phase's AwaitPhase/MarkPhase pair fired, so tests
// can assert cross-node needed_by ordering without a real workspace.
type recordingRunner struct {
	mu     sync.Mutex
	order  []string
	fail   map[string]error // node key -> error to return from RunNode
	phases []specpkg.Phase
}

func (r *recordingRunner) RunNode(ctx context.Context, node *resolve.Node, gate workspace.PhaseGate) error {
	for _, phase := range r.phases {
		if err := gate.AwaitPhase(ctx, node, phase); err != nil {
			return err
		}
		r.mu.Lock()
		r.order = append(r.order, fmt.Sprintf("%s:%s", node.Key, phase))
		r.mu.Unlock()
		if err, ok := r.fail[node.Key]; ok {
			return err
		}
		gate.MarkPhase(node, phase)
	}
	return nil
}

func TestTracker_AwaitPhaseBlocksUntilDependencyMarksIt(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()

	upstream := newNode(t, "upstream")
	downstream := newNode(t, "downstream")
	downstream.Edges = []*resolve.Edge{{NeededBy: specpkg.PhaseInstall, Target: upstream}}

	done := make(chan error, 1)
	go func() {
		done <- tracker.AwaitPhase(context.Background(), downstream, specpkg.PhaseInstall)
	}()

	select {
	case <-done:
		t.Fatal("AwaitPhase returned before the dependency marked its phase")
	case <-time.After(20 * time.Millisecond):
	}

	tracker.MarkPhase(upstream, specpkg.PhaseInstall)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitPhase: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitPhase never unblocked after MarkPhase")
	}
}

func TestTracker_AwaitPhaseUnblocksOnDependencyFailure(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()

	upstream := newNode(t, "upstream")
	downstream := newNode(t, "downstream")
	downstream.Edges = []*resolve.Edge{{NeededBy: specpkg.PhaseFetch, Target: upstream}}

	done := make(chan error, 1)
	go func() {
		done <- tracker.AwaitPhase(context.Background(), downstream, specpkg.PhaseFetch)
	}()

	time.Sleep(10 * time.Millisecond)
	wantErr := errors.New("boom")
	tracker.Fail(upstream, wantErr)

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Fatalf("AwaitPhase error = %v, want wrapping %v", err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitPhase never unblocked after Fail")
	}
}

func TestTracker_AwaitPhaseIgnoresUnrelatedEdges(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()

	upstream := newNode(t, "upstream")
	downstream := newNode(t, "downstream")
	downstream.Edges = []*resolve.Edge{{NeededBy: specpkg.PhaseFetch, Target: upstream}}

	// downstream only gates on upstream at fetch; install should pass
	// through immediately even though upstream never reaches install.
	if err := tracker.AwaitPhase(context.Background(), downstream, specpkg.PhaseInstall); err != nil {
		t.Fatalf("AwaitPhase(install): %v", err)
	}
}

func TestScheduler_RunsIndependentNodesConcurrently(t *testing.T) {
	t.Parallel()

	a := newNode(t, "a")
	b := newNode(t, "b")
	graph := &resolve.Graph{Nodes: map[string]*resolve.Node{a.Key: a, b.Key: b}}

	runner := &recordingRunner{phases: []specpkg.Phase{specpkg.PhaseFetch}}
	sched := New(runner, graph, 2, nil)
	result := sched.Run(context.Background())

	if !result.Ok() {
		t.Fatalf("expected success, got failures: %v", result.Failed)
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected 2 succeeded, got %d", len(result.Succeeded))
	}
}

func TestScheduler_GatesDownstreamOnNeededByPhase(t *testing.T) {
	t.Parallel()

	upstream := newNode(t, "upstream")
	downstream := newNode(t, "downstream")
	downstream.Edges = []*resolve.Edge{{NeededBy: specpkg.PhaseFetch, Target: upstream}}
	graph := &resolve.Graph{Nodes: map[string]*resolve.Node{
		upstream.Key:   upstream,
		downstream.Key: downstream,
	}}

	runner := &recordingRunner{phases: []specpkg.Phase{specpkg.PhaseFetch, specpkg.PhaseStage}}
	sched := New(runner, graph, 2, nil)
	result := sched.Run(context.Background())

	if !result.Ok() {
		t.Fatalf("expected success, got failures: %v", result.Failed)
	}

	var upstreamFetchIdx, downstreamFetchIdx int = -1, -1
	for i, entry := range runner.order {
		switch entry {
		case "upstream:fetch":
			upstreamFetchIdx = i
		case "downstream:fetch":
			downstreamFetchIdx = i
		}
	}
	if upstreamFetchIdx == -1 || downstreamFetchIdx == -1 {
		t.Fatalf("missing fetch entries in order: %v", runner.order)
	}
	if downstreamFetchIdx < upstreamFetchIdx {
		t.Fatalf("downstream fetched before upstream: order = %v", runner.order)
	}
}

func TestScheduler_FailurePropagatesToDependentWithoutStoppingOthers(t *testing.T) {
	t.Parallel()

	failing := newNode(t, "failing")
	dependent := newNode(t, "dependent")
	dependent.Edges = []*resolve.Edge{{NeededBy: specpkg.PhaseInstall, Target: failing}}
	independent := newNode(t, "independent")

	graph := &resolve.Graph{Nodes: map[string]*resolve.Node{
		failing.Key:     failing,
		dependent.Key:   dependent,
		independent.Key: independent,
	}}

	wantErr := errors.New("fetch failed")
	runner := &recordingRunner{
		phases: []specpkg.Phase{specpkg.PhaseFetch, specpkg.PhaseInstall},
		fail:   map[string]error{failing.Key: wantErr},
	}
	sched := New(runner, graph, 3, nil)
	result := sched.Run(context.Background())

	if _, failed := result.Failed[failing.Key]; !failed {
		t.Fatalf("expected %q to fail, got: %+v", failing.Key, result)
	}
	if _, failed := result.Failed[dependent.Key]; !failed {
		t.Fatalf("expected %q to fail as a dependent, got: %+v", dependent.Key, result)
	}
	found := false
	for _, k := range result.Succeeded {
		if k == independent.Key {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected independent subgraph %q to still succeed, got: %+v", independent.Key, result)
	}
}
