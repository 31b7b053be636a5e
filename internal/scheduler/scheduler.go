package scheduler

import (
	"context"
	"runtime"
	"sync"

	"github.com/wharflab/envy/internal/resolve"
	"github.com/wharflab/envy/internal/trace"
	"github.com/wharflab/envy/internal/workspace"
)

// NodeRunner drives one resolved node through its phases, consulting gate
// for cross-node needed_by ordering. *workspace.Driver is the production
// implementation.
type NodeRunner interface {
	RunNode(ctx context.Context, node *resolve.Node, gate workspace.PhaseGate) error
}

// Result summarizes one Scheduler.Run call.
type Result struct {
	Succeeded []string // node keys that reached Complete
	Failed    map[string]error
}

// Ok reports whether every node in the graph succeeded.
func (r *Result) Ok() bool {
	return len(r.Failed) == 0
}

// Scheduler fans every node of a resolved graph out across a bounded
// worker pool, each running independently except where Tracker's
// needed_by gating holds one node's phase up behind another's.
type Scheduler struct {
	Runner  NodeRunner
	Graph   *resolve.Graph
	Workers int // <= 0 defaults to runtime.NumCPU(), per §5's default concurrency
	Trace   *trace.Sink

	tracker *Tracker

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates a Scheduler for graph, driving nodes through runner.
func New(runner NodeRunner, graph *resolve.Graph, workers int, sink *trace.Sink) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{
		Runner:  runner,
		Graph:   graph,
		Workers: workers,
		Trace:   sink,
		tracker: NewTracker(),
	}
}

// Run submits every node in the graph to the worker pool and blocks until
// each has either reached Complete or permanently failed. A node whose
// dependency fails unblocks (with an error) the moment it next awaits that
// dependency's phase; independent subgraphs keep running to completion.
// Cancelling ctx, or a concurrent call to Stop, aborts in-flight phases at
// their next AwaitPhase call and fails nodes still waiting for a worker
// slot; cache lock acquisition does not observe cancellation.
func (s *Scheduler) Run(parent context.Context) *Result {
	ctx, cancel := context.WithCancel(parent)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer cancel()

	result := &Result{Failed: map[string]error{}}
	var resultMu sync.Mutex

	sem := make(chan struct{}, s.Workers)
	var wg sync.WaitGroup

	for _, node := range s.Graph.Nodes {
		wg.Add(1)
		go func(node *resolve.Node) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				s.fail(node, ctx.Err(), result, &resultMu)
				return
			}

			if err := s.Runner.RunNode(ctx, node, s.tracker); err != nil {
				s.fail(node, err, result, &resultMu)
				return
			}

			s.Trace.Emit(trace.Event{Event: trace.EventPhaseComplete, Spec: node.Identity.String()})
			resultMu.Lock()
			result.Succeeded = append(result.Succeeded, node.Key)
			resultMu.Unlock()
		}(node)
	}

	wg.Wait()
	return result
}

func (s *Scheduler) fail(node *resolve.Node, err error, result *Result, resultMu *sync.Mutex) {
	s.tracker.Fail(node, err)
	resultMu.Lock()
	result.Failed[node.Key] = err
	resultMu.Unlock()
}

// Stop cancels any in-progress Run. Safe to call at any time; it is a no-op
// before the first Run starts and after a Run has returned.
func (s *Scheduler) Stop() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
