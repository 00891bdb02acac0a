package workflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ParallelEngine extends the base engine to run independent branches
// concurrently. Nodes are dispatched as soon as all of their producers have
// finished; aggregator nodes block only on their own declared producers,
// waiting on per-node completion events rather than polling.
type ParallelEngine struct {
	*Engine
	maxConcurrency int
}

// ParallelOption configures a ParallelEngine.
type ParallelOption func(*ParallelEngine)

// WithMaxConcurrency caps the number of node tasks running at once.
// Zero or negative means unlimited.
func WithMaxConcurrency(n int) ParallelOption {
	return func(e *ParallelEngine) { e.maxConcurrency = n }
}

// NewParallelEngine creates a parallel workflow engine.
func NewParallelEngine(source Source, registry Registry, opts []Option, popts ...ParallelOption) *ParallelEngine {
	e := &ParallelEngine{Engine: NewEngine(source, registry, opts...)}
	for _, opt := range popts {
		opt(e)
	}
	return e
}

// ExecuteFromNodeParallel runs a workflow with concurrent branch execution.
// The returned state carries every computed node output; node-local failures
// degrade to {"error": ...} outputs and a per-node failure record while
// sibling branches keep running. Only configuration errors and cancellation
// fail the run itself.
func (e *ParallelEngine) ExecuteFromNodeParallel(
	ctx context.Context,
	workflowID, startNodeID string,
	inputData map[string]any,
	threadID string,
) (*State, error) {
	run, err := e.prepareRun(ctx, workflowID, startNodeID, inputData, threadID)
	if err != nil {
		return nil, err
	}
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "workflow.run_parallel",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.run_id", run.rc.RunID),
		))
	defer span.End()

	sched := newScheduler(e, run.rc)
	sched.reachable = dispatchReachable(run.rc.Workflow, run.startNodeID)
	sched.group, sched.groupCtx = errgroup.WithContext(ctx)
	if e.maxConcurrency > 0 {
		sched.sem = make(chan struct{}, e.maxConcurrency)
	}

	sched.schedule(run.startNodeID, inputData)
	if err := sched.group.Wait(); err != nil {
		run.rc.State.FailExecution(err)
		e.finishRun(workflowID, run.rc.State, started)
		span.SetStatus(codes.Error, err.Error())
		return run.rc.State, err
	}

	run.rc.State.CompleteExecution()
	e.finishRun(workflowID, run.rc.State, started)
	return run.rc.State, nil
}

// scheduler tracks which nodes have been claimed and completed for one
// parallel run. Completion is signalled per node by closing a channel, which
// gives aggregators an event to wait on instead of a poll loop.
type scheduler struct {
	engine *ParallelEngine
	rc     *RunContext

	group    *errgroup.Group
	groupCtx context.Context

	// sem bounds how many nodes execute at once; nil means unlimited. It is
	// held only around the node's Process call, never while waiting on
	// producers, so a blocked aggregator cannot starve the pool.
	sem chan struct{}

	// reachable is the set of nodes the fan-out can ever claim from the start
	// node. Producers outside it never signal completion, so barriers must
	// not wait on them.
	reachable map[string]bool

	mu          sync.Mutex
	scheduled   map[string]bool
	completions map[string]chan struct{}
}

// dispatchReachable returns the set of nodes reachable from startID along the
// edges runNode's fan-out follows. Control edges delimit subflows and are not
// traversed.
func dispatchReachable(wf *Workflow, startID string) map[string]bool {
	reachable := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range wf.OutgoingEdges(id) {
			if isControlEdge(edge) || reachable[edge.Target] {
				continue
			}
			reachable[edge.Target] = true
			queue = append(queue, edge.Target)
		}
	}
	return reachable
}

func newScheduler(engine *ParallelEngine, rc *RunContext) *scheduler {
	return &scheduler{
		engine:      engine,
		rc:          rc,
		scheduled:   make(map[string]bool),
		completions: make(map[string]chan struct{}),
	}
}

// completion returns the completion event for a node, creating it on demand.
func (s *scheduler) completion(nodeID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.completions[nodeID]
	if !ok {
		ch = make(chan struct{})
		s.completions[nodeID] = ch
	}
	return ch
}

// done reports whether a node has completed (successfully or degraded).
func (s *scheduler) done(nodeID string) bool {
	select {
	case <-s.completion(nodeID):
		return true
	default:
		return false
	}
}

// schedule claims a node and spawns its task. Claiming is atomic: a node is
// dispatched at most once per run no matter how many completed producers race
// to wake it.
func (s *scheduler) schedule(nodeID string, input any) {
	s.mu.Lock()
	if s.scheduled[nodeID] {
		s.mu.Unlock()
		return
	}
	s.scheduled[nodeID] = true
	s.mu.Unlock()

	s.group.Go(func() error {
		return s.runNode(s.groupCtx, nodeID, input)
	})
}

// runNode executes one claimed node and fans out to the downstream nodes
// that become ready. Aggregators first wait for every one of their producers.
func (s *scheduler) runNode(ctx context.Context, nodeID string, input any) error {
	node, ok := s.rc.Workflow.GetNode(nodeID)
	if !ok {
		// prepareRun validated the graph; an unknown id here means the
		// definition was mutated mid-run.
		close(s.completion(nodeID))
		return nil
	}

	if isAggregator(node.Type) {
		if err := s.awaitProducers(ctx, nodeID); err != nil {
			return err
		}
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := s.engine.executeNode(ctx, s.rc, nodeID, input)
	if s.sem != nil {
		<-s.sem
	}
	if err != nil {
		// Configuration error or cancellation: fail the run.
		close(s.completion(nodeID))
		return err
	}
	close(s.completion(nodeID))

	for _, edge := range s.rc.Workflow.OutgoingEdges(nodeID) {
		if isControlEdge(edge) {
			continue
		}
		target, ok := s.rc.Workflow.GetNode(edge.Target)
		if !ok {
			continue
		}
		if isAggregator(target.Type) {
			// Aggregators claim immediately and wait for the rest of their
			// producers themselves.
			s.schedule(edge.Target, nil)
			continue
		}
		if requirementsSatisfied(s.rc.Workflow, edge.Target, s.done) {
			s.schedule(edge.Target, nil)
		}
	}
	return nil
}

// awaitProducers blocks until every dispatchable producer feeding the node
// has completed. This is a full barrier: an aggregator never observes a
// missing output from a producer that runs in this wave. Producers the
// fan-out cannot reach are skipped — their completion would never fire —
// and the aggregator's own input gathering executes them directly instead.
func (s *scheduler) awaitProducers(ctx context.Context, nodeID string) error {
	var edges []Edge
	for _, e := range s.rc.Workflow.IncomingEdges(nodeID) {
		if isControlEdge(e) || s.rc.Workflow.isSchemaEdge(e) {
			continue
		}
		if !s.reachable[e.Source] {
			continue
		}
		edges = append(edges, e)
	}
	s.engine.logger.Debug("aggregator waiting for producers",
		zap.String("run_id", s.rc.RunID),
		zap.String("node_id", nodeID),
		zap.Int("producers", len(edges)),
	)
	for _, edge := range edges {
		select {
		case <-s.completion(edge.Source):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
