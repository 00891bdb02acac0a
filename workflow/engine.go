package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/memory"
)

// Configuration errors raised from the run entry points. These are hard
// failures: the caller must supply better input, there is no retry.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrNoStartNode      = errors.New("workflow has no start node")
	ErrAmbiguousStart   = errors.New("workflow has multiple start nodes")
)

// Source resolves workflow definitions by id. The engine only ever reads the
// decoded {nodes, edges} structure; persistence lives behind this interface.
type Source interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
}

// MetricsRecorder receives engine execution measurements.
type MetricsRecorder interface {
	NodeExecuted(workflowID, nodeType, status string, elapsed time.Duration)
	RunFinished(workflowID, status string, elapsed time.Duration)
}

// MemoryFactory builds the conversation memory handle for a thread.
type MemoryFactory func(threadID string) memory.ConversationMemory

// Engine owns the workflow source and processor registry, and performs a
// sequential depth-first execution. ParallelEngine builds on it to run
// independent branches concurrently.
type Engine struct {
	source   Source
	registry Registry
	logger   *zap.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer
	memories MemoryFactory
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for run and node spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMemoryFactory sets how per-thread conversation memory is obtained.
func WithMemoryFactory(f MemoryFactory) Option {
	return func(e *Engine) { e.memories = f }
}

// NewEngine creates a sequential workflow engine.
func NewEngine(source Source, registry Registry, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		registry: registry,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/BaSui01/flowgraph/workflow"),
		memories: func(threadID string) memory.ConversationMemory {
			return memory.NewInMemory(nil)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	return e
}

// ExecuteFromNode runs a workflow sequentially, depth-first, starting at
// startNodeID (or the single entry node when empty). The returned state is
// always non-nil; callers inspect its status, error and node outputs.
func (e *Engine) ExecuteFromNode(
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

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.run_id", run.rc.RunID),
		))
	defer span.End()

	visited := make(map[string]bool)
	if err := e.executeNodeAndSuccessors(ctx, run.rc, run.startNodeID, inputData, visited); err != nil {
		run.rc.State.FailExecution(err)
		e.finishRun(workflowID, run.rc.State, started)
		span.SetStatus(codes.Error, err.Error())
		return run.rc.State, err
	}
	run.rc.State.CompleteExecution()
	e.finishRun(workflowID, run.rc.State, started)
	return run.rc.State, nil
}

// preparedRun bundles the per-run structures the entry points build.
type preparedRun struct {
	rc          *RunContext
	startNodeID string
}

// prepareRun resolves the workflow, determines the start node and seeds a
// fresh run state. All errors here are configuration errors.
func (e *Engine) prepareRun(
	ctx context.Context,
	workflowID, startNodeID string,
	inputData map[string]any,
	threadID string,
) (*preparedRun, error) {
	wf, err := e.source.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrWorkflowNotFound, workflowID, err)
	}

	if startNodeID == "" {
		starts := wf.StartNodes()
		switch len(starts) {
		case 0:
			return nil, fmt.Errorf("%w: %s", ErrNoStartNode, workflowID)
		case 1:
			startNodeID = starts[0]
		default:
			// Known-narrow policy: graphs authored with several independent
			// entry triggers must name the one to run.
			return nil, fmt.Errorf("%w: %s has entry nodes %s",
				ErrAmbiguousStart, workflowID, strings.Join(starts, ", "))
		}
	} else if _, ok := wf.GetNode(startNodeID); !ok {
		return nil, fmt.Errorf("start node %s not found in workflow %s", startNodeID, workflowID)
	}

	runID := uuid.New().String()
	meta := make(map[string]any, len(inputData)+3)
	for k, v := range inputData {
		meta[k] = v
	}
	meta["workflow_id"] = workflowID
	meta["run_id"] = runID
	if threadID != "" {
		meta["thread_id"] = threadID
	}

	state := NewState(meta, e.memories(threadID))
	state.StartExecution()
	state.SetTotalSteps(len(wf.Nodes))

	e.logger.Info("starting workflow run",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", runID),
		zap.String("start_node", startNodeID),
		zap.Int("total_steps", len(wf.Nodes)),
	)

	return &preparedRun{
		rc:          NewRunContext(runID, wf, state, e.registry, e.logger),
		startNodeID: startNodeID,
	}, nil
}

// executeNodeAndSuccessors runs one node, then depth-first every downstream
// node whose dependencies are satisfied. Node-local failures degrade to an
// error-shaped output and do not abort the traversal.
func (e *Engine) executeNodeAndSuccessors(
	ctx context.Context,
	rc *RunContext,
	nodeID string,
	input any,
	visited map[string]bool,
) error {
	if visited[nodeID] {
		return nil
	}
	visited[nodeID] = true

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.executeNode(ctx, rc, nodeID, input); err != nil {
		return err
	}

	for _, edge := range rc.Workflow.OutgoingEdges(nodeID) {
		if isControlEdge(edge) || visited[edge.Target] {
			continue
		}
		if !requirementsSatisfied(rc.Workflow, edge.Target, func(id string) bool { return visited[id] }) {
			continue
		}
		if err := e.executeNodeAndSuccessors(ctx, rc, edge.Target, nil, visited); err != nil {
			return err
		}
	}
	return nil
}

// executeNode dispatches one node to its processor. A processor error is
// recorded as a typed node failure plus a degraded {"error": ...} output so
// downstream consumers can still proceed; it never propagates.
func (e *Engine) executeNode(ctx context.Context, rc *RunContext, nodeID string, input any) error {
	node, ok := rc.Workflow.GetNode(nodeID)
	if !ok {
		return fmt.Errorf("node %s not found in workflow %s", nodeID, rc.Workflow.ID)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("node.type", node.Type),
		))
	defer span.End()

	started := time.Now()
	status := "ok"

	proc, err := rc.Processor(nodeID)
	if err != nil {
		// A missing factory is a configuration problem, not a node failure.
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.logger.Debug("executing node",
		zap.String("run_id", rc.RunID),
		zap.String("node_id", nodeID),
		zap.String("node_type", node.Type),
	)
	if _, err := proc.Process(ctx, input); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		status = "failed"
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("node execution failed",
			zap.String("run_id", rc.RunID),
			zap.String("node_id", nodeID),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		rc.State.SetNodeFailure(nodeID, err)
		rc.State.SetNodeOutput(nodeID, map[string]any{"error": err.Error()})
	}

	if e.metrics != nil {
		e.metrics.NodeExecuted(rc.Workflow.ID, node.Type, status, time.Since(started))
	}
	return nil
}

// finishRun logs and measures the run outcome.
func (e *Engine) finishRun(workflowID string, state *State, started time.Time) {
	elapsed := time.Since(started)
	if e.metrics != nil {
		e.metrics.RunFinished(workflowID, string(state.Status()), elapsed)
	}
	e.logger.Info("workflow run finished",
		zap.String("workflow_id", workflowID),
		zap.String("status", string(state.Status())),
		zap.Duration("duration", elapsed),
		zap.Int("node_failures", len(state.NodeFailures())),
	)
}

// requirementsSatisfied reports whether every producer feeding a node has
// already executed.
func requirementsSatisfied(wf *Workflow, nodeID string, executed func(string) bool) bool {
	for _, edge := range wf.IncomingEdges(nodeID) {
		if isControlEdge(edge) || wf.isSchemaEdge(edge) {
			continue
		}
		if !executed(edge.Source) {
			return false
		}
	}
	return true
}

// isAggregator reports whether a node type declares aggregator semantics:
// wait for every producer instead of racing to the first.
func isAggregator(nodeType string) bool {
	return strings.Contains(strings.ToLower(nodeType), "aggregator")
}
