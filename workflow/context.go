package workflow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Processor is the runtime unit responsible for executing one node within one
// run. Implementations perform the node-type-specific work in Process and
// publish their result through the shared run state so downstream nodes can
// pull it.
type Processor interface {
	// NodeID returns the id of the node this processor executes.
	NodeID() string
	// Process executes the node. The input is optional: when nil, the
	// processor gathers its inputs from upstream edges itself.
	Process(ctx context.Context, input any) (any, error)
}

// Factory constructs a Processor for one node occurrence in one run.
type Factory func(rc *RunContext, node *Node) (Processor, error)

// Registry maps node type strings to processor factories. New node kinds are
// added by registering a factory, never by touching the engine.
type Registry map[string]Factory

// Register adds a factory for a node type, replacing any previous entry.
func (r Registry) Register(nodeType string, factory Factory) {
	r[nodeType] = factory
}

// RunContext carries everything processors share within a single run: the
// workflow definition, the run state and the processor registry. It is
// constructed once per run by the engine and threaded explicitly into every
// processor; there is no ambient lookup.
type RunContext struct {
	RunID    string
	Workflow *Workflow
	State    *State

	registry Registry
	logger   *zap.Logger

	mu         sync.Mutex
	processors map[string]Processor
}

// NewRunContext creates the shared context for one run.
func NewRunContext(runID string, wf *Workflow, state *State, registry Registry, logger *zap.Logger) *RunContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunContext{
		RunID:      runID,
		Workflow:   wf,
		State:      state,
		registry:   registry,
		logger:     logger,
		processors: make(map[string]Processor),
	}
}

// Logger returns the run-scoped logger.
func (rc *RunContext) Logger() *zap.Logger {
	return rc.logger
}

// Processor returns the processor instance for a node, constructing it on
// first use. Instances are cached for the lifetime of the run, so a node
// re-entered during subflow execution reuses its processor.
func (rc *RunContext) Processor(nodeID string) (Processor, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if p, ok := rc.processors[nodeID]; ok {
		return p, nil
	}
	node, ok := rc.Workflow.GetNode(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s not found in workflow %s", nodeID, rc.Workflow.ID)
	}
	factory, ok := rc.registry[node.Type]
	if !ok {
		return nil, fmt.Errorf("no processor registered for node type %q (node %s)", node.Type, nodeID)
	}
	p, err := factory(rc, node)
	if err != nil {
		return nil, fmt.Errorf("create processor for node %s: %w", nodeID, err)
	}
	rc.processors[nodeID] = p
	return p, nil
}

// ChildScope derives a context for subflow execution: same workflow, registry
// and logger, but an independent state so node outputs inside the subflow
// cannot collide with the parent run (or with another invocation of the same
// subflow).
func (rc *RunContext) ChildScope() *RunContext {
	child := NewState(rc.State.SessionMetadata(), rc.State.Memory())
	child.StartExecution()
	return NewRunContext(rc.RunID, rc.Workflow, child, rc.registry, rc.logger)
}
