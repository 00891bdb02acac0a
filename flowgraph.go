// Package flowgraph provides a top-level convenience entry point for running
// node-graph workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/flowgraph"
//
//	s := flowgraph.NewStore()
//	s.SaveWorkflow(ctx, "support-bot", "Support bot", definition)
//
//	eng := flowgraph.New(s, flowgraph.Deps{LLM: myProvider}, nil)
//	state, err := eng.ExecuteFromNodeParallel(ctx, "support-bot", "", input, threadID)
//
// This is a thin wrapper around [workflow.NewParallelEngine] with the built-in
// node registry; use the workflow package directly when you need a custom
// registry or the sequential engine.
package flowgraph

import (
	"github.com/BaSui01/flowgraph/store"
	"github.com/BaSui01/flowgraph/workflow"
	"github.com/BaSui01/flowgraph/workflow/nodes"
)

// Deps carries the capability adapters the built-in node types call out to.
type Deps = nodes.Deps

// Option configures the engine created by [New].
type Option = workflow.Option

// ParallelOption configures scheduling, e.g. [WithMaxConcurrency].
type ParallelOption = workflow.ParallelOption

// New creates a parallel engine over the given workflow source, with every
// built-in node type registered.
func New(source workflow.Source, deps Deps, opts []Option, popts ...ParallelOption) *workflow.ParallelEngine {
	return workflow.NewParallelEngine(source, nodes.DefaultRegistry(deps), opts, popts...)
}

// NewStore creates an empty in-memory workflow store.
func NewStore() *store.InMemory {
	return store.NewInMemory()
}

// ParseDefinition decodes a JSON or YAML workflow definition.
var ParseDefinition = workflow.ParseDefinition

// Re-export engine options so callers never need to import workflow/.

// WithLogger sets a custom zap logger.
var WithLogger = workflow.WithLogger

// WithMetrics sets the metrics recorder.
var WithMetrics = workflow.WithMetrics

// WithMemoryFactory sets how conversation memory is created per thread.
var WithMemoryFactory = workflow.WithMemoryFactory

// WithMaxConcurrency bounds how many nodes run at once.
var WithMaxConcurrency = workflow.WithMaxConcurrency
