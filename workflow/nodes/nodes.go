// Package nodes provides the built-in node processors: chat input/output,
// template, aggregator, agent, the SaaS tool nodes and the tool builder.
// Processors embed workflow.Base for the shared pull/cache/resolve machinery
// and implement only Process.
package nodes

import (
	"context"
	"fmt"

	"github.com/BaSui01/flowgraph/llm"
	"github.com/BaSui01/flowgraph/tools"
	"github.com/BaSui01/flowgraph/workflow"
)

// Node type strings, matched against Node.Type by the registry.
const (
	TypeChatInput      = "chat_input"
	TypeChatOutput     = "chat_output"
	TypeTemplate       = "template"
	TypeAggregator     = "aggregator"
	TypeAgent          = "agent"
	TypeAPITool        = "api_tool"
	TypeKnowledgeTool  = "knowledge_tool"
	TypeSlackMessage   = "slack_message"
	TypeZendeskTicket  = "zendesk_ticket"
	TypePythonFunction = "python_function"
	TypeToolBuilder    = "tool_builder"
)

// Deps carries the capability adapters the built-in processors call out to.
// Unused adapters may be nil; a node requiring a missing adapter fails with a
// descriptive error when executed.
type Deps struct {
	LLM       llm.Provider
	HTTP      tools.Invoker
	Knowledge tools.KnowledgeSearcher
	Slack     tools.SlackClient
	Zendesk   tools.ZendeskClient
	Python    tools.PythonRunner
}

// DefaultRegistry returns a processor registry covering every built-in node
// type. Callers may register additional types on the returned registry.
func DefaultRegistry(deps Deps) workflow.Registry {
	r := workflow.Registry{}
	r.Register(TypeChatInput, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &ChatInput{Base: workflow.NewBase(rc, node)}, nil
	})
	r.Register(TypeChatOutput, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &ChatOutput{Base: workflow.NewBase(rc, node)}, nil
	})
	r.Register(TypeTemplate, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &Template{Base: workflow.NewBase(rc, node)}, nil
	})
	r.Register(TypeAggregator, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &Aggregator{Base: workflow.NewBase(rc, node)}, nil
	})
	r.Register(TypeAgent, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &Agent{Base: workflow.NewBase(rc, node), provider: deps.LLM}, nil
	})
	r.Register(TypeAPITool, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &APITool{Base: workflow.NewBase(rc, node), invoker: deps.HTTP}, nil
	})
	r.Register(TypeKnowledgeTool, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &KnowledgeTool{Base: workflow.NewBase(rc, node), searcher: deps.Knowledge}, nil
	})
	r.Register(TypeSlackMessage, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &SlackMessage{Base: workflow.NewBase(rc, node), client: deps.Slack}, nil
	})
	r.Register(TypeZendeskTicket, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &ZendeskTicket{Base: workflow.NewBase(rc, node), client: deps.Zendesk}, nil
	})
	r.Register(TypePythonFunction, func(rc *workflow.RunContext, node *workflow.Node) (workflow.Processor, error) {
		return &PythonFunction{Base: workflow.NewBase(rc, node), runner: deps.Python}, nil
	})
	r.Register(TypeToolBuilder, workflow.NewToolBuilder)
	return r
}

// asMap coerces an arbitrary processor input into the map form direct inputs
// take; non-map inputs are wrapped under "input".
func asMap(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	default:
		return map[string]any{"input": t}
	}
}

// firstSourceOutput returns the immediate predecessor's output for variable
// resolution, or nil when the node has no satisfied incoming edges.
func firstSourceOutput(ctx context.Context, b *workflow.Base) (any, error) {
	inputs, err := b.InputsFromSources(ctx)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if in.Data != nil {
			return in.Data, nil
		}
	}
	return nil, nil
}

// requireAdapter formats the error for a node executed without its adapter.
func requireAdapter(nodeType, adapter string) error {
	return fmt.Errorf("%s node requires a %s adapter", nodeType, adapter)
}
