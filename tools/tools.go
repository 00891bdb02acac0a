// Package tools defines the capability adapters concrete node processors
// call out to. Each adapter is a narrow interface; production implementations
// wrap the actual SaaS clients and live outside the engine, while the fakes
// here back tests and development runs.
package tools

import "context"

// Invoker is a generic callable tool: validated parameters in, result out.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]any) (any, error)
}

func (f InvokerFunc) Name() string { return f.ToolName }

func (f InvokerFunc) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f.Fn(ctx, params)
}

// Document is one knowledge-base search hit.
type Document struct {
	ID      string         `json:"id"`
	Content string         `json:"content"`
	Score   float64        `json:"score,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// KnowledgeSearcher searches a knowledge base.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]Document, error)
}

// SlackClient posts messages to Slack. ResolveChannel accepts either a
// channel id or a member email and returns the channel id to post to.
type SlackClient interface {
	ResolveChannel(ctx context.Context, ref string) (string, error)
	PostMessage(ctx context.Context, channelID, text string) error
}

// ZendeskClient mutates Zendesk tickets.
type ZendeskClient interface {
	CreateTicket(ctx context.Context, fields map[string]any) (string, error)
	UpdateTicket(ctx context.Context, ticketID string, fields map[string]any) error
}

// PythonRunner executes user-authored Python in a sandbox and returns the
// value of its result expression.
type PythonRunner interface {
	Run(ctx context.Context, code string, vars map[string]any) (any, error)
}
