package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/flowgraph/tools"
	"github.com/BaSui01/flowgraph/workflow"
)

// APITool performs one HTTP call described by its resolved configuration
// (url, method, headers, query, body — all template-resolvable).
type APITool struct {
	workflow.Base
	invoker tools.Invoker
}

func (p *APITool) Process(ctx context.Context, input any) (any, error) {
	if p.invoker == nil {
		return nil, requireAdapter(TypeAPITool, "http")
	}
	p.SetInput(input)

	source, err := firstSourceOutput(ctx, &p.Base)
	if err != nil {
		return nil, err
	}
	cfg, _ := p.ResolveConfig(source, asMap(input))

	params := map[string]any{}
	for _, key := range []string{"url", "method", "headers", "query", "body"} {
		if v, ok := cfg[key]; ok {
			params[key] = v
		}
	}

	out, err := p.invoker.Invoke(ctx, params)
	if err != nil {
		return nil, err
	}
	p.SaveOutput(out)
	return out, nil
}

// KnowledgeTool searches the knowledge base with a template-resolvable query
// and publishes the matching documents.
type KnowledgeTool struct {
	workflow.Base
	searcher tools.KnowledgeSearcher
}

func (p *KnowledgeTool) Process(ctx context.Context, input any) (any, error) {
	if p.searcher == nil {
		return nil, requireAdapter(TypeKnowledgeTool, "knowledge")
	}
	p.SetInput(input)

	source, err := firstSourceOutput(ctx, &p.Base)
	if err != nil {
		return nil, err
	}
	cfg, _ := p.ResolveConfig(source, asMap(input))

	query := stringOr(cfg["query"], "")
	if query == "" {
		query = workflow.Stringify(source)
	}
	topK := 5
	if v, ok := cfg["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}

	docs, err := p.searcher.Search(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}
	out := map[string]any{"query": query, "results": docs}
	p.SaveOutput(out)
	return out, nil
}

// SlackMessage posts to a Slack channel. The channel reference may be a
// channel id or a member email; either is resolved through the client.
type SlackMessage struct {
	workflow.Base
	client tools.SlackClient
}

func (p *SlackMessage) Process(ctx context.Context, input any) (any, error) {
	if p.client == nil {
		return nil, requireAdapter(TypeSlackMessage, "slack")
	}
	p.SetInput(input)

	source, err := firstSourceOutput(ctx, &p.Base)
	if err != nil {
		return nil, err
	}
	cfg, _ := p.ResolveConfig(source, asMap(input))

	ref := stringOr(cfg["channel"], "")
	if ref == "" {
		return nil, fmt.Errorf("slack node %s has no channel config", p.NodeID())
	}
	text := stringOr(cfg["message"], "")
	if text == "" {
		text = workflow.Stringify(source)
	}

	channelID, err := p.client.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve slack channel %s: %w", ref, err)
	}
	if err := p.client.PostMessage(ctx, channelID, text); err != nil {
		return nil, fmt.Errorf("post slack message: %w", err)
	}

	out := map[string]any{"status": "sent", "channel": channelID}
	p.SaveOutput(out)
	return out, nil
}

// ZendeskTicket creates or updates a Zendesk ticket from its resolved
// configuration.
type ZendeskTicket struct {
	workflow.Base
	client tools.ZendeskClient
}

func (p *ZendeskTicket) Process(ctx context.Context, input any) (any, error) {
	if p.client == nil {
		return nil, requireAdapter(TypeZendeskTicket, "zendesk")
	}
	p.SetInput(input)

	source, err := firstSourceOutput(ctx, &p.Base)
	if err != nil {
		return nil, err
	}
	cfg, _ := p.ResolveConfig(source, asMap(input))

	fields, _ := cfg["fields"].(map[string]any)
	action := strings.ToLower(stringOr(cfg["action"], "create"))

	switch action {
	case "create":
		ticketID, err := p.client.CreateTicket(ctx, fields)
		if err != nil {
			return nil, fmt.Errorf("create zendesk ticket: %w", err)
		}
		out := map[string]any{"status": "created", "ticket_id": ticketID}
		p.SaveOutput(out)
		return out, nil
	case "update":
		ticketID := stringOr(cfg["ticket_id"], "")
		if ticketID == "" {
			return nil, fmt.Errorf("zendesk update requires a ticket_id")
		}
		if err := p.client.UpdateTicket(ctx, ticketID, fields); err != nil {
			return nil, fmt.Errorf("update zendesk ticket %s: %w", ticketID, err)
		}
		out := map[string]any{"status": "updated", "ticket_id": ticketID}
		p.SaveOutput(out)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown zendesk action %q", action)
	}
}

// PythonFunction executes user-authored Python through the sandbox runner,
// exposing the gathered input as variables.
type PythonFunction struct {
	workflow.Base
	runner tools.PythonRunner
}

func (p *PythonFunction) Process(ctx context.Context, input any) (any, error) {
	if p.runner == nil {
		return nil, requireAdapter(TypePythonFunction, "python")
	}
	p.SetInput(input)

	source, err := firstSourceOutput(ctx, &p.Base)
	if err != nil {
		return nil, err
	}
	cfg, _ := p.ResolveConfig(source, asMap(input))

	code := stringOr(cfg["code"], "")
	if code == "" {
		return nil, fmt.Errorf("python node %s has no code config", p.NodeID())
	}

	vars := asMap(input)
	if vars == nil {
		vars = map[string]any{}
	}
	if _, ok := vars["source"]; !ok && source != nil {
		vars["source"] = source
	}

	result, err := p.runner.Run(ctx, code, vars)
	if err != nil {
		return nil, fmt.Errorf("python execution failed: %w", err)
	}
	p.SaveOutput(result)
	return result, nil
}
