package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/llm"
	"github.com/BaSui01/flowgraph/workflow"
)

// historyLimit caps how many prior conversation turns an agent node feeds
// into the model.
const historyLimit = 20

// Agent is the LLM-driven node: it assembles a chat request from its
// gathered prompt, the conversation history and the tool schemas wired into
// its "tools" port, lets the model pick tools, executes the chosen tool
// nodes and returns the model's final reply.
type Agent struct {
	workflow.Base
	provider llm.Provider
}

func (p *Agent) Process(ctx context.Context, input any) (any, error) {
	if p.provider == nil {
		return nil, requireAdapter(TypeAgent, "llm provider")
	}
	p.SetInput(input)

	gathered, err := p.ProcessInput(ctx, asMap(input), "input")
	if err != nil {
		return nil, err
	}
	prompt, schemas := splitAgentInput(gathered)

	source, err := firstSourceOutput(ctx, &p.Base)
	if err != nil {
		return nil, err
	}
	cfg, _ := p.ResolveConfig(source, asMap(input))

	req := &llm.ChatRequest{
		Model: stringOr(cfg["model"], ""),
		Tools: schemas,
	}
	if sys := stringOr(cfg["system_prompt"], ""); sys != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: sys})
	}
	req.Messages = append(req.Messages, p.historyMessages(ctx)...)
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	resp, err := p.provider.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm call failed: %w", err)
	}

	if calls := resp.ToolCalls(); len(calls) > 0 {
		resp, err = p.runToolCalls(ctx, req, resp, calls)
		if err != nil {
			return nil, err
		}
	}

	content := resp.Content()
	p.SaveOutput(content)
	return content, nil
}

// runToolCalls executes every tool the model selected against the matching
// upstream tool node, then asks the model for its final reply. A failing
// tool degrades to an error message in the tool result rather than aborting
// the agent.
func (p *Agent) runToolCalls(
	ctx context.Context,
	req *llm.ChatRequest,
	resp *llm.ChatResponse,
	calls []llm.ToolCall,
) (*llm.ChatResponse, error) {
	req.Messages = append(req.Messages, resp.Choices[0].Message)

	for _, call := range calls {
		result := p.executeTool(ctx, call)
		req.Messages = append(req.Messages, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    workflow.Stringify(result),
		})
	}

	final, err := p.provider.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm call failed after tool execution: %w", err)
	}
	return final, nil
}

// executeTool dispatches one model tool call to the upstream node whose
// advertised schema name matches.
func (p *Agent) executeTool(ctx context.Context, call llm.ToolCall) any {
	nodeID := p.toolNodeFor(call.Name)
	if nodeID == "" {
		p.Logger().Warn("model selected unknown tool", zap.String("tool", call.Name))
		return map[string]any{"error": fmt.Sprintf("unknown tool %s", call.Name)}
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			p.Logger().Warn("tool arguments are not valid JSON",
				zap.String("tool", call.Name), zap.Error(err))
		}
	}

	proc, err := p.Run().Processor(nodeID)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	result, err := proc.Process(ctx, args)
	if err != nil {
		p.Logger().Warn("tool execution failed",
			zap.String("tool", call.Name),
			zap.String("node_id", nodeID),
			zap.Error(err),
		)
		return map[string]any{"error": err.Error()}
	}
	return result
}

// toolNodeFor finds the upstream tool node advertising the given schema name
// on this agent's tools port.
func (p *Agent) toolNodeFor(name string) string {
	for _, edge := range p.Run().Workflow.IncomingEdges(p.NodeID()) {
		src, ok := p.Run().Workflow.GetNode(edge.Source)
		if !ok {
			continue
		}
		if schemaName, _ := src.ToolSchema()["name"].(string); schemaName == name {
			return src.ID
		}
	}
	return ""
}

// historyMessages loads prior conversation turns from memory.
func (p *Agent) historyMessages(ctx context.Context) []llm.Message {
	mem := p.Memory()
	if mem == nil {
		return nil
	}
	turns, err := mem.History(ctx, historyLimit)
	if err != nil {
		p.Logger().Warn("failed to load conversation history", zap.Error(err))
		return nil
	}
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.Role(t.Role)
		if role != llm.RoleUser && role != llm.RoleAssistant && role != llm.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// splitAgentInput separates the gathered input into the user prompt and the
// tool schemas wired into the tools port.
func splitAgentInput(gathered any) (string, []llm.ToolSchema) {
	m, ok := gathered.(map[string]any)
	if !ok {
		return workflow.Stringify(gathered), nil
	}

	prompt := ""
	if v, ok := m["prompt"]; ok {
		prompt = workflow.Stringify(v)
	} else if v, ok := m["message"]; ok {
		prompt = workflow.Stringify(v)
	}

	return prompt, schemaList(m["tools"])
}

// schemaList converts a tools value into provider schemas. The value is
// []map[string]any when it comes from the port grouping, but a JSON-decoded
// direct input yields []any, so both shapes are accepted.
func schemaList(v any) []llm.ToolSchema {
	var schemas []llm.ToolSchema
	switch raw := v.(type) {
	case []map[string]any:
		for _, schema := range raw {
			schemas = append(schemas, toLLMSchema(schema))
		}
	case []any:
		for _, item := range raw {
			if schema, ok := item.(map[string]any); ok {
				schemas = append(schemas, toLLMSchema(schema))
			}
		}
	}
	return schemas
}

// toLLMSchema converts a tool-schema map into the provider's wire type.
func toLLMSchema(schema map[string]any) llm.ToolSchema {
	out := llm.ToolSchema{}
	out.Name, _ = schema["name"].(string)
	out.Description, _ = schema["description"].(string)
	if params, ok := schema["parameters"]; ok {
		if data, err := json.Marshal(params); err == nil {
			out.Parameters = data
		}
	}
	return out
}

// stringOr returns v as a string, or fallback when it is not one.
func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}
