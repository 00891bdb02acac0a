package nodes

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/memory"
	"github.com/BaSui01/flowgraph/workflow"
)

// ChatInput is the entry node of a conversational workflow: it publishes the
// caller's input data so downstream nodes can reference it as {{source...}},
// and records the user turn in conversation memory.
type ChatInput struct {
	workflow.Base
}

func (p *ChatInput) Process(ctx context.Context, input any) (any, error) {
	gathered, err := p.ProcessInput(ctx, asMap(input), "input")
	if err != nil {
		return nil, err
	}
	p.SetInput(gathered)

	if mem := p.Memory(); mem != nil {
		if m, ok := gathered.(map[string]any); ok {
			if msg, ok := m["message"].(string); ok && msg != "" {
				if err := mem.AppendTurn(ctx, memory.Turn{Role: "user", Content: msg}); err != nil {
					p.Logger().Warn("failed to record user turn", zap.Error(err))
				}
			}
		}
	}

	p.SaveOutput(gathered)
	return gathered, nil
}

// ChatOutput is the terminal node of a conversational workflow: it renders
// its gathered input as the reply text and records the assistant turn.
type ChatOutput struct {
	workflow.Base
}

func (p *ChatOutput) Process(ctx context.Context, input any) (any, error) {
	gathered, err := p.ProcessInput(ctx, asMap(input), "input")
	if err != nil {
		return nil, err
	}
	p.SetInput(gathered)

	text := workflow.Stringify(gathered)
	if mem := p.Memory(); mem != nil && text != "" {
		if err := mem.AppendTurn(ctx, memory.Turn{Role: "assistant", Content: text}); err != nil {
			p.Logger().Warn("failed to record assistant turn", zap.Error(err))
		}
	}

	p.SaveOutput(text)
	return text, nil
}
