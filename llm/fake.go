package llm

import (
	"context"
	"sync"
)

// Echo is a Provider that replies with the last user message. Useful for
// development runs and smoke tests where no real model is configured.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	content := ""
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			content = m.Content
		}
	}
	return &ChatResponse{
		Model: req.Model,
		Choices: []ChatChoice{{
			Message: Message{Role: RoleAssistant, Content: content},
		}},
	}, nil
}

// Scripted is a Provider that replays a fixed sequence of responses and
// records every request it receives. Test-only.
type Scripted struct {
	mu        sync.Mutex
	responses []*ChatResponse
	err       error

	Requests []*ChatRequest
}

// NewScripted builds a provider that returns the given responses in order.
// The last response repeats once the script is exhausted.
func NewScripted(responses ...*ChatResponse) *Scripted {
	return &Scripted{responses: responses}
}

// Fail makes every Chat call return err.
func (s *Scripted) Fail(err error) { s.err = err }

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &ChatResponse{Model: req.Model}, nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

// TextResponse is a convenience constructor for a plain assistant reply.
func TextResponse(content string) *ChatResponse {
	return &ChatResponse{
		Choices: []ChatChoice{{
			Message: Message{Role: RoleAssistant, Content: content},
		}},
	}
}

// ToolCallResponse is a convenience constructor for a reply that invokes one
// tool.
func ToolCallResponse(callID, name string, arguments []byte) *ChatResponse {
	return &ChatResponse{
		Choices: []ChatChoice{{
			Message: Message{
				Role: RoleAssistant,
				ToolCalls: []ToolCall{{
					ID:        callID,
					Name:      name,
					Arguments: arguments,
				}},
			},
		}},
	}
}
