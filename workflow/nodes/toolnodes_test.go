package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowgraph/tools"
	"github.com/BaSui01/flowgraph/workflow"
)

type fakeKnowledge struct {
	query string
	topK  int
	docs  []tools.Document
	err   error
}

func (f *fakeKnowledge) Search(_ context.Context, query string, topK int) ([]tools.Document, error) {
	f.query = query
	f.topK = topK
	return f.docs, f.err
}

type fakeSlack struct {
	resolved  string
	channelID string
	posts     []string
}

func (f *fakeSlack) ResolveChannel(_ context.Context, ref string) (string, error) {
	f.resolved = ref
	return f.channelID, nil
}

func (f *fakeSlack) PostMessage(_ context.Context, channelID, text string) error {
	f.posts = append(f.posts, channelID+": "+text)
	return nil
}

type fakeZendesk struct {
	created  map[string]any
	updated  map[string]any
	updateID string
	ticketID string
}

func (f *fakeZendesk) CreateTicket(_ context.Context, fields map[string]any) (string, error) {
	f.created = fields
	return f.ticketID, nil
}

func (f *fakeZendesk) UpdateTicket(_ context.Context, ticketID string, fields map[string]any) error {
	f.updateID = ticketID
	f.updated = fields
	return nil
}

type fakePython struct {
	code   string
	vars   map[string]any
	result any
}

func (f *fakePython) Run(_ context.Context, code string, vars map[string]any) (any, error) {
	f.code = code
	f.vars = vars
	return f.result, nil
}

func singleToolFlow(nodeType, dataJSON string) string {
	return `{
		"nodes": [
			{"id": "in", "type": "chat_input"},
			{"id": "tool", "type": "` + nodeType + `", "data": ` + dataJSON + `}
		],
		"edges": [{"id": "e1", "source": "in", "target": "tool", "targetHandle": "input"}]
	}`
}

func TestAPIToolInvokesHTTP(t *testing.T) {
	t.Parallel()

	var invoked map[string]any
	invoker := tools.InvokerFunc{
		ToolName: "api",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			invoked = params
			return map[string]any{"status": float64(200)}, nil
		},
	}
	eng := newTestEngine(t, singleToolFlow("api_tool", `{
		"url": "https://api.test/tickets",
		"method": "POST",
		"body": {"subject": "{{source.message}}"}
	}`), Deps{HTTP: invoker})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "",
		map[string]any{"message": "printer on fire"}, "t1")
	require.NoError(t, err)

	assert.Empty(t, state.NodeFailures())
	require.NotNil(t, invoked)
	assert.Equal(t, "https://api.test/tickets", invoked["url"])
	assert.Equal(t, "POST", invoked["method"])
	assert.Equal(t, map[string]any{"subject": "printer on fire"}, invoked["body"])
	assert.Equal(t, map[string]any{"status": float64(200)}, state.NodeOutput("tool"))
}

func TestAPIToolErrorDegrades(t *testing.T) {
	t.Parallel()

	invoker := tools.InvokerFunc{
		ToolName: "api",
		Fn: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("upstream 503")
		},
	}
	eng := newTestEngine(t, singleToolFlow("api_tool", `{"url": "https://api.test"}`),
		Deps{HTTP: invoker})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "", nil, "t1")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, state.Status())
	require.Error(t, state.NodeFailure("tool"))
	assert.Contains(t, state.NodeFailure("tool").Error(), "upstream 503")
}

func TestKnowledgeToolSearches(t *testing.T) {
	t.Parallel()

	searcher := &fakeKnowledge{docs: []tools.Document{
		{ID: "d1", Content: "Reset via settings.", Score: 0.9},
	}}
	eng := newTestEngine(t, singleToolFlow("knowledge_tool", `{
		"query": "{{source.message}}",
		"top_k": 2
	}`), Deps{Knowledge: searcher})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "",
		map[string]any{"message": "reset password"}, "t1")
	require.NoError(t, err)

	assert.Equal(t, "reset password", searcher.query)
	assert.Equal(t, 2, searcher.topK)

	out, ok := state.NodeOutput("tool").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reset password", out["query"])
	assert.Equal(t, searcher.docs, out["results"])
}

func TestSlackMessagePosts(t *testing.T) {
	t.Parallel()

	client := &fakeSlack{channelID: "C123"}
	eng := newTestEngine(t, singleToolFlow("slack_message", `{
		"channel": "ann@acme.test",
		"message": "New request: {{source.message}}"
	}`), Deps{Slack: client})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "",
		map[string]any{"message": "help"}, "t1")
	require.NoError(t, err)

	assert.Equal(t, "ann@acme.test", client.resolved)
	require.Len(t, client.posts, 1)
	assert.Equal(t, "C123: New request: help", client.posts[0])
	assert.Equal(t, map[string]any{"status": "sent", "channel": "C123"}, state.NodeOutput("tool"))
}

func TestSlackMessageWithoutChannelFails(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, singleToolFlow("slack_message", `{}`),
		Deps{Slack: &fakeSlack{channelID: "C1"}})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "", nil, "t1")
	require.NoError(t, err)
	require.Error(t, state.NodeFailure("tool"))
	assert.Contains(t, state.NodeFailure("tool").Error(), "no channel config")
}

func TestZendeskTicketCreate(t *testing.T) {
	t.Parallel()

	client := &fakeZendesk{ticketID: "Z-42"}
	eng := newTestEngine(t, singleToolFlow("zendesk_ticket", `{
		"action": "create",
		"fields": {"subject": "{{source.message}}", "priority": "high"}
	}`), Deps{Zendesk: client})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "",
		map[string]any{"message": "broken login"}, "t1")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"subject": "broken login", "priority": "high"}, client.created)
	assert.Equal(t, map[string]any{"status": "created", "ticket_id": "Z-42"}, state.NodeOutput("tool"))
}

func TestZendeskTicketUpdate(t *testing.T) {
	t.Parallel()

	client := &fakeZendesk{}
	eng := newTestEngine(t, singleToolFlow("zendesk_ticket", `{
		"action": "update",
		"ticket_id": "Z-7",
		"fields": {"status": "solved"}
	}`), Deps{Zendesk: client})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "", nil, "t1")
	require.NoError(t, err)

	assert.Equal(t, "Z-7", client.updateID)
	assert.Equal(t, map[string]any{"status": "solved"}, client.updated)
	assert.Equal(t, map[string]any{"status": "updated", "ticket_id": "Z-7"}, state.NodeOutput("tool"))
}

func TestZendeskTicketUnknownAction(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, singleToolFlow("zendesk_ticket", `{"action": "escalate"}`),
		Deps{Zendesk: &fakeZendesk{}})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "", nil, "t1")
	require.NoError(t, err)
	require.Error(t, state.NodeFailure("tool"))
	assert.Contains(t, state.NodeFailure("tool").Error(), "unknown zendesk action")
}

func TestPythonFunctionRuns(t *testing.T) {
	t.Parallel()

	runner := &fakePython{result: map[string]any{"ok": true}}
	eng := newTestEngine(t, singleToolFlow("python_function", `{
		"code": "result = source['message'].upper()"
	}`), Deps{Python: runner})

	state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "",
		map[string]any{"message": "hi"}, "t1")
	require.NoError(t, err)

	assert.Equal(t, "result = source['message'].upper()", runner.code)
	assert.Equal(t, map[string]any{"message": "hi"}, runner.vars["source"])
	assert.Equal(t, map[string]any{"ok": true}, state.NodeOutput("tool"))
}

func TestToolNodesRequireAdapters(t *testing.T) {
	t.Parallel()

	cases := []struct {
		nodeType string
		data     string
	}{
		{"api_tool", `{"url": "https://api.test"}`},
		{"knowledge_tool", `{"query": "x"}`},
		{"slack_message", `{"channel": "c"}`},
		{"zendesk_ticket", `{"action": "create"}`},
		{"python_function", `{"code": "pass"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.nodeType, func(t *testing.T) {
			t.Parallel()

			eng := newTestEngine(t, singleToolFlow(tc.nodeType, tc.data), Deps{})
			state, err := eng.ExecuteFromNodeParallel(context.Background(), "wf", "", nil, "t1")
			require.NoError(t, err)
			require.Error(t, state.NodeFailure("tool"))
			assert.Contains(t, state.NodeFailure("tool").Error(), "requires")
		})
	}
}
