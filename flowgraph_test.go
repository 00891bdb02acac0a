package flowgraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowgraph"
	"github.com/BaSui01/flowgraph/workflow"
)

const supportBotDef = `{
	"nodes": [
		{"id": "in", "type": "chat_input"},
		{"id": "tpl", "type": "template", "data": {
			"template": "Hello {{source.message}}, a human will reply shortly."
		}},
		{"id": "out", "type": "chat_output"}
	],
	"edges": [
		{"id": "e1", "source": "in", "target": "tpl", "targetHandle": "input"},
		{"id": "e2", "source": "tpl", "target": "out", "targetHandle": "input"}
	]
}`

func TestFacadeEndToEnd(t *testing.T) {
	t.Parallel()

	s := flowgraph.NewStore()
	require.NoError(t, s.SaveWorkflow(context.Background(), "support-bot", "Support bot",
		[]byte(supportBotDef)))

	eng := flowgraph.New(s, flowgraph.Deps{}, nil)
	state, err := eng.ExecuteFromNodeParallel(context.Background(), "support-bot", "",
		map[string]any{"message": "Ann"}, "thread-1")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, state.Status())
	assert.Empty(t, state.NodeFailures())
	assert.Equal(t, "Hello Ann, a human will reply shortly.", state.NodeOutput("out"))
}

func TestFacadeUnknownWorkflow(t *testing.T) {
	t.Parallel()

	eng := flowgraph.New(flowgraph.NewStore(), flowgraph.Deps{}, nil)
	_, err := eng.ExecuteFromNodeParallel(context.Background(), "nope", "", nil, "t1")
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
}
