package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/workflow"
)

var chatDefinition = []byte(`{
	"nodes": [
		{"id": "in", "type": "chat_input", "data": {}},
		{"id": "out", "type": "chat_output", "data": {}}
	],
	"edges": [
		{"id": "e1", "source": "in", "target": "out"}
	]
}`)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewInMemory()
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveWorkflow(ctx, "wf-1", "chat", chatDefinition))

	wf, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 2)
	assert.Len(t, wf.Edges, 1)

	infos, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "chat", infos[0].Name)

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))
	assert.ErrorIs(t, s.DeleteWorkflow(ctx, "wf-1"), ErrNotFound)
}

func TestInMemoryStoreRejectsBadDefinition(t *testing.T) {
	t.Parallel()

	s := NewInMemory()
	err := s.SaveWorkflow(context.Background(), "bad", "bad", []byte(`{"nodes": [`))
	assert.Error(t, err)
}

func TestInMemoryStoreAddParsed(t *testing.T) {
	t.Parallel()

	wf, err := workflow.ParseDefinition(chatDefinition)
	require.NoError(t, err)

	s := NewInMemory()
	s.Add("wf-1", "chat", wf)

	got, err := s.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Same(t, wf, got)
}

func TestGormStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveWorkflow(ctx, "wf-1", "chat", chatDefinition))

	wf, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 2)

	node, ok := wf.GetNode("in")
	require.True(t, ok)
	assert.Equal(t, "chat_input", node.Type)

	// Save again under the same id: upsert, not duplicate.
	require.NoError(t, s.SaveWorkflow(ctx, "wf-1", "chat v2", chatDefinition))
	infos, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "chat v2", infos[0].Name)

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))
	assert.ErrorIs(t, s.DeleteWorkflow(ctx, "wf-1"), ErrNotFound)
}

func TestGormStoreRejectsBadDefinition(t *testing.T) {
	t.Parallel()

	s, err := OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)

	err = s.SaveWorkflow(context.Background(), "bad", "bad", []byte("not a workflow"))
	assert.Error(t, err)
}
