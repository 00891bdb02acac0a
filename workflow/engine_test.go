package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapSource serves parsed workflows straight from a map.
type mapSource map[string]*Workflow

func (s mapSource) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	wf, ok := s[id]
	if !ok {
		return nil, errors.New("no such workflow")
	}
	return wf, nil
}

func mustParse(t *testing.T, def string) *Workflow {
	t.Helper()
	wf, err := ParseDefinition([]byte(def))
	require.NoError(t, err)
	return wf
}

// tracker records node execution counts and timing across a run.
type tracker struct {
	mu       sync.Mutex
	order    []string
	counts   map[string]int
	started  map[string]time.Time
	finished map[string]time.Time
}

func newTracker() *tracker {
	return &tracker{
		counts:   make(map[string]int),
		started:  make(map[string]time.Time),
		finished: make(map[string]time.Time),
	}
}

func (tr *tracker) begin(nodeID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.order = append(tr.order, nodeID)
	tr.counts[nodeID]++
	if _, ok := tr.started[nodeID]; !ok {
		tr.started[nodeID] = time.Now()
	}
}

func (tr *tracker) end(nodeID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.finished[nodeID] = time.Now()
}

func (tr *tracker) count(nodeID string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.counts[nodeID]
}

func (tr *tracker) position(nodeID string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, id := range tr.order {
		if id == nodeID {
			return i
		}
	}
	return -1
}

// trackedProcessor is the test node: "emit" publishes a configured value,
// "slow" sleeps first, "fail" errors, "aggregator" maps producer outputs by
// source id.
type trackedProcessor struct {
	Base
	tracker *tracker
	mode    string
}

func (p *trackedProcessor) Process(ctx context.Context, input any) (any, error) {
	p.tracker.begin(p.NodeID())
	defer p.tracker.end(p.NodeID())
	p.SetInput(input)

	if p.mode == "slow" {
		delay := 20 * time.Millisecond
		if v, ok := p.Data("delay_ms"); ok {
			if ms, ok := v.(float64); ok {
				delay = time.Duration(ms) * time.Millisecond
			}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inputs, err := p.InputsFromSources(ctx)
	if err != nil {
		return nil, err
	}

	switch p.mode {
	case "fail":
		return nil, fmt.Errorf("node %s exploded", p.NodeID())
	case "aggregator":
		out := make(map[string]any, len(inputs))
		for _, in := range inputs {
			out[in.SourceNodeID] = in.Data
		}
		p.SaveOutput(out)
		return out, nil
	default:
		var out any = map[string]any{"node": p.NodeID()}
		if v, ok := p.Data("value"); ok {
			out = v
		}
		p.SaveOutput(out)
		return out, nil
	}
}

// testRegistry registers the tracked test node under several type names.
// "aggregator" triggers the engines' barrier semantics by name.
func testRegistry(tr *tracker) Registry {
	r := Registry{}
	for _, mode := range []string{"emit", "slow", "fail", "aggregator"} {
		mode := mode
		r.Register(mode, func(rc *RunContext, node *Node) (Processor, error) {
			return &trackedProcessor{Base: NewBase(rc, node), tracker: tr, mode: mode}, nil
		})
	}
	return r
}

const diamondDef = `{
	"nodes": [
		{"id": "a", "type": "emit"},
		{"id": "b", "type": "emit"},
		{"id": "c", "type": "emit"},
		{"id": "d", "type": "aggregator"}
	],
	"edges": [
		{"id": "e1", "source": "a", "target": "b"},
		{"id": "e2", "source": "a", "target": "c"},
		{"id": "e3", "source": "b", "target": "d"},
		{"id": "e4", "source": "c", "target": "d"}
	]
}`

func TestEngineDiamondOrdering(t *testing.T) {
	t.Parallel()

	tr := newTracker()
	eng := NewEngine(mapSource{"wf": mustParse(t, diamondDef)}, testRegistry(tr))

	state, err := eng.ExecuteFromNode(context.Background(), "wf", "", nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status())

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, tr.count(id), "node %s", id)
	}
	assert.Less(t, tr.position("a"), tr.position("b"))
	assert.Less(t, tr.position("a"), tr.position("c"))
	assert.Greater(t, tr.position("d"), tr.position("b"))
	assert.Greater(t, tr.position("d"), tr.position("c"))

	// The join sees both producers.
	out, ok := state.NodeOutput("d").(map[string]any)
	require.True(t, ok)
	assert.Contains(t, out, "b")
	assert.Contains(t, out, "c")
}

func TestEngineRecursivePullExactlyOnce(t *testing.T) {
	t.Parallel()

	// Two edges from the same unexecuted source: the pull runs it once, the
	// second edge reads the cached output.
	wf := mustParse(t, `{
		"nodes": [
			{"id": "a", "type": "emit", "data": {"value": "from a"}},
			{"id": "b", "type": "aggregator"}
		],
		"edges": [
			{"id": "e1", "source": "a", "target": "b", "sourceHandle": "x"},
			{"id": "e2", "source": "a", "target": "b", "sourceHandle": "y"}
		]
	}`)
	tr := newTracker()
	eng := NewEngine(mapSource{"wf": wf}, testRegistry(tr))

	state, err := eng.ExecuteFromNode(context.Background(), "wf", "b", nil, "t1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status())
	assert.Equal(t, 1, tr.count("a"))
	assert.Equal(t, 1, tr.count("b"))
	assert.Equal(t, "from a", state.NodeOutput("a"))
	assert.Equal(t, map[string]any{"a": "from a"}, state.NodeOutput("b"))
}

func TestEngineRefusesDeepPull(t *testing.T) {
	t.Parallel()

	// Pulling b from c would skip a, so the gather must refuse and the node
	// degrade instead of silently running b without its inputs.
	wf := mustParse(t, `{
		"nodes": [
			{"id": "a", "type": "emit"},
			{"id": "b", "type": "emit"},
			{"id": "c", "type": "emit"}
		],
		"edges": [
			{"id": "e1", "source": "a", "target": "b"},
			{"id": "e2", "source": "b", "target": "c"}
		]
	}`)
	tr := newTracker()
	eng := NewEngine(mapSource{"wf": wf}, testRegistry(tr))

	state, err := eng.ExecuteFromNode(context.Background(), "wf", "c", nil, "t1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status())
	require.Error(t, state.NodeFailure("c"))
	assert.Contains(t, state.NodeFailure("c").Error(), "unmet inputs")
	assert.Equal(t, 0, tr.count("b"))

	out, ok := state.NodeOutput("c").(map[string]any)
	require.True(t, ok)
	assert.Contains(t, out, "error")
}

func TestEngineFailureIsolation(t *testing.T) {
	t.Parallel()

	wf := mustParse(t, `{
		"nodes": [
			{"id": "a", "type": "emit"},
			{"id": "b", "type": "fail"},
			{"id": "c", "type": "emit", "data": {"value": "c says hi"}},
			{"id": "d", "type": "aggregator"}
		],
		"edges": [
			{"id": "e1", "source": "a", "target": "b"},
			{"id": "e2", "source": "a", "target": "c"},
			{"id": "e3", "source": "b", "target": "d"},
			{"id": "e4", "source": "c", "target": "d"}
		]
	}`)
	tr := newTracker()
	eng := NewEngine(mapSource{"wf": wf}, testRegistry(tr))

	state, err := eng.ExecuteFromNode(context.Background(), "wf", "", nil, "t1")
	require.NoError(t, err)

	// One broken branch degrades; the run still completes.
	assert.Equal(t, StatusCompleted, state.Status())
	require.Len(t, state.NodeFailures(), 1)
	assert.Error(t, state.NodeFailure("b"))

	out, ok := state.NodeOutput("d").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c says hi", out["c"])
	degraded, ok := out["b"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, degraded, "error")
}

func TestEngineStartNodeRules(t *testing.T) {
	t.Parallel()

	twoRoots := mustParse(t, `{
		"nodes": [
			{"id": "r1", "type": "emit"},
			{"id": "r2", "type": "emit"}
		],
		"edges": []
	}`)
	cycle := mustParse(t, `{
		"nodes": [
			{"id": "a", "type": "emit"},
			{"id": "b", "type": "emit"}
		],
		"edges": [
			{"id": "e1", "source": "a", "target": "b"},
			{"id": "e2", "source": "b", "target": "a"}
		]
	}`)
	src := mapSource{"two": twoRoots, "cycle": cycle}
	eng := NewEngine(src, testRegistry(newTracker()))
	ctx := context.Background()

	_, err := eng.ExecuteFromNode(ctx, "missing", "", nil, "t1")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = eng.ExecuteFromNode(ctx, "two", "", nil, "t1")
	assert.ErrorIs(t, err, ErrAmbiguousStart)
	assert.Contains(t, err.Error(), "r1")
	assert.Contains(t, err.Error(), "r2")

	_, err = eng.ExecuteFromNode(ctx, "cycle", "", nil, "t1")
	assert.ErrorIs(t, err, ErrNoStartNode)

	_, err = eng.ExecuteFromNode(ctx, "two", "ghost", nil, "t1")
	assert.Error(t, err)

	// Naming the start node resolves the ambiguity.
	state, err := eng.ExecuteFromNode(ctx, "two", "r1", nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status())
}

func TestEngineMissingFactoryFailsRun(t *testing.T) {
	t.Parallel()

	wf := mustParse(t, `{
		"nodes": [{"id": "a", "type": "unregistered"}],
		"edges": []
	}`)
	eng := NewEngine(mapSource{"wf": wf}, testRegistry(newTracker()))

	state, err := eng.ExecuteFromNode(context.Background(), "wf", "", nil, "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no processor registered")
	assert.Equal(t, StatusFailed, state.Status())
}

func TestEngineSeedsSessionMetadata(t *testing.T) {
	t.Parallel()

	wf := mustParse(t, `{
		"nodes": [{"id": "a", "type": "emit"}],
		"edges": []
	}`)
	eng := NewEngine(mapSource{"wf": wf}, testRegistry(newTracker()))

	input := map[string]any{"message": "Hello!"}
	state, err := eng.ExecuteFromNode(context.Background(), "wf", "", input, "thread-7")
	require.NoError(t, err)

	assert.Equal(t, "Hello!", state.Value("message"))
	assert.Equal(t, "wf", state.Value("workflow_id"))
	assert.Equal(t, "thread-7", state.Value("thread_id"))
	assert.NotEmpty(t, state.Value("run_id"))
	assert.Equal(t, 1, state.TotalSteps())
}

// fakeMetrics counts recorder calls.
type fakeMetrics struct {
	mu    sync.Mutex
	nodes []string
	runs  []string
}

func (m *fakeMetrics) NodeExecuted(_, nodeType, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, nodeType+":"+status)
}

func (m *fakeMetrics) RunFinished(_, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

func TestEngineRecordsMetrics(t *testing.T) {
	t.Parallel()

	rec := &fakeMetrics{}
	eng := NewEngine(mapSource{"wf": mustParse(t, diamondDef)}, testRegistry(newTracker()),
		WithMetrics(rec))

	_, err := eng.ExecuteFromNode(context.Background(), "wf", "", nil, "t1")
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.nodes, 4)
	assert.Equal(t, []string{"completed"}, rec.runs)
}
