package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Handles delimiting a subflow region: edges leaving the tool-builder node
// through "starter_processor" mark subflow entry nodes, edges entering it
// through "end_processor" mark subflow terminals.
const (
	starterHandle = "starter_processor"
	endHandle     = "end_processor"
)

// isControlEdge reports whether an edge delimits a subflow region rather
// than carrying data. Control edges are invisible to input gathering and to
// the schedulers' fan-out; only the tool-builder node follows them.
func isControlEdge(e Edge) bool {
	return e.SourceHandle == starterHandle || e.TargetHandle == endHandle
}

// ToolBuilderProcessor treats a delimited region of the graph as a callable
// subroutine: it executes the region from its starter nodes and returns the
// first terminal node's output as its own. The subflow runs against a child
// scope of the run state, so repeated invocations (and node ids shared with
// the parent run) cannot collide.
type ToolBuilderProcessor struct {
	Base
}

// NewToolBuilder is the registry factory for tool-builder nodes.
func NewToolBuilder(rc *RunContext, node *Node) (Processor, error) {
	return &ToolBuilderProcessor{Base: NewBase(rc, node)}, nil
}

// Process executes the subflow. All internal failures degrade to an
// {"error": ...} output; the method itself only errors on cancellation.
func (p *ToolBuilderProcessor) Process(ctx context.Context, input any) (any, error) {
	p.SetInput(input)

	directInput, _ := input.(map[string]any)
	if directInput == nil {
		if gathered, err := p.ProcessInput(ctx, nil, "input"); err == nil {
			directInput, _ = gathered.(map[string]any)
		}
	}

	starts, ends := p.findSubflowNodes()
	if len(starts) == 0 {
		p.Logger().Warn("tool builder has no subflow start nodes")
		out := map[string]any{"error": "no subflow start nodes"}
		p.SaveOutput(out)
		return out, nil
	}

	output := p.executeSubflow(ctx, starts, ends, directInput)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.SaveOutput(output)
	return output, nil
}

// findSubflowNodes locates the declared entry and terminal nodes of the
// subflow region. A region may legitimately declare no terminals; they are
// then discovered during traversal as the nodes with no further successors.
func (p *ToolBuilderProcessor) findSubflowNodes() (starts, ends []string) {
	for _, edge := range p.Run().Workflow.OutgoingEdges(p.NodeID()) {
		if edge.SourceHandle == starterHandle {
			starts = append(starts, edge.Target)
		}
	}
	for _, edge := range p.Run().Workflow.IncomingEdges(p.NodeID()) {
		if edge.TargetHandle == endHandle {
			ends = append(ends, edge.Source)
		}
	}
	return starts, ends
}

// executeSubflow runs the region from every declared start node inside a
// child scope and picks the result: the first declared end node with an
// output, falling back to the terminals discovered during traversal.
func (p *ToolBuilderProcessor) executeSubflow(
	ctx context.Context,
	starts, declaredEnds []string,
	input map[string]any,
) any {
	child := p.Run().ChildScope()
	visited := make(map[string]bool)
	var fallbackEnds []string

	results := make(map[string]any)
	for _, start := range starts {
		if err := p.executeNodeAndSuccessors(ctx, child, start, input, visited, &fallbackEnds); err != nil {
			// One broken branch must not fail the whole call; record and
			// keep discovering the rest.
			p.Logger().Warn("subflow branch failed",
				zap.String("start_node_id", start),
				zap.Error(err),
			)
			results[start] = map[string]any{"error": err.Error()}
		}
	}

	ends := declaredEnds
	if len(ends) == 0 {
		ends = fallbackEnds
	}
	// First end node with an output wins; divergent siblings are dropped.
	for _, end := range ends {
		if child.State.HasNodeOutput(end) {
			return child.State.NodeOutput(end)
		}
	}
	for _, start := range starts {
		if res, ok := results[start]; ok {
			return res
		}
	}
	return map[string]any{"error": "no subflow results"}
}

// executeNodeAndSuccessors walks the subflow depth-first. The visited set is
// local to one invocation, which both prevents re-execution and breaks the
// cycles the region forms through its edges back into the tool-builder node;
// the tool-builder itself is never re-entered.
func (p *ToolBuilderProcessor) executeNodeAndSuccessors(
	ctx context.Context,
	child *RunContext,
	nodeID string,
	input any,
	visited map[string]bool,
	fallbackEnds *[]string,
) error {
	if nodeID == p.NodeID() || visited[nodeID] {
		return nil
	}
	visited[nodeID] = true

	if err := ctx.Err(); err != nil {
		return err
	}

	proc, err := child.Processor(nodeID)
	if err != nil {
		return err
	}
	output, err := proc.Process(ctx, input)
	if err != nil {
		return fmt.Errorf("subflow node %s: %w", nodeID, err)
	}

	next := p.nextNodesInSubflow(nodeID)
	if len(next) == 0 {
		*fallbackEnds = append(*fallbackEnds, nodeID)
		return nil
	}
	for _, target := range next {
		if err := p.executeNodeAndSuccessors(ctx, child, target, output, visited, fallbackEnds); err != nil {
			return err
		}
	}
	return nil
}

// nextNodesInSubflow returns a node's successors within the region, excluding
// edges that lead back into the tool-builder node.
func (p *ToolBuilderProcessor) nextNodesInSubflow(nodeID string) []string {
	var next []string
	for _, edge := range p.Run().Workflow.OutgoingEdges(nodeID) {
		if edge.Target == p.NodeID() {
			continue
		}
		next = append(next, edge.Target)
	}
	return next
}
