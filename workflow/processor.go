package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/memory"
)

// SourceInput is one gathered upstream value, wrapped with the edge metadata
// a processor needs to group inputs by port.
type SourceInput struct {
	Data         any
	SourceNodeID string
	SourceHandle string
	TargetHandle string
	EdgeID       string
}

// Handle type strings understood by ProcessInput.
const (
	handleTypeText  = "text"
	handleTypeTools = "tools"
)

// inputHandlePrefix marks handles of the form "input_x" that flatten into a
// {x: value} map.
const inputHandlePrefix = "input_"

// Base carries the pull/cache/resolve machinery every concrete processor
// shares. Concrete processors embed it and implement only Process.
type Base struct {
	rc     *RunContext
	node   *Node
	logger *zap.Logger

	mu     sync.Mutex
	input  any
	output any
}

// NewBase builds the shared processor core for one node.
func NewBase(rc *RunContext, node *Node) Base {
	return Base{
		rc:   rc,
		node: node,
		logger: rc.Logger().With(
			zap.String("node_id", node.ID),
			zap.String("node_type", node.Type),
		),
	}
}

// NodeID returns the id of the node this processor executes.
func (b *Base) NodeID() string { return b.node.ID }

// Node returns the static node definition.
func (b *Base) Node() *Node { return b.node }

// Run returns the shared run context.
func (b *Base) Run() *RunContext { return b.rc }

// Logger returns the node-scoped logger.
func (b *Base) Logger() *zap.Logger { return b.logger }

// Data returns a node config value by key.
func (b *Base) Data(key string) (any, bool) {
	v, ok := b.node.Data[key]
	return v, ok
}

// StringData returns a node config value as a string, or "" when absent.
func (b *Base) StringData(key string) string {
	if v, ok := b.node.Data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SaveOutput caches the node output and mirrors it into the run state so
// downstream readers observe it. Mirror failures cannot occur with the
// in-process state, but the cached copy keeps the processor usable even if a
// future state backend rejects a write.
func (b *Base) SaveOutput(output any) {
	b.mu.Lock()
	b.output = output
	b.mu.Unlock()
	b.rc.State.SetNodeOutput(b.node.ID, output)
}

// Output returns the last output this processor produced.
func (b *Base) Output() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.output
}

// SetInput caches the invocation input and mirrors it into the run state for
// introspection.
func (b *Base) SetInput(input any) {
	b.mu.Lock()
	b.input = input
	b.mu.Unlock()
	b.rc.State.SetNodeInput(b.node.ID, input)
}

// Input returns the last input this processor was invoked with.
func (b *Base) Input() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.input
}

// Memory returns the run's conversation memory handle, or nil when the run
// has none. It never fails.
func (b *Base) Memory() memory.ConversationMemory {
	if b.rc == nil || b.rc.State == nil {
		return nil
	}
	return b.rc.State.Memory()
}

// ResolveConfig substitutes {{var}} references in the node's config against
// the run state, the given predecessor output and the direct caller input.
func (b *Base) ResolveConfig(sourceOutput any, directInput map[string]any) (map[string]any, map[string]any) {
	return ResolveConfigVars(b.node.Data, b.rc.State, sourceOutput, directInput, b.logger)
}

// InputsFromSources gathers one value per incoming edge. A source whose
// output is missing is executed on demand, unless that source itself still
// has unmet input ports — running it would silently skip inputs the scheduler
// has not produced yet, so the gather fails instead. A failure while
// resolving a single edge is logged and treated as "no output" for that edge
// rather than aborting the whole gather.
func (b *Base) InputsFromSources(ctx context.Context) ([]SourceInput, error) {
	edges := b.rc.Workflow.IncomingEdges(b.node.ID)
	inputs := make([]SourceInput, 0, len(edges))

	for _, edge := range edges {
		if isControlEdge(edge) {
			continue
		}
		if b.rc.Workflow.isSchemaEdge(edge) {
			// Schema edges carry the source node's tool schema, not data; the
			// source is executed later, if and when the model calls the tool.
			inputs = append(inputs, SourceInput{
				SourceNodeID: edge.Source,
				SourceHandle: edge.SourceHandle,
				TargetHandle: edge.TargetHandle,
				EdgeID:       edge.ID,
			})
			continue
		}
		if !b.rc.State.HasNodeOutput(edge.Source) {
			if unmet := b.unmetSourceEdges(edge.Source); len(unmet) > 0 {
				return nil, fmt.Errorf(
					"source node %s has unmet inputs %v, refusing to execute it ahead of its dependencies",
					edge.Source, unmet)
			}
			if err := b.executeSource(ctx, edge.Source); err != nil {
				b.logger.Warn("failed to resolve edge input",
					zap.String("edge_id", edge.ID),
					zap.String("source_node_id", edge.Source),
					zap.Error(err),
				)
				continue
			}
		}
		inputs = append(inputs, SourceInput{
			Data:         b.rc.State.NodeOutput(edge.Source),
			SourceNodeID: edge.Source,
			SourceHandle: edge.SourceHandle,
			TargetHandle: edge.TargetHandle,
			EdgeID:       edge.ID,
		})
	}
	return inputs, nil
}

// unmetSourceEdges lists the incoming edges of a node whose own sources have
// produced no output yet.
func (b *Base) unmetSourceEdges(nodeID string) []string {
	var unmet []string
	for _, e := range b.rc.Workflow.IncomingEdges(nodeID) {
		if isControlEdge(e) || b.rc.Workflow.isSchemaEdge(e) {
			continue
		}
		if !b.rc.State.HasNodeOutput(e.Source) {
			unmet = append(unmet, e.Source)
		}
	}
	return unmet
}

// executeSource lazily runs an upstream node so its output becomes available.
func (b *Base) executeSource(ctx context.Context, nodeID string) error {
	proc, err := b.rc.Processor(nodeID)
	if err != nil {
		return err
	}
	b.logger.Debug("executing source node on demand", zap.String("source_node_id", nodeID))
	if _, err := proc.Process(ctx, nil); err != nil {
		return fmt.Errorf("source node %s failed: %w", nodeID, err)
	}
	return nil
}

// ProcessInput is the canonical way a processor gathers its resolved inputs:
// it pulls every incoming edge, keeps the node's declared input ports whose
// id contains field, groups edge values per port and renders each port by its
// declared kind ("text" concatenates, "tools" collects tool schemas). Ports
// named "input_x" flatten into a {x: value} map; a single unprefixed port is
// returned as the whole result. With no incoming edges at all, the direct
// input (or an empty map) is returned unchanged.
func (b *Base) ProcessInput(ctx context.Context, directInput map[string]any, field string) (any, error) {
	if field == "" {
		field = "input"
	}
	var edges []Edge
	for _, e := range b.rc.Workflow.IncomingEdges(b.node.ID) {
		if !isControlEdge(e) {
			edges = append(edges, e)
		}
	}
	if len(edges) == 0 {
		if directInput != nil {
			return directInput, nil
		}
		return map[string]any{}, nil
	}

	inputs, err := b.InputsFromSources(ctx)
	if err != nil {
		return nil, err
	}

	byHandle := make(map[string][]SourceInput)
	for _, in := range inputs {
		byHandle[in.TargetHandle] = append(byHandle[in.TargetHandle], in)
	}

	// Declared port kinds win; ports that only appear on edges default to text.
	kinds := make(map[string]string)
	var order []string
	for _, h := range b.node.TargetHandles() {
		if !strings.Contains(h.ID, field) {
			continue
		}
		kinds[h.ID] = h.Type
		order = append(order, h.ID)
	}
	for _, e := range edges {
		if !strings.Contains(e.TargetHandle, field) {
			continue
		}
		if _, seen := kinds[e.TargetHandle]; !seen {
			kinds[e.TargetHandle] = handleTypeText
			order = append(order, e.TargetHandle)
		}
	}

	values := make(map[string]any)
	for _, id := range order {
		group := byHandle[id]
		if len(group) == 0 {
			continue
		}
		switch kinds[id] {
		case handleTypeTools:
			values[id] = b.toolSchemas(group)
		default:
			values[id] = joinText(group)
		}
	}

	result := make(map[string]any)
	var whole any
	wholeCount := 0
	for id, v := range values {
		if name, ok := strings.CutPrefix(id, inputHandlePrefix); ok {
			result[name] = v
			continue
		}
		whole = v
		wholeCount++
	}
	if len(result) == 0 && wholeCount == 1 {
		return whole, nil
	}
	if wholeCount > 0 {
		for id, v := range values {
			if !strings.HasPrefix(id, inputHandlePrefix) {
				result[id] = v
			}
		}
	}
	for k, v := range directInput {
		if _, ok := result[k]; !ok {
			result[k] = v
		}
	}
	return result, nil
}

// toolSchemas derives one tool-schema map per edge from the upstream node's
// declared shape.
func (b *Base) toolSchemas(group []SourceInput) []map[string]any {
	schemas := make([]map[string]any, 0, len(group))
	for _, in := range group {
		src, ok := b.rc.Workflow.GetNode(in.SourceNodeID)
		if !ok {
			continue
		}
		schemas = append(schemas, toolSchemaForNode(src))
	}
	return schemas
}

// ToolSchema returns the tool schema this node advertises to agent nodes.
func (n *Node) ToolSchema() map[string]any {
	return toolSchemaForNode(n)
}

// toolSchemaForNode builds the tool schema a node advertises: explicit
// "tool_schema" config wins, otherwise name/description/parameters fields are
// assembled with sensible defaults.
func toolSchemaForNode(n *Node) map[string]any {
	if raw, ok := n.Data["tool_schema"].(map[string]any); ok {
		return raw
	}
	schema := map[string]any{
		"name":        n.ID,
		"description": "",
		"parameters": map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
	if name, ok := n.Data["name"].(string); ok && name != "" {
		schema["name"] = name
	}
	if desc, ok := n.Data["description"].(string); ok {
		schema["description"] = desc
	}
	if params, ok := n.Data["parameters"].(map[string]any); ok {
		schema["parameters"] = params
	}
	return schema
}

// joinText renders a group of edge values as one space-joined string.
func joinText(group []SourceInput) string {
	parts := make([]string, 0, len(group))
	for _, in := range group {
		parts = append(parts, Stringify(in.Data))
	}
	return strings.Join(parts, " ")
}

// Stringify renders any value for text concatenation: strings pass through,
// everything else is JSON-encoded, with a fmt fallback for values JSON cannot
// represent.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
