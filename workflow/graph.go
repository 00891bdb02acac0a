// Package workflow implements a node-graph workflow execution engine.
//
// A workflow is a directed graph of typed nodes connected by handle-qualified
// edges. Nodes are executed by per-run NodeProcessor instances that pull
// their inputs from upstream edges on demand; the parallel engine runs
// independent branches concurrently while aggregator nodes wait for all of
// their producers to finish.
package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Node is a single unit of work in a workflow graph.
// Type selects which NodeProcessor implementation handles it.
type Node struct {
	ID   string         `json:"id" yaml:"id"`
	Type string         `json:"type" yaml:"type"`
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Edge is a directed, handle-qualified data dependency between two nodes.
// A handle names an input or output port, so a node can expose several
// independent data channels (e.g. "input_prompt", "input_tools").
type Edge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"source_handle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"target_handle,omitempty"`
}

// Workflow is the read-only definition handed to the engine: a set of nodes
// plus the edges between them, indexed both by source and by target node.
type Workflow struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`

	nodesByID     map[string]*Node
	edgesBySource map[string][]Edge
	edgesByTarget map[string][]Edge
}

// ParseDefinition decodes a raw workflow definition. JSON is tried first,
// falling back to YAML, matching how definitions arrive from the authoring UI
// versus from files on disk.
func ParseDefinition(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		if yerr := yaml.Unmarshal(data, &wf); yerr != nil {
			return nil, fmt.Errorf("parse workflow definition: %w", err)
		}
	}
	if err := wf.Index(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Index builds the node and edge lookup tables. It must be called once after
// the Nodes/Edges slices are populated and before the workflow is executed;
// ParseDefinition does this automatically.
func (w *Workflow) Index() error {
	w.nodesByID = make(map[string]*Node, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("workflow %s: node %d has empty id", w.ID, i)
		}
		if _, dup := w.nodesByID[n.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate node id %s", w.ID, n.ID)
		}
		w.nodesByID[n.ID] = n
	}
	w.edgesBySource = make(map[string][]Edge)
	w.edgesByTarget = make(map[string][]Edge)
	for _, e := range w.Edges {
		if _, ok := w.nodesByID[e.Source]; !ok {
			return fmt.Errorf("workflow %s: edge %s references unknown source %s", w.ID, e.ID, e.Source)
		}
		if _, ok := w.nodesByID[e.Target]; !ok {
			return fmt.Errorf("workflow %s: edge %s references unknown target %s", w.ID, e.ID, e.Target)
		}
		w.edgesBySource[e.Source] = append(w.edgesBySource[e.Source], e)
		w.edgesByTarget[e.Target] = append(w.edgesByTarget[e.Target], e)
	}
	return nil
}

// GetNode retrieves a node by id.
func (w *Workflow) GetNode(nodeID string) (*Node, bool) {
	n, ok := w.nodesByID[nodeID]
	return n, ok
}

// OutgoingEdges returns the edges whose source is the given node.
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	return w.edgesBySource[nodeID]
}

// IncomingEdges returns the edges whose target is the given node.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	return w.edgesByTarget[nodeID]
}

// StartNodes returns every node with no incoming edges, in definition order.
// Nodes that only feed tools ports are schema providers, not entry points, and
// are excluded.
func (w *Workflow) StartNodes() []string {
	var starts []string
	for _, n := range w.Nodes {
		if len(w.edgesByTarget[n.ID]) > 0 {
			continue
		}
		if out := w.edgesBySource[n.ID]; len(out) > 0 {
			allSchema := true
			for _, e := range out {
				if !w.isSchemaEdge(e) {
					allSchema = false
					break
				}
			}
			if allSchema {
				continue
			}
		}
		starts = append(starts, n.ID)
	}
	return starts
}

// isSchemaEdge reports whether an edge targets a tools port. Such an edge
// advertises the source node's tool schema to the target; it carries no data
// and never causes the source to execute.
func (w *Workflow) isSchemaEdge(e Edge) bool {
	target, ok := w.nodesByID[e.Target]
	if !ok {
		return false
	}
	for _, h := range target.TargetHandles() {
		if h.ID == e.TargetHandle {
			return h.Type == handleTypeTools
		}
	}
	return false
}

// TargetHandle describes a declared input port on a node. Nodes list their
// ports under data["target_handles"]; ports without a declaration are treated
// as plain text inputs.
type TargetHandle struct {
	ID   string
	Type string
}

// TargetHandles returns the input ports a node declares in its data block.
func (n *Node) TargetHandles() []TargetHandle {
	raw, ok := n.Data["target_handles"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	handles := make([]TargetHandle, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		h := TargetHandle{}
		if id, ok := m["id"].(string); ok {
			h.ID = id
		}
		if typ, ok := m["type"].(string); ok {
			h.Type = typ
		}
		if h.ID != "" {
			handles = append(handles, h)
		}
	}
	return handles
}
