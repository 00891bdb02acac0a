package workflow

import (
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/BaSui01/flowgraph/memory"
)

// Status describes the lifecycle of a single run.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// State is the mutable per-run store: node inputs and outputs, caller-supplied
// session metadata and a handle to conversation memory. The scheduler
// guarantees each node id is written by exactly one task per run, so a single
// coarse lock is enough even under real parallelism.
type State struct {
	mu sync.RWMutex

	nodeOutputs     map[string]any
	nodeInputs      map[string]any
	nodeFailures    map[string]error
	sessionMetadata map[string]any
	memory          memory.ConversationMemory

	status     Status
	err        error
	totalSteps int
}

// NewState creates a fresh run state seeded with the caller's session
// metadata. The memory handle is referenced, not owned; nil is allowed.
func NewState(sessionMetadata map[string]any, mem memory.ConversationMemory) *State {
	meta := make(map[string]any, len(sessionMetadata))
	for k, v := range sessionMetadata {
		meta[k] = v
	}
	return &State{
		nodeOutputs:     make(map[string]any),
		nodeInputs:      make(map[string]any),
		nodeFailures:    make(map[string]error),
		sessionMetadata: meta,
		memory:          mem,
		status:          StatusNotStarted,
	}
}

// NodeOutput returns the last computed output for a node, or nil.
func (s *State) NodeOutput(nodeID string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeOutputs[nodeID]
}

// HasNodeOutput reports whether a node has published any output this run.
func (s *State) HasNodeOutput(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodeOutputs[nodeID]
	return ok
}

// SetNodeOutput records a node's output, overwriting any previous value.
func (s *State) SetNodeOutput(nodeID string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeOutputs[nodeID] = value
}

// NodeOutputs returns a copy of every computed output, keyed by node id.
func (s *State) NodeOutputs() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.nodeOutputs))
	for k, v := range s.nodeOutputs {
		out[k] = v
	}
	return out
}

// SetNodeFailure records a node-local failure. The run itself keeps going;
// aggregators and downstream consumers observe the degraded output instead of
// waiting forever on a producer that will never complete.
func (s *State) SetNodeFailure(nodeID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeFailures[nodeID] = err
}

// NodeFailure returns the recorded failure for a node, or nil.
func (s *State) NodeFailure(nodeID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeFailures[nodeID]
}

// NodeFailures returns a copy of all node-local failures this run.
func (s *State) NodeFailures() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]error, len(s.nodeFailures))
	for k, v := range s.nodeFailures {
		out[k] = v
	}
	return out
}

// NodeInput returns the last input a node was invoked with, or nil.
// Kept for introspection and debugging; resolution never reads it.
func (s *State) NodeInput(nodeID string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeInputs[nodeID]
}

// SetNodeInput records the input a node was invoked with.
func (s *State) SetNodeInput(nodeID string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeInputs[nodeID] = value
}

// Value resolves a dotted path against the session metadata, returning nil on
// any miss. This is the default scope of the variable resolver.
func (s *State) Value(path string) any {
	s.mu.RLock()
	meta := s.sessionMetadata
	v, ok := meta[path]
	s.mu.RUnlock()
	if ok {
		return v
	}
	return nestedValue(meta, path)
}

// SessionMetadata returns a copy of the caller-supplied run parameters.
func (s *State) SessionMetadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.sessionMetadata))
	for k, v := range s.sessionMetadata {
		out[k] = v
	}
	return out
}

// Memory returns the conversation memory handle for this run, which may be nil.
func (s *State) Memory() memory.ConversationMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory
}

// Status returns the run status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the run-level error recorded by FailExecution, if any.
func (s *State) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// TotalSteps returns the number of nodes the engine planned for this run.
func (s *State) TotalSteps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSteps
}

// SetTotalSteps records the planned node count. Called once by the engine.
func (s *State) SetTotalSteps(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSteps = n
}

// StartExecution transitions the run to running. Repeated calls are no-ops.
func (s *State) StartExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusNotStarted {
		s.status = StatusRunning
	}
}

// CompleteExecution transitions a running run to completed. Terminal states
// are never overwritten.
func (s *State) CompleteExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = StatusCompleted
	}
}

// FailExecution transitions the run to failed and records the error.
func (s *State) FailExecution(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleted || s.status == StatusFailed {
		return
	}
	s.status = StatusFailed
	s.err = err
}

// nestedValue walks a dotted path into an arbitrary JSON-marshalable value.
// It returns nil on any missing segment and never panics; non-marshalable
// containers simply resolve to nil.
func nestedValue(container any, path string) any {
	if container == nil || path == "" {
		return nil
	}
	data, err := json.Marshal(container)
	if err != nil {
		return nil
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}
