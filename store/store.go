// Package store persists workflow definitions and resolves them for the
// engine. The in-memory store backs tests and embedded use; the GORM store
// backs deployments that keep definitions in a relational database.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/flowgraph/workflow"
)

// ErrNotFound is returned when no workflow exists under the requested id.
var ErrNotFound = errors.New("workflow not found")

// Store is the full persistence surface. It extends workflow.Source with
// write operations.
type Store interface {
	workflow.Source
	SaveWorkflow(ctx context.Context, id, name string, definition []byte) error
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context) ([]WorkflowInfo, error)
}

// WorkflowInfo is the listing view of a stored workflow.
type WorkflowInfo struct {
	ID   string
	Name string
}

// InMemory keeps parsed workflows in a map.
type InMemory struct {
	mu        sync.RWMutex
	workflows map[string]*entry
}

type entry struct {
	name string
	wf   *workflow.Workflow
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{workflows: make(map[string]*entry)}
}

// Add registers an already parsed workflow. It is the convenient path for
// tests and embedded callers that build definitions in code.
func (s *InMemory) Add(id, name string, wf *workflow.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[id] = &entry{name: name, wf: wf}
}

func (s *InMemory) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.wf, nil
}

func (s *InMemory) SaveWorkflow(_ context.Context, id, name string, definition []byte) error {
	wf, err := workflow.ParseDefinition(definition)
	if err != nil {
		return fmt.Errorf("parse workflow %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[id] = &entry{name: name, wf: wf}
	return nil
}

func (s *InMemory) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.workflows, id)
	return nil
}

func (s *InMemory) ListWorkflows(_ context.Context) ([]WorkflowInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]WorkflowInfo, 0, len(s.workflows))
	for id, e := range s.workflows {
		infos = append(infos, WorkflowInfo{ID: id, Name: e.name})
	}
	return infos, nil
}
