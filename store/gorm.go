package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowgraph/workflow"
)

// WorkflowRecord is the persisted form of a workflow definition. The raw
// definition bytes are kept verbatim so re-parsing always sees exactly what
// the author saved.
type WorkflowRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:255;index"`
	Definition []byte `gorm:"type:blob"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName 表名
func (WorkflowRecord) TableName() string { return "workflows" }

// GormStore persists workflows through GORM.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an existing GORM connection and migrates the schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&WorkflowRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "workflow_store")),
	}, nil
}

// OpenSQLite opens (or creates) a SQLite-backed store at the given path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewGormStore(db, logger)
}

func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var rec WorkflowRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}

	wf, err := workflow.ParseDefinition(rec.Definition)
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", id, err)
	}
	return wf, nil
}

func (s *GormStore) SaveWorkflow(ctx context.Context, id, name string, definition []byte) error {
	// Validate before persisting so the store never holds an unparseable
	// definition.
	if _, err := workflow.ParseDefinition(definition); err != nil {
		return fmt.Errorf("parse workflow %s: %w", id, err)
	}

	rec := WorkflowRecord{ID: id, Name: name, Definition: definition}
	err := s.db.WithContext(ctx).Save(&rec).Error
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", id, err)
	}
	s.logger.Debug("workflow saved", zap.String("workflow_id", id), zap.String("name", name))
	return nil
}

func (s *GormStore) DeleteWorkflow(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&WorkflowRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete workflow %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *GormStore) ListWorkflows(ctx context.Context) ([]WorkflowInfo, error) {
	var recs []WorkflowRecord
	if err := s.db.WithContext(ctx).Select("id", "name").Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	infos := make([]WorkflowInfo, 0, len(recs))
	for _, r := range recs {
		infos = append(infos, WorkflowInfo{ID: r.ID, Name: r.Name})
	}
	return infos, nil
}
