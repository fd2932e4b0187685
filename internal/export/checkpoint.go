// Package export implements the streaming export coordinator: it drives a
// lazy sequence of source items through transformation gated by the
// concurrency and rate limiters, appends results to an output sink, and
// checkpoints progress so an interrupted run resumes instead of restarting.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// Checkpoint is a durable snapshot of export progress. It is created at
// export start, mutated after every item and on section boundaries, and
// deleted only on successful completion, so an interrupted run always has a
// checkpoint to resume from.
type Checkpoint struct {
	ExportID          string      `json:"export_id"`
	LastRunID         string      `json:"last_run_id,omitempty"`
	StartTime         time.Time   `json:"start_time"`
	LastProcessedID   string      `json:"last_processed_id"`
	ProcessedCount    int64       `json:"processed_count"`
	SectionProcessed  int64       `json:"section_processed"`
	TotalEstimate     int64       `json:"total_estimate"`
	CompletedSections []string    `json:"completed_sections"`
	CurrentSection    string      `json:"current_section"`
	OutputPath        string      `json:"output_path"`
	Errors            []ItemError `json:"errors,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ItemError is one recorded per-item failure, kept in bounded history.
type ItemError struct {
	Time     time.Time `json:"time"`
	Section  string    `json:"section"`
	ObjectID string    `json:"object_id"`
	Message  string    `json:"message"`
}

// SectionCompleted reports whether the named section finished in a prior run.
func (c *Checkpoint) SectionCompleted(section string) bool {
	for _, s := range c.CompletedSections {
		if s == section {
			return true
		}
	}
	return false
}

// CheckpointStore persists checkpoints as one JSON file per export ID.
// Writes are full-replace via a temp file and rename, so a crash mid-write
// never corrupts the previous checkpoint.
type CheckpointStore struct {
	dir    string
	logger *zap.Logger
}

// NewCheckpointStore creates a store rooted at dir, creating it if needed.
func NewCheckpointStore(dir string, logger *zap.Logger) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint,
			"failed to create checkpoint directory").WithDetail("dir", dir)
	}
	return &CheckpointStore{
		dir:    dir,
		logger: logger.With(zap.String("component", "checkpoint_store")),
	}, nil
}

// Save persists the checkpoint, replacing any prior version atomically.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint, "failed to marshal checkpoint")
	}

	path := s.path(cp.ExportID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil { //nolint:gosec
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint,
			"failed to write checkpoint").WithDetail("path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint,
			"failed to replace checkpoint").WithDetail("path", path)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("export_id", cp.ExportID),
		zap.Int64("processed", cp.ProcessedCount),
		zap.String("section", cp.CurrentSection))
	return nil
}

// Load returns the checkpoint for the export ID, or nil when none exists
// (meaning: start fresh).
func (s *CheckpointStore) Load(exportID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(exportID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint,
			"failed to read checkpoint").WithDetail("export_id", exportID)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint,
			"failed to parse checkpoint").WithDetail("export_id", exportID)
	}
	return &cp, nil
}

// Delete removes the checkpoint artifact. It is not an error if the
// checkpoint does not exist.
func (s *CheckpointStore) Delete(exportID string) error {
	err := os.Remove(s.path(exportID))
	if err != nil && !os.IsNotExist(err) {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint,
			"failed to delete checkpoint").WithDetail("export_id", exportID)
	}
	return nil
}

// List returns all checkpoints in the store, for the resume command.
func (s *CheckpointStore) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, siphonerrors.Wrap(err, siphonerrors.ErrorTypeCheckpoint, "failed to list checkpoints")
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".checkpoint.json") {
			continue
		}
		cp, err := s.Load(strings.TrimSuffix(name, ".checkpoint.json"))
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("file", name), zap.Error(err))
			continue
		}
		if cp != nil {
			checkpoints = append(checkpoints, cp)
		}
	}
	return checkpoints, nil
}

// path maps an export ID to its checkpoint file, replacing path separators
// so IDs cannot escape the store directory.
func (s *CheckpointStore) path(exportID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(exportID)
	return filepath.Join(s.dir, fmt.Sprintf("%s.checkpoint.json", safe))
}
