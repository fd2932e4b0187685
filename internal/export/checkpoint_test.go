package export_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/siphon/internal/export"
)

// TestCheckpointStore_RoundTrip verifies save and load preserve progress.
func TestCheckpointStore_RoundTrip(t *testing.T) {
	store, err := export.NewCheckpointStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cp := &export.Checkpoint{
		ExportID:          "workspace-backup",
		StartTime:         time.Now().Add(-time.Minute).UTC(),
		LastProcessedID:   "page-42",
		ProcessedCount:    42,
		SectionProcessed:  12,
		TotalEstimate:     100,
		CompletedSections: []string{"databases", "users"},
		CurrentSection:    "pages",
		OutputPath:        "/tmp/out.jsonl",
		Errors: []export.ItemError{
			{Time: time.Now().UTC(), Section: "pages", ObjectID: "page-7", Message: "boom"},
		},
	}
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("workspace-backup")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, cp.LastProcessedID, loaded.LastProcessedID)
	assert.Equal(t, cp.ProcessedCount, loaded.ProcessedCount)
	assert.Equal(t, cp.SectionProcessed, loaded.SectionProcessed)
	assert.Equal(t, cp.CompletedSections, loaded.CompletedSections)
	assert.Equal(t, cp.CurrentSection, loaded.CurrentSection)
	require.Len(t, loaded.Errors, 1)
	assert.Equal(t, "page-7", loaded.Errors[0].ObjectID)
	assert.False(t, loaded.UpdatedAt.IsZero())

	assert.True(t, loaded.SectionCompleted("users"))
	assert.False(t, loaded.SectionCompleted("pages"))
}

// TestCheckpointStore_MissingIsNotAnError verifies a missing checkpoint means
// "start fresh", and deleting a missing checkpoint is fine.
func TestCheckpointStore_MissingIsNotAnError(t *testing.T) {
	store, err := export.NewCheckpointStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cp, err := store.Load("never-saved")
	require.NoError(t, err)
	assert.Nil(t, cp)

	assert.NoError(t, store.Delete("never-saved"))
}

// TestCheckpointStore_SaveReplacesAtomically verifies repeated saves replace
// the prior version and deletion removes the file.
func TestCheckpointStore_SaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	store, err := export.NewCheckpointStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	cp := &export.Checkpoint{ExportID: "exp", ProcessedCount: 1}
	require.NoError(t, store.Save(cp))
	cp.ProcessedCount = 2
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("exp")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.ProcessedCount)

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, store.Delete("exp"))
	loaded, err = store.Load("exp")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// TestCheckpointStore_IDsCannotEscapeDir verifies path separators in export
// IDs are neutralized.
func TestCheckpointStore_IDsCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	store, err := export.NewCheckpointStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, store.Save(&export.Checkpoint{ExportID: "../../etc/evil"}))

	matches, err := filepath.Glob(filepath.Join(dir, "*.checkpoint.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

// TestCheckpointStore_List verifies listing skips foreign files.
func TestCheckpointStore_List(t *testing.T) {
	dir := t.TempDir()
	store, err := export.NewCheckpointStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, store.Save(&export.Checkpoint{ExportID: "one", ProcessedCount: 1}))
	require.NoError(t, store.Save(&export.Checkpoint{ExportID: "two", ProcessedCount: 2}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	checkpoints, err := store.List()
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)
}
