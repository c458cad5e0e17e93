package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

func TestStoreSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, dir, logger.Default())
	require.NoError(t, err)

	rec := &model.DecisionRecord{
		JobID:        "job-1",
		ResponseText: "looks good",
		Annotations:  []model.Annotation{{ID: "a1"}},
	}
	s.Save(context.Background(), rec)

	loaded, err := s.Load("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", loaded.JobID)
	assert.Equal(t, "looks good", loaded.ResponseText)
	require.Len(t, loaded.Annotations, 1)
	assert.Equal(t, "a1", loaded.Annotations[0].ID)
}

func TestStoreLoadUnknownJobErrors(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, dir, logger.Default())
	require.NoError(t, err)

	_, err = s.Load("nope")
	assert.Error(t, err)
}

func TestStoreListReturnsEveryJobID(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, dir, logger.Default())
	require.NoError(t, err)

	s.Save(context.Background(), &model.DecisionRecord{JobID: "job-1"})
	s.Save(context.Background(), &model.DecisionRecord{JobID: "job-2"})

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, ids)
}

func TestStoreListEmptyWhenNoDecisions(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, dir, logger.Default())
	require.NoError(t, err)

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStoreSaveNeverPanicsOnBadWorkingDir(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "/path/does/not/exist", logger.Default())
	require.NoError(t, err)

	// Git diff capture against a nonexistent working dir fails silently
	// (spec.md §4.4); the record still persists with an empty diff.
	rec := &model.DecisionRecord{JobID: "job-2"}
	s.Save(context.Background(), rec)

	loaded, err := s.Load("job-2")
	require.NoError(t, err)
	assert.Equal(t, "", loaded.Diff)
}
