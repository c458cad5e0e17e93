package materializer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/bridge/decision"
	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

func newTestMaterializer(t *testing.T) (*Materializer, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := decision.New(dir, dir, logger.Default())
	require.NoError(t, err)
	return New(dir, store, logger.Default()), dir
}

func TestMaterializeMergesModelBlocksLaterWins(t *testing.T) {
	m, dir := newTestMaterializer(t)
	store, err := decision.New(dir, dir, logger.Default())
	require.NoError(t, err)

	store.Save(context.Background(), &model.DecisionRecord{
		JobID:        "j1",
		ResponseText: `<model>{"color.primary":"red"}</model>`,
	})
	store.Save(context.Background(), &model.DecisionRecord{
		JobID:        "j2",
		ResponseText: `<model>{"color.primary":"blue","spacing.sm":4}</model>`,
	})

	result, err := m.Materialize(context.Background(), []string{"j1", "j2"})
	require.NoError(t, err)
	assert.Equal(t, "blue", result.Tokens["color.primary"])
	assert.EqualValues(t, 4, result.Tokens["spacing.sm"])
	assert.Equal(t, 2, result.SourceCount)

	data, err := os.ReadFile(filepath.Join(dir, ".popmelt", "model.json"))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "blue", onDisk["color.primary"])
}

func TestMaterializeSkipsUnreadableDecisions(t *testing.T) {
	m, _ := newTestMaterializer(t)

	result, err := m.Materialize(context.Background(), []string{"missing"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.SourceCount)
}

func TestMaterializeWithNoSourcesDoesNotOverwriteExisting(t *testing.T) {
	m, dir := newTestMaterializer(t)
	store, err := decision.New(dir, dir, logger.Default())
	require.NoError(t, err)

	store.Save(context.Background(), &model.DecisionRecord{
		JobID:        "j1",
		ResponseText: `<model>{"color.primary":"red"}</model>`,
	})
	_, err = m.Materialize(context.Background(), []string{"j1"})
	require.NoError(t, err)

	// A subsequent call naming no decisions (or only unreadable ones) must
	// not wipe out what's already on disk (spec.md §6 documents an empty
	// /materialize body, which previously zeroed model.json).
	result, err := m.Materialize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SourceCount)
	assert.Equal(t, "red", result.Tokens["color.primary"])

	data, err := os.ReadFile(filepath.Join(dir, ".popmelt", "model.json"))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "red", onDisk["color.primary"])
}

func TestPatchKeyReportsAddedVsUpdated(t *testing.T) {
	m, _ := newTestMaterializer(t)

	added, err := m.PatchKey("color.primary", "red")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = m.PatchKey("color.primary", "blue")
	require.NoError(t, err)
	assert.False(t, added)

	tokens, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, "blue", tokens["color.primary"])
}

func TestDeleteKeyReportsPresence(t *testing.T) {
	m, _ := newTestMaterializer(t)

	_, err := m.PatchKey("spacing.sm", 4)
	require.NoError(t, err)

	removed, err := m.DeleteKey("spacing.sm")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.DeleteKey("spacing.sm")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStartAsyncSkipsWhileAlreadyRunning(t *testing.T) {
	m, _ := newTestMaterializer(t)

	// Simulate a run already in flight without racing an actual goroutine.
	m.running.Store(true)

	started, reason := m.StartAsync(context.Background(), nil, nil)
	assert.False(t, started)
	assert.Equal(t, "materialization already in flight", reason)

	m.running.Store(false)
	started, _ = m.StartAsync(context.Background(), nil, nil)
	assert.True(t, started)
}

func TestStartAsyncInvokesOnDoneAndClearsFlag(t *testing.T) {
	m, _ := newTestMaterializer(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotResult *Result
	var gotErr error

	started, _ := m.StartAsync(context.Background(), nil, func(r *Result, err error) {
		gotResult, gotErr = r, err
		wg.Done()
	})
	require.True(t, started)

	wg.Wait()
	require.NoError(t, gotErr)
	require.NotNil(t, gotResult)
	assert.Equal(t, 0, gotResult.SourceCount)
	assert.False(t, m.running.Load())
}
