// Package materializer implements the /materialize operation (spec.md
// §4.12): turning the accumulated <model> blocks from completed jobs into a
// single design-tokens file on disk. Materialization is expensive enough
// (it walks every decision record) that concurrent requests must collapse
// onto one in-flight run, so it uses golang.org/x/sync/singleflight rather
// than a hand-rolled mutex-and-flag.
package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/popmelt/core-sub002/internal/bridge/decision"
	"github.com/popmelt/core-sub002/internal/bridge/parser"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

// Materializer merges every decision record's <model> block into one
// model.json under the project's .popmelt directory.
type Materializer struct {
	projectDir string
	decisions  *decision.Store
	log        *logger.Logger

	group   singleflight.Group
	running atomic.Bool

	mu        sync.Mutex
	lastTokens map[string]any
}

// New creates a Materializer backed by decisions.
func New(projectDir string, decisions *decision.Store, log *logger.Logger) *Materializer {
	return &Materializer{projectDir: projectDir, decisions: decisions, log: log}
}

// Result is the /materialize response body.
type Result struct {
	Tokens      map[string]any `json:"tokens"`
	SourceCount int            `json:"sourceCount"`
}

// Materialize walks jobIDs' decision records, merges their <model> blocks
// (later jobs win on key conflicts), writes the merged tokens to
// <project>/.popmelt/model.json, and returns the merged set. When none of
// the named jobs carries a <model> block, nothing is written and the
// previously materialized tokens are returned with SourceCount 0. Concurrent
// callers collapse onto a single run and all receive its result.
func (m *Materializer) Materialize(ctx context.Context, jobIDs []string) (*Result, error) {
	v, err, _ := m.group.Do("materialize", func() (any, error) {
		return m.run(jobIDs)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// StartAsync launches materialization in the background if none is already
// in flight (spec.md §4.12: "at most one materialization may be in flight"),
// and reports false with a reason if it was skipped. onDone, if non-nil,
// is invoked with the outcome once the run completes — used by the HTTP
// layer to broadcast materialize_done rather than block the request.
func (m *Materializer) StartAsync(ctx context.Context, jobIDs []string, onDone func(*Result, error)) (started bool, reason string) {
	if !m.running.CompareAndSwap(false, true) {
		return false, "materialization already in flight"
	}
	go func() {
		result, err := m.Materialize(ctx, jobIDs)
		m.running.Store(false)
		if onDone != nil {
			onDone(result, err)
		}
	}()
	return true, ""
}

func (m *Materializer) run(jobIDs []string) (*Result, error) {
	merged := make(map[string]any)
	sourceCount := 0

	for _, jobID := range jobIDs {
		rec, err := m.decisions.Load(jobID)
		if err != nil {
			m.log.Warn("materializer: skipping unreadable decision", zap.String("job_id", jobID))
			continue
		}
		obj, ok := parser.ParseModel(rec.ResponseText)
		if !ok {
			continue
		}
		for k, v := range obj {
			merged[k] = v
		}
		sourceCount++
	}

	// Nothing to merge (an empty decision set, or none of the named jobs
	// carried a <model> block): leave model.json and the in-memory token
	// set exactly as they were rather than overwriting a previously
	// materialized (or manually PATCHed) design model with {}.
	if sourceCount == 0 {
		m.mu.Lock()
		haveCached := m.lastTokens != nil
		existing := cloneTokens(m.lastTokens)
		m.mu.Unlock()
		if !haveCached {
			existing = m.loadPersisted()
		}
		return &Result{Tokens: existing, SourceCount: 0}, nil
	}

	if err := m.persist(merged); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lastTokens = merged
	m.mu.Unlock()

	return &Result{Tokens: merged, SourceCount: sourceCount}, nil
}

// loadPersisted best-effort reads back whatever model.json already holds on
// disk, for the sourceCount==0 case where nothing is cached in memory yet
// (e.g. materialization is the first call after a process restart).
func (m *Materializer) loadPersisted() map[string]any {
	path := filepath.Join(m.projectDir, ".popmelt", "model.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var tokens map[string]any
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil
	}
	return tokens
}

// Last returns the most recently materialized token set, if any.
func (m *Materializer) Last() (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastTokens == nil {
		return nil, false
	}
	return m.lastTokens, true
}

// PatchKey sets key to value in the in-memory token set and persists it,
// backing the trivial CRUD surface spec.md §6 describes over model.json.
// It reports whether key was newly added (true) or updated (false).
func (m *Materializer) PatchKey(key string, value any) (added bool, err error) {
	m.mu.Lock()
	if m.lastTokens == nil {
		m.lastTokens = make(map[string]any)
	}
	_, existed := m.lastTokens[key]
	m.lastTokens[key] = value
	snapshot := cloneTokens(m.lastTokens)
	m.mu.Unlock()

	if err := m.persist(snapshot); err != nil {
		return false, err
	}
	return !existed, nil
}

// DeleteKey removes key from the in-memory token set and persists it. It
// reports whether key was present.
func (m *Materializer) DeleteKey(key string) (removed bool, err error) {
	m.mu.Lock()
	_, existed := m.lastTokens[key]
	if existed {
		delete(m.lastTokens, key)
	}
	snapshot := cloneTokens(m.lastTokens)
	m.mu.Unlock()

	if !existed {
		return false, nil
	}
	if err := m.persist(snapshot); err != nil {
		return false, err
	}
	return true, nil
}

func cloneTokens(tokens map[string]any) map[string]any {
	out := make(map[string]any, len(tokens))
	for k, v := range tokens {
		out[k] = v
	}
	return out
}

// persist writes tokens to <project>/.popmelt/model.json, the derived
// design-model file spec.md §6 documents.
func (m *Materializer) persist(tokens map[string]any) error {
	path := filepath.Join(m.projectDir, ".popmelt", "model.json")
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("materializer: encode tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("materializer: create dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
