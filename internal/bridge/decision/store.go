// Package decision persists the DecisionRecord produced by every completed
// job (spec.md §4.4): a best-effort JSON file per job plus a captured git
// diff of whatever the agent changed, shelled out to git the way the
// teacher's workspace tracker does
// (internal/agentctl/server/process/workspace_git_diff.go).
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

// Store writes DecisionRecords to <project>/.popmelt/decisions/d-<jobId>.json.
// Persistence is best-effort: a failure to write is logged, never returned
// to the caller as a job failure (spec.md §4.4, §7 — PersistenceFailure is
// surfaced only where the thread store itself is load-bearing).
type Store struct {
	dir        string
	workingDir string
	log        *logger.Logger
}

// New creates a Store rooted at projectDir/.popmelt/decisions, using
// workingDir as the repository root for git diff capture.
func New(projectDir, workingDir string, log *logger.Logger) (*Store, error) {
	dir := filepath.Join(projectDir, ".popmelt", "decisions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("decision: create dir: %w", err)
	}
	return &Store{dir: dir, workingDir: workingDir, log: log.WithFields(zap.String("component", "decision"))}, nil
}

// Save writes rec to disk and best-effort-populates rec.Diff from the
// working tree's current uncommitted changes before doing so.
func (s *Store) Save(ctx context.Context, rec *model.DecisionRecord) {
	rec.Diff = s.captureDiff(ctx)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.log.Warn("decision: encode failed", zap.String("job_id", rec.JobID), zap.Error(err))
		return
	}

	path := filepath.Join(s.dir, fmt.Sprintf("d-%s.json", rec.JobID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Warn("decision: write failed", zap.String("job_id", rec.JobID), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Warn("decision: rename failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

// Load reads back a previously saved DecisionRecord by job id.
func (s *Store) Load(jobID string) (*model.DecisionRecord, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("d-%s.json", jobID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("decision: read %s: %w", jobID, err)
	}
	var rec model.DecisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decision: decode %s: %w", jobID, err)
	}
	return &rec, nil
}

// List returns the job ids of every decision record currently on disk, so
// callers like the materializer can default to "every decision" when a
// request names none explicitly (spec.md §6 documents /materialize's body
// as empty).
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "d-*.json"))
	if err != nil {
		return nil, fmt.Errorf("decision: list: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		name = strings.TrimPrefix(name, "d-")
		name = strings.TrimSuffix(name, ".json")
		ids = append(ids, name)
	}
	return ids, nil
}

// diffBufferCap bounds how much of a git diff is captured per job (spec.md
// §4.4's "buffer cap") so an agent that rewrites a huge generated file can't
// balloon a decision record.
const diffBufferCap = 1 << 20 // 1MiB

// captureDiff shells out to git for a unified diff of the working tree's
// combined staged and unstaged changes against HEAD. Any failure (not a git
// repo, git missing, timeout) yields an empty string rather than an error;
// output over diffBufferCap is truncated to diffBufferCap bytes.
func (s *Store) captureDiff(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var b strings.Builder

	s.runDiff(ctx, &b, "diff")
	s.runDiff(ctx, &b, "diff", "--cached", "HEAD")

	out := b.String()
	if len(out) > diffBufferCap {
		out = out[:diffBufferCap]
	}
	return out
}

// runDiff appends one `git <args...>` invocation's stdout to b, capped at
// diffBufferCap bytes written so an oversized diff can't exhaust memory
// before captureDiff's final truncation even runs.
func (s *Store) runDiff(ctx context.Context, b *strings.Builder, args ...string) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.workingDir
	cmd.Stdout = &cappedWriter{w: b, remaining: diffBufferCap}
	_ = cmd.Run()
}

// cappedWriter discards writes once remaining reaches zero, instead of
// erroring — git's process should run to completion either way.
type cappedWriter struct {
	w         io.Writer
	remaining int
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > c.remaining {
		n = c.remaining
	}
	written, err := c.w.Write(p[:n])
	c.remaining -= written
	return len(p), err
}
