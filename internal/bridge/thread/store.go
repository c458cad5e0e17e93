// Package thread implements the append-only conversation-thread store
// (spec.md §4.3): a single JSON file under the project's .popmelt directory,
// serialized through one writer goroutine in the style of the teacher's
// streaming hub (internal/orchestrator/streaming/hub.go) and scheduler
// (internal/orchestrator/scheduler/scheduler.go) run loops.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

const fileVersion = 1
const historyMax = 6

// fileFormat is the on-disk shape of threads.json.
type fileFormat struct {
	Version int                      `json:"version"`
	Threads map[string]*model.Thread `json:"threads"`
}

// request is one operation submitted to the store's single writer goroutine.
// Exactly one of the op fields is meaningful per request, selected by kind.
type request struct {
	kind   string
	thread *model.Thread
	ids    []string
	reply  chan response
}

type response struct {
	thread *model.Thread
	err    error
}

// Store is a single-writer, JSON-file-backed thread store.
type Store struct {
	path string
	log  *logger.Logger

	reqCh chan request

	mu      sync.RWMutex
	threads map[string]*model.Thread

	closeOnce sync.Once
	done      chan struct{}
}

// Open loads (or initializes) threads.json under projectDir/.popmelt and
// starts the writer loop. The returned Store must be closed with Close.
func Open(ctx context.Context, projectDir string, log *logger.Logger) (*Store, error) {
	dir := filepath.Join(projectDir, ".popmelt")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("thread: create store dir: %w", err)
	}
	path := filepath.Join(dir, "threads.json")

	threads, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:    path,
		log:     log,
		reqCh:   make(chan request),
		threads: threads,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func loadFile(path string) (map[string]*model.Thread, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]*model.Thread), nil
	}
	if err != nil {
		return nil, fmt.Errorf("thread: read store file: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]*model.Thread), nil
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("thread: decode store file: %w", err)
	}
	if ff.Threads == nil {
		ff.Threads = make(map[string]*model.Thread)
	}
	return ff.Threads, nil
}

// run is the single writer: every mutation (create, append, add element ids)
// flows through reqCh so the on-disk file never sees concurrent writers.
func (s *Store) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.reqCh:
			if !ok {
				return
			}
			s.handle(req)
		}
	}
}

func (s *Store) handle(req request) {
	var resp response
	switch req.kind {
	case "create":
		s.mu.Lock()
		s.threads[req.thread.ID] = req.thread
		s.mu.Unlock()
		resp.thread = req.thread
		resp.err = s.flush()

	case "append":
		s.mu.Lock()
		t, ok := s.threads[req.thread.ID]
		s.mu.Unlock()
		if !ok {
			resp.err = fmt.Errorf("thread: %s not found", req.thread.ID)
			break
		}
		s.mu.Lock()
		t.Messages = append(t.Messages, req.thread.Messages...)
		t.UpdatedAt = req.thread.UpdatedAt
		s.mu.Unlock()
		resp.thread = t
		resp.err = s.flush()

	case "addElementIDs":
		s.mu.Lock()
		t, ok := s.threads[req.thread.ID]
		if ok {
			if t.ElementIDs == nil {
				t.ElementIDs = make(map[string]bool)
			}
			for _, id := range req.ids {
				t.ElementIDs[id] = true
			}
			t.UpdatedAt = time.Now()
		}
		s.mu.Unlock()
		if !ok {
			resp.err = fmt.Errorf("thread: %s not found", req.thread.ID)
			break
		}
		resp.thread = t
		resp.err = s.flush()
	}
	if req.reply != nil {
		req.reply <- resp
	}
}

// flush must be called with s.mu not held by the caller's write already
// released back to a consistent state; it takes its own read lock.
func (s *Store) flush() error {
	s.mu.RLock()
	ff := fileFormat{Version: fileVersion, Threads: s.threads}
	data, err := json.MarshalIndent(ff, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("thread: encode store file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("thread: write store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("thread: rename store file: %w", err)
	}
	return nil
}

func (s *Store) submit(req request) response {
	req.reply = make(chan response, 1)
	select {
	case s.reqCh <- req:
	case <-s.done:
		return response{err: fmt.Errorf("thread: store closed")}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-s.done:
		return response{err: fmt.Errorf("thread: store closed")}
	}
}

// GetThread returns the thread with the given id, if present.
func (s *Store) GetThread(id string) (*model.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	return t, ok
}

// FindContinuation returns the most recently updated thread that shares at
// least one element identifier with elementIDs (spec.md §4.3's continuation
// rule), or false if none does.
func (s *Store) FindContinuation(elementIDs []string) (*model.Thread, bool) {
	if len(elementIDs) == 0 {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Thread
	for _, t := range s.threads {
		if !t.SharesElement(elementIDs) {
			continue
		}
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			best = t
		}
	}
	return best, best != nil
}

// CreateThread persists a brand-new thread seeded with elementIDs.
func (s *Store) CreateThread(elementIDs []string) (*model.Thread, error) {
	now := time.Now()
	ids := make(map[string]bool, len(elementIDs))
	for _, id := range elementIDs {
		ids[id] = true
	}
	t := &model.Thread{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		ElementIDs: ids,
		Messages:   []model.Message{},
	}
	resp := s.submit(request{kind: "create", thread: t})
	if resp.err != nil {
		return nil, resp.err
	}
	return resp.thread, nil
}

// AppendMessage appends msg to thread id and persists the result.
func (s *Store) AppendMessage(id string, msg model.Message) (*model.Thread, error) {
	resp := s.submit(request{kind: "append", thread: &model.Thread{
		ID:        id,
		Messages:  []model.Message{msg},
		UpdatedAt: time.Now(),
	}})
	if resp.err != nil {
		return nil, resp.err
	}
	return resp.thread, nil
}

// AddElementIdentifiers merges ids into thread id's element-identifier set.
func (s *Store) AddElementIdentifiers(id string, ids []string) (*model.Thread, error) {
	resp := s.submit(request{kind: "addElementIDs", thread: &model.Thread{ID: id}, ids: ids})
	if resp.err != nil {
		return nil, resp.err
	}
	return resp.thread, nil
}

// History returns a bounded window of thread id's messages for inclusion in
// the next job's prompt (spec.md §4.3): if the thread has at most
// historyMax (6) messages, every message is returned; otherwise the first
// message (the originating context) is kept, followed by the most recent
// historyMax-1 messages.
func (s *Store) History(id string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil
	}
	if len(t.Messages) <= historyMax {
		out := make([]model.Message, len(t.Messages))
		copy(out, t.Messages)
		return out
	}
	out := make([]model.Message, 0, historyMax)
	out = append(out, t.Messages[0])
	out = append(out, t.Messages[len(t.Messages)-(historyMax-1):]...)
	return out
}

// Close stops the writer loop, waiting for any in-flight request to finish.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.reqCh)
	})
	<-s.done
}
