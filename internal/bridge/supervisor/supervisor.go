// Package supervisor spawns agent CLI subprocesses and normalizes their
// heterogeneous wire protocols into a uniform internal event stream
// (spec.md §4.6): delta, thinking, and tool_use, regardless of whether the
// underlying CLI speaks Claude Code's stream-json, Codex's fieldless
// JSON-RPC, or the Copilot SDK's session events.
package supervisor

import (
	"context"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

// EventKind is the normalized event vocabulary every adapter maps onto.
type EventKind string

const (
	EventDelta     EventKind = "delta"
	EventThinking  EventKind = "thinking"
	EventToolUse   EventKind = "tool_use"
	EventSessionID EventKind = "session_id"
)

// Event is one normalized unit of agent output.
type Event struct {
	Kind      EventKind
	Text      string // delta, thinking
	ToolName  string // tool_use
	ToolInput string // tool_use
	SessionID string // session_id
}

// Request is everything an adapter needs to start one agent turn.
type Request struct {
	WorkingDir      string
	Prompt          string
	Model           string
	ResumeSessionID string
	ToolAllowlist   []string
}

// Outcome is what Wait returns once the subprocess finishes a turn cleanly.
type Outcome struct {
	ResponseText string
	ToolsUsed    []string
	SessionID    string
}

// Handle is a live agent subprocess turn.
type Handle interface {
	// Events streams normalized output as it arrives. Closed when the
	// subprocess exits (cleanly or otherwise).
	Events() <-chan Event
	// Cancel sends a terminate signal to the subprocess (spec.md §4.7).
	Cancel()
	// Wait blocks until the subprocess exits and returns its outcome, or an
	// error if it exited non-zero, was cancelled, or never produced a
	// parseable final response.
	Wait() (*Outcome, error)
}

// Adapter spawns one agent CLI and returns a live Handle.
type Adapter interface {
	// Name identifies the adapter for Job.Provider routing (e.g. "claude",
	// "codex", "copilot").
	Name() string
	Spawn(ctx context.Context, req Request) (Handle, error)
}

// ForJob builds a Request from a queued job and its thread history,
// formatting the prompt the way spec.md §4.4 describes: feedback summary,
// linked element context, and the thread history window (at most 6
// messages: the first message and the last 5).
func ForJob(job *model.Job, history []model.Message) Request {
	prompt := job.PromptOverride
	if prompt == "" {
		prompt = formatPrompt(job, history)
	}
	return Request{
		WorkingDir:      "",
		Prompt:          prompt,
		Model:           job.Model,
		ResumeSessionID: job.ResumeSessionID,
		ToolAllowlist:   job.ToolAllowlist,
	}
}
