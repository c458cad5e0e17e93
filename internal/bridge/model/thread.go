package model

import (
	"sort"
	"time"
)

// Thread is a stable, append-only conversation identity (spec.md §3). It
// tracks a set of opaque element identifiers used to decide whether a new
// job continues it.
type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ElementIDs is modeled as a map for O(1) membership tests; JSON-encoded
	// as an object of bools so the set survives a round trip through the
	// on-disk file (see thread.Store).
	ElementIDs map[string]bool `json:"elementIds"`

	Messages []Message `json:"messages"`
}

// MessageRole distinguishes the human and assistant sides of a thread.
type MessageRole string

const (
	RoleHuman     MessageRole = "human"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn in a Thread. Exactly one of the human-only /
// assistant-only fields is populated, selected by Role.
type Message struct {
	Role      MessageRole `json:"role"`
	Timestamp time.Time   `json:"timestamp"`

	// Human fields.
	ScreenshotPath string           `json:"screenshotPath,omitempty"`
	AnnotationIDs  []string         `json:"annotationIds,omitempty"`
	FeedbackSummary string          `json:"feedbackSummary,omitempty"`
	Feedback       *FeedbackPayload `json:"feedback,omitempty"`
	ReplyTo        string           `json:"replyTo,omitempty"`

	// Assistant fields.
	ResponseText string       `json:"responseText,omitempty"`
	Resolutions  []Resolution `json:"resolutions,omitempty"`
	Question     string       `json:"question,omitempty"`
	ToolsUsed    []string     `json:"toolsUsed,omitempty"`
	SessionID    string       `json:"sessionId,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ElementIDSlice returns Thread.ElementIDs as a stable-ordered slice, for
// serialization contexts (e.g. the /thread/<id> endpoint) that don't want a
// bare map.
func (t *Thread) ElementIDSlice() []string {
	ids := make([]string, 0, len(t.ElementIDs))
	for id := range t.ElementIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SharesElement reports whether t shares at least one element identifier
// with ids.
func (t *Thread) SharesElement(ids []string) bool {
	for _, id := range ids {
		if t.ElementIDs[id] {
			return true
		}
	}
	return false
}
