package model

import "time"

// DecisionRecord is the persistent snapshot of one completed job (spec.md
// §3, §4.4). Immutable once written.
type DecisionRecord struct {
	JobID     string    `json:"jobId"`
	ThreadID  string    `json:"threadId,omitempty"`
	PlanID    string    `json:"planId,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Duration  int64     `json:"durationMs"`

	URL      string   `json:"url"`
	Viewport Viewport `json:"viewport"`

	ScreenshotPath string            `json:"screenshotPath"`
	PastedImages   map[string]string `json:"pastedImages,omitempty"` // annotationId -> scratch path of its first pasted image; later images are not recorded and the file is not copied out of scratch

	Feedback *FeedbackPayload `json:"feedback"`

	Provider  string `json:"provider"`
	Model     string `json:"model"`
	SessionID string `json:"sessionId,omitempty"`

	ResponseText string       `json:"responseText"`
	Resolutions  []Resolution `json:"resolutions,omitempty"`
	Question     string       `json:"question,omitempty"`

	FileEdits []string `json:"fileEdits,omitempty"`
	ToolsUsed []string `json:"toolsUsed,omitempty"`

	Diff string `json:"diff,omitempty"`

	Annotations []Annotation `json:"annotations,omitempty"`
}
