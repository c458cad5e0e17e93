package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	copilot "github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/common/logger"
)

// CopilotAdapter drives the GitHub Copilot SDK directly instead of
// hand-parsing a wire protocol (spec.md §4.6a, supplemental adapter C),
// grounded on internal/agentctl/server/adapter/copilot_adapter.go's event
// switch and pkg/copilot/client.go's session lifecycle. Unlike the Claude
// and Codex adapters it never shells out itself — the SDK manages the CLI
// subprocess.
type CopilotAdapter struct {
	Log *logger.Logger
}

func (a *CopilotAdapter) Name() string { return "copilot" }

func (a *CopilotAdapter) Spawn(ctx context.Context, req Request) (Handle, error) {
	log := a.Log.WithFields(zap.String("adapter", "copilot"))

	model := req.Model
	if model == "" {
		model = "gpt-4.1"
	}

	client := copilot.NewClient(nil)

	h := &copilotHandle{
		client: client,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		log:    log,
	}

	sessionCfg := &copilot.SessionConfig{
		Model:     model,
		Streaming: true,
	}
	if req.ToolAllowlist != nil {
		allowlist := req.ToolAllowlist
		sessionCfg.OnPermissionRequest = func(request copilot.PermissionRequest, _ copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
			for _, tool := range allowlist {
				if strings.EqualFold(tool, request.Kind) {
					return copilot.PermissionRequestResult{Kind: "approved"}, nil
				}
			}
			log.Debug("denying tool use outside read-only allowlist", zap.String("kind", request.Kind))
			return copilot.PermissionRequestResult{Kind: "denied-interactively-by-user"}, nil
		}
	}

	session, err := client.CreateSession(sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("copilot adapter: create session: %w", err)
	}
	h.session = session
	h.unsubscribe = session.On(h.handleEvent)

	if req.ResumeSessionID != "" {
		log.Debug("copilot adapter resuming not supported mid-session; starting fresh session")
	}

	if _, err := session.Send(copilot.MessageOptions{Prompt: req.Prompt}); err != nil {
		h.teardown()
		return nil, fmt.Errorf("copilot adapter: send: %w", err)
	}

	return h, nil
}

// copilotHandle adapts a copilot.Session to supervisor.Handle.
type copilotHandle struct {
	client      *copilot.Client
	session     *copilot.Session
	unsubscribe func()
	log         *logger.Logger

	events chan Event

	mu        sync.Mutex
	text      strings.Builder
	toolsUsed []string
	sessionID string

	doneOnce  sync.Once
	done      chan struct{}
	outcome   *Outcome
	waitErr   error
	cancelled bool
}

func (h *copilotHandle) handleEvent(evt copilot.SessionEvent) {
	switch evt.Type {
	case copilot.EventTypeAssistantMessageDelta:
		if evt.Data.DeltaContent != nil && *evt.Data.DeltaContent != "" {
			h.mu.Lock()
			h.text.WriteString(*evt.Data.DeltaContent)
			h.mu.Unlock()
			h.events <- Event{Kind: EventDelta, Text: *evt.Data.DeltaContent}
		}
	case copilot.EventTypeAssistantReasoning, copilot.EventTypeAssistantReasoningDelta:
		text := ""
		if evt.Data.Content != nil {
			text = *evt.Data.Content
		} else if evt.Data.DeltaContent != nil {
			text = *evt.Data.DeltaContent
		}
		if text != "" {
			h.events <- Event{Kind: EventThinking, Text: text}
		}
	case copilot.EventTypeToolStart:
		name := ""
		if evt.Data.ToolName != nil {
			name = *evt.Data.ToolName
		}
		inputJSON, _ := json.Marshal(evt.Data.Arguments)
		h.mu.Lock()
		h.toolsUsed = append(h.toolsUsed, name)
		h.mu.Unlock()
		h.events <- Event{Kind: EventToolUse, ToolName: name, ToolInput: string(inputJSON)}
	case copilot.EventTypeSessionStart, copilot.EventTypeSessionResume:
		if evt.Data.SessionID != nil {
			h.mu.Lock()
			h.sessionID = *evt.Data.SessionID
			h.mu.Unlock()
			h.events <- Event{Kind: EventSessionID, SessionID: *evt.Data.SessionID}
		}
	case copilot.EventTypeSessionIdle:
		h.finish(nil)
	case copilot.EventTypeSessionError, copilot.EventTypeAbort:
		msg := "copilot session aborted"
		if evt.Data.Message != nil {
			msg = *evt.Data.Message
		}
		h.finish(fmt.Errorf("copilot adapter: %s", msg))
	}
}

func (h *copilotHandle) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.outcome = &Outcome{ResponseText: h.text.String(), ToolsUsed: h.toolsUsed, SessionID: h.sessionID}
		h.waitErr = err
		h.mu.Unlock()
		close(h.events)
		close(h.done)
	})
}

func (h *copilotHandle) teardown() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if h.session != nil {
		_ = h.session.Destroy()
	}
	if h.client != nil {
		_ = h.client.Stop()
	}
}

// Events implements supervisor.Handle.
func (h *copilotHandle) Events() <-chan Event {
	return h.events
}

// Cancel implements supervisor.Handle. It marks the turn as
// operator-cancelled before aborting the session, so Wait can distinguish
// this from a genuine session error once it settles.
func (h *copilotHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()

	if h.session != nil {
		_ = h.session.Abort()
	}
}

// Wait implements supervisor.Handle.
func (h *copilotHandle) Wait() (*Outcome, error) {
	<-h.done
	h.teardown()

	h.mu.Lock()
	cancelled := h.cancelled
	h.mu.Unlock()

	if cancelled {
		return nil, ErrCancelled
	}
	if h.waitErr != nil {
		return nil, h.waitErr
	}
	return h.outcome, nil
}
