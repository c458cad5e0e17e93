package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/popmelt/core-sub002/internal/common/logger"
)

// ClaudeAdapter spawns the Claude Code CLI in --input-format stream-json
// mode and normalizes its system/assistant/result message stream (spec.md
// §4.6, adapter A), grounded on the wire shapes in
// pkg/claudecode/{client,types}.go.
type ClaudeAdapter struct {
	BinaryPath string
	Log        *logger.Logger
}

func (a *ClaudeAdapter) Name() string { return "claude" }

// claudeMessage is the subset of pkg/claudecode.CLIMessage this adapter
// cares about.
type claudeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   *struct {
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message,omitempty"`
	Subtype string          `json:"subtype,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type claudeContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

func (a *ClaudeAdapter) Spawn(ctx context.Context, req Request) (Handle, error) {
	binary := a.BinaryPath
	if binary == "" {
		binary = "claude"
	}
	args := []string{"--input-format", "stream-json", "--output-format", "stream-json", "--print"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.ToolAllowlist != nil {
		if len(req.ToolAllowlist) == 0 {
			args = append(args, "--allowedTools", "")
		} else {
			args = append(args, "--allowedTools", strings.Join(req.ToolAllowlist, ","))
		}
	}

	var toolsUsed []string
	sessionID := ""

	ph, err := startProcess(ctx, binary, args, req.WorkingDir, a.Log, func(line []byte, events chan<- Event) *Outcome {
		var msg claudeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil
		}

		switch msg.Type {
		case "system":
			if msg.SessionID != "" {
				sessionID = msg.SessionID
				events <- Event{Kind: EventSessionID, SessionID: sessionID}
			}
		case "assistant":
			if msg.Message == nil {
				return nil
			}
			var blocks []claudeContentBlock
			if err := json.Unmarshal(msg.Message.Content, &blocks); err != nil {
				return nil
			}
			for _, b := range blocks {
				switch b.Type {
				case "text":
					events <- Event{Kind: EventDelta, Text: b.Text}
				case "thinking":
					events <- Event{Kind: EventThinking, Text: b.Thinking}
				case "tool_use":
					inputJSON, _ := json.Marshal(b.Input)
					toolsUsed = append(toolsUsed, b.Name)
					events <- Event{Kind: EventToolUse, ToolName: b.Name, ToolInput: string(inputJSON)}
				}
			}
		case "result":
			if msg.IsError {
				return &Outcome{ResponseText: "", ToolsUsed: toolsUsed, SessionID: sessionID}
			}
			var text string
			_ = json.Unmarshal(msg.Result, &text)
			return &Outcome{ResponseText: text, ToolsUsed: toolsUsed, SessionID: sessionID}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claude adapter: %w", err)
	}

	if err := ph.write([]byte(fmt.Sprintf(`{"type":"user","message":{"role":"user","content":%s}}`, mustJSONString(req.Prompt)))); err != nil {
		return nil, fmt.Errorf("claude adapter: send prompt: %w", err)
	}

	return ph, nil
}

func mustJSONString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
