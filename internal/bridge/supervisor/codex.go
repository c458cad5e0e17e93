package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/popmelt/core-sub002/internal/common/logger"
)

// CodexAdapter spawns the Codex app-server over stdio and normalizes its
// notification stream (spec.md §4.6, adapter B). Codex's JSON-RPC variant
// omits the "jsonrpc":"2.0" field, per pkg/codex/types.go; requests here are
// fire-and-forget notifications since this adapter never needs to consume a
// response body, only the async item/* notifications that follow.
type CodexAdapter struct {
	BinaryPath string
	Log        *logger.Logger
}

func (a *CodexAdapter) Name() string { return "codex" }

type codexEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type codexThreadStarted struct {
	ThreadID string `json:"threadId"`
}

type codexDelta struct {
	Delta string `json:"delta"`
}

type codexItemStarted struct {
	Item struct {
		Type string         `json:"type"`
		Name string         `json:"name,omitempty"`
		Args map[string]any `json:"args,omitempty"`
	} `json:"item"`
}

type codexTurnCompleted struct {
	FinalResponse string `json:"finalResponse"`
}

func (a *CodexAdapter) Spawn(ctx context.Context, req Request) (Handle, error) {
	binary := a.BinaryPath
	if binary == "" {
		binary = "codex"
	}
	args := []string{"app-server"}

	var toolsUsed []string
	var threadID string

	ph, err := startProcess(ctx, binary, args, req.WorkingDir, a.Log, func(line []byte, events chan<- Event) *Outcome {
		var env codexEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil
		}

		switch env.Method {
		case "thread/started":
			var p codexThreadStarted
			if err := json.Unmarshal(env.Params, &p); err == nil && p.ThreadID != "" {
				threadID = p.ThreadID
				events <- Event{Kind: EventSessionID, SessionID: threadID}
			}
		case "item/agentMessage/delta":
			var p codexDelta
			if err := json.Unmarshal(env.Params, &p); err == nil {
				events <- Event{Kind: EventDelta, Text: p.Delta}
			}
		case "item/reasoning/summaryTextDelta", "item/reasoning/textDelta":
			var p codexDelta
			if err := json.Unmarshal(env.Params, &p); err == nil {
				events <- Event{Kind: EventThinking, Text: p.Delta}
			}
		case "item/started":
			var p codexItemStarted
			if err := json.Unmarshal(env.Params, &p); err == nil && p.Item.Type == "commandExecution" {
				inputJSON, _ := json.Marshal(p.Item.Args)
				toolsUsed = append(toolsUsed, p.Item.Name)
				events <- Event{Kind: EventToolUse, ToolName: p.Item.Name, ToolInput: string(inputJSON)}
			}
		case "turn/completed":
			var p codexTurnCompleted
			_ = json.Unmarshal(env.Params, &p)
			return &Outcome{ResponseText: p.FinalResponse, ToolsUsed: toolsUsed, SessionID: threadID}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codex adapter: %w", err)
	}

	startParams := map[string]any{
		"model": req.Model,
		"cwd":   req.WorkingDir,
	}
	if req.ResumeSessionID != "" {
		startParams["resumeThreadId"] = req.ResumeSessionID
	}
	if req.ToolAllowlist != nil {
		startParams["allowedTools"] = req.ToolAllowlist
	}
	if err := sendCodexRequest(ph, "thread/start", startParams); err != nil {
		return nil, fmt.Errorf("codex adapter: thread/start: %w", err)
	}
	if err := sendCodexRequest(ph, "turn/start", map[string]any{
		"prompt": req.Prompt,
	}); err != nil {
		return nil, fmt.Errorf("codex adapter: turn/start: %w", err)
	}

	return ph, nil
}

func sendCodexRequest(ph *processHandle, method string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]json.RawMessage{
		"method": mustJSONRaw(method),
		"params": paramsJSON,
	})
	if err != nil {
		return err
	}
	return ph.write(data)
}

func mustJSONRaw(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
