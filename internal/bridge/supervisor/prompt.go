package supervisor

import (
	"fmt"
	"strings"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

// formatPrompt builds the text sent to the agent CLI for a /send or /reply
// job: the visual feedback payload plus the thread history window for
// continuation context (at most 6 messages: the first message and the last
// 5; spec.md §4.3, §4.4).
func formatPrompt(job *model.Job, history []model.Message) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("Prior conversation on this element:\n")
		for _, msg := range history {
			writeHistoryLine(&b, msg)
		}
		b.WriteString("\n")
	}

	if job.Feedback != nil {
		writeFeedback(&b, job.Feedback)
	} else if job.ReplyText != "" {
		fmt.Fprintf(&b, "Reply: %s\n", job.ReplyText)
	}

	return b.String()
}

func writeHistoryLine(b *strings.Builder, msg model.Message) {
	switch msg.Role {
	case model.RoleHuman:
		if msg.FeedbackSummary != "" {
			fmt.Fprintf(b, "- Human: %s\n", msg.FeedbackSummary)
		}
	case model.RoleAssistant:
		if msg.ResponseText != "" {
			fmt.Fprintf(b, "- Assistant: %s\n", msg.ResponseText)
		}
		if msg.Question != "" {
			fmt.Fprintf(b, "- Assistant asked: %s\n", msg.Question)
		}
	}
}

func writeFeedback(b *strings.Builder, fb *model.FeedbackPayload) {
	fmt.Fprintf(b, "Page: %s (viewport %dx%d)\n", fb.URL, fb.Viewport.W, fb.Viewport.H)

	for _, a := range fb.Annotations {
		fmt.Fprintf(b, "Annotation %s (%s): %s\n", a.ID, a.Type, a.Instruction)
		if a.LinkedSelector != "" {
			fmt.Fprintf(b, "  linked element: %s\n", a.LinkedSelector)
		}
		for _, el := range a.Elements {
			fmt.Fprintf(b, "  element: %s <%s> %q\n", el.Selector, el.TagName, el.Text)
		}
	}

	for _, sm := range fb.StyleModifications {
		fmt.Fprintf(b, "Style change on %s:\n", sm.Selector)
		for _, pc := range sm.Changes {
			fmt.Fprintf(b, "  %s: %s -> %s\n", pc.Property, pc.Original, pc.Modified)
		}
	}

	for _, tc := range fb.SpacingTokenChanges {
		fmt.Fprintf(b, "Spacing token %s: %s -> %s\n", tc.Token, tc.Original, tc.Modified)
	}

	if fb.InspectedElement != nil {
		fmt.Fprintf(b, "Inspected element: %s <%s>\n", fb.InspectedElement.Selector, fb.InspectedElement.TagName)
	}
}
