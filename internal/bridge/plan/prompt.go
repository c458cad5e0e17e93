package plan

import (
	"fmt"
	"strings"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

func formatPlannerPrompt(goal, pageURL string, viewport model.Viewport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	fmt.Fprintf(&b, "Page: %s (viewport %dx%d)\n", pageURL, viewport.W, viewport.H)
	b.WriteString("Produce a <plan> block breaking this goal into scoped, reviewable tasks.\n")
	return b.String()
}

func formatExecutorPrompt(goal string, tasks []model.PlanTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	b.WriteString("Execute the following approved tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s (region %.0f,%.0f %gx%g)\n", t.ID, t.Instruction, t.Region.X, t.Region.Y, t.Region.Width, t.Region.Height)
	}
	return b.String()
}

func formatReviewerPrompt(goal string, tasks []model.PlanTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	b.WriteString("Review whether the following tasks were completed correctly and produce a <review> block:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s\n", t.ID, t.Instruction)
	}
	return b.String()
}
