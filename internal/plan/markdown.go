package plan

import (
	"fmt"
	"strings"
)

const timeLayout = "2006-01-02 15:04:05"

// Markdown renders the plan document: objective, success-criteria
// checklist, one block per step, overall progress, and the completion
// summary once present. This document is the persisted representation of
// the plan; it is rewritten in full after every transition.
func Markdown(p *Plan) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "# Execution Plan: %s\n\n", p.Objective)
	fmt.Fprintf(&b, "**Plan ID:** %s\n", p.ID)
	fmt.Fprintf(&b, "**Created:** %s\n", p.CreatedAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "**Last Updated:** %s\n", p.UpdatedAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "**Status:** %s\n\n", p.Status)
	b.WriteString("---\n\n## Objective\n\n")
	b.WriteString(p.Objective)
	b.WriteString("\n\n### Success Criteria\n")

	for _, criterion := range p.SuccessCriteria {
		fmt.Fprintf(&b, "- [ ] %s\n", criterion)
	}

	b.WriteString("\n---\n\n## Execution Steps\n\n")

	for _, s := range p.Steps {
		fmt.Fprintf(&b, "### Step: %s\n", s.Name)
		fmt.Fprintf(&b, "**ID:** %s\n", s.ID)
		fmt.Fprintf(&b, "**Status:** %s\n", s.Status)
		fmt.Fprintf(&b, "**Attempts:** %d/%d\n\n", s.Attempts, s.MaxAttempts)
		fmt.Fprintf(&b, "**Description:** %s\n\n", s.Description)
		b.WriteString("**Actions:**\n")
		for _, action := range s.Actions {
			fmt.Fprintf(&b, "- %s\n", action)
		}
		if len(s.Dependencies) > 0 {
			fmt.Fprintf(&b, "\n**Depends on:** %s\n", strings.Join(s.Dependencies, ", "))
		}
		if s.Notes != "" {
			fmt.Fprintf(&b, "\n**Notes:** %s\n", s.Notes)
		}
		b.WriteString("\n---\n\n")
	}

	completed := p.CountByStatus(StepCompleted)
	b.WriteString("## Current State\n\n")
	fmt.Fprintf(&b, "**Progress:** %d/%d steps completed\n", completed, len(p.Steps))
	fmt.Fprintf(&b, "**Completion:** %.0f%%\n\n", p.Progress()*100)

	if p.Summary != nil {
		b.WriteString("## Completion Summary\n\n")
		fmt.Fprintf(&b, "**Status:** %s\n", p.Summary.Status)
		fmt.Fprintf(&b, "**Completed Steps:** %s\n", p.Summary.CompletedSteps)
		fmt.Fprintf(&b, "**Total Time:** %s\n", p.Summary.TotalTime)
		fmt.Fprintf(&b, "**Success Rate:** %s\n", p.Summary.SuccessRate)
	}

	return []byte(b.String())
}
