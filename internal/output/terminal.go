// Package output renders run progress and results for the terminal.
package output

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lorenzotomasdiez/stance-collapse/internal/analysis"
	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
)

var (
	accentColor  = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	roundStyle   = lipgloss.NewStyle().Foreground(warningColor)
	labelStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(successColor)
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

// barWidth is the width of a full distribution bar.
const barWidth = 30

// PrintHeader prints the banner shown when a run starts.
func PrintHeader(w io.Writer, s deliberation.Settings, scenarioName string) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("=== %s | %s ===", scenarioName, s.Condition.ID)))
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("N=%d T=%d K=%d seed=%d mode=%s", s.Agents, s.Rounds, s.SampleK, s.Seed, s.Mode)))
}

// PrintRound prints one committed round: the distribution, entropy, and
// how many agents changed stance.
func PrintRound(w io.Writer, rec deliberation.RoundRecord) {
	changed, carried := 0, 0
	for _, a := range rec.Agents {
		if a.Record.Changed {
			changed++
		}
		if a.Record.CarriedForward {
			carried++
		}
	}
	line := fmt.Sprintf("%s H=%.4f %s changed=%d",
		roundStyle.Render(fmt.Sprintf("[Round %d]", rec.Round)),
		rec.Entropy,
		FormatCounts(rec.Counts),
		changed,
	)
	if carried > 0 {
		line += " " + failStyle.Render(fmt.Sprintf("carried=%d", carried))
	}
	if rec.Diagnostics.Retries > 0 {
		line += " " + mutedStyle.Render(fmt.Sprintf("retries=%d", rec.Diagnostics.Retries))
	}
	fmt.Fprintln(w, line)
}

// FormatCounts renders a distribution as label=count pairs in label order.
func FormatCounts(counts map[string]int) string {
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%d", labelStyle.Render(l), counts[l])
	}
	return strings.Join(parts, " ")
}

// Bar renders share of total as a bar barWidth cells wide.
func Bar(share float64) string {
	n := int(share*barWidth + 0.5)
	n = max(0, min(barWidth, n))
	return strings.Repeat("█", n) + strings.Repeat("░", barWidth-n)
}

func mark(m metrics.Mark) string {
	if !m.Reached {
		return "-"
	}
	return fmt.Sprintf("%d", m.Round)
}

// PrintSummary prints the result box of a finished run.
func PrintSummary(w io.Writer, res *deliberation.Result) {
	r := res.Report
	status := successStyle.Render(string(res.Status))
	if res.Status != deliberation.StatusCompleted {
		status = failStyle.Render(string(res.Status))
	}

	collapsed := failStyle.Render("No")
	if r.Tau.Reached {
		collapsed = successStyle.Render("Yes")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Run:"), res.RunID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status:"), status)
	fmt.Fprintf(&b, "%s %d/%d\n", labelStyle.Render("Rounds:"), r.Rounds, res.Settings.Rounds)
	if len(r.Entropy) > 0 {
		fmt.Fprintf(&b, "%s %.4f -> %.4f\n", labelStyle.Render("Entropy:"), r.H0(), r.HFinal())
	}
	fmt.Fprintf(&b, "%s %s (tau=%s, absolute=%s)\n", labelStyle.Render("Collapsed:"), collapsed, mark(r.Tau), mark(r.AbsoluteCollapse))
	fmt.Fprintf(&b, "%s %d  %s %.3f  %s %d\n",
		labelStyle.Render("Flips:"), r.FlipCount,
		labelStyle.Render("Volatility:"), r.Volatility,
		labelStyle.Render("Holdouts:"), r.HoldoutCount)
	fmt.Fprintf(&b, "%s informational=%d normative=%d uncertainty=%d carried=%d\n",
		labelStyle.Render("Drivers:"), r.Reasons.Informational, r.Reasons.Normative, r.Reasons.Uncertainty, r.Reasons.CarriedForward)
	fmt.Fprintf(&b, "%s %.1f%%", labelStyle.Render("Parse success:"), 100*res.Diagnostics.ParseSuccessRate())

	if total := sum(r.FinalCounts); total > 0 {
		b.WriteString("\n")
		labels := make([]string, 0, len(r.FinalCounts))
		for l := range r.FinalCounts {
			labels = append(labels, l)
		}
		slices.Sort(labels)
		for _, l := range labels {
			share := float64(r.FinalCounts[l]) / float64(total)
			fmt.Fprintf(&b, "\n%-10s %s %3d", l, Bar(share), r.FinalCounts[l])
		}
	}
	fmt.Fprintln(w, boxStyle.Render(b.String()))
}

func sum(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// PrintAnalysis prints one line per scenario and condition, then the
// headline findings.
func PrintAnalysis(w io.Writer, groups []analysis.ConditionStats, findings []string) {
	fmt.Fprintln(w, titleStyle.Render("=== Analysis ==="))
	header := fmt.Sprintf("%-22s %-18s %5s %9s %9s %9s %9s %8s",
		"scenario", "condition", "runs", "H0", "H_final", "delta", "tau", "collapse")
	fmt.Fprintln(w, labelStyle.Render(header))
	for _, g := range groups {
		tau := "-"
		if g.Tau.N > 0 {
			tau = fmt.Sprintf("%.2f", g.Tau.Mean)
		}
		fmt.Fprintf(w, "%-22s %-18s %5d %9.4f %9.4f %+9.4f %9s %7.0f%%\n",
			g.ScenarioID, g.ConditionID, g.Runs, g.H0.Mean, g.HFinal.Mean, g.Delta.Mean, tau, 100*g.CollapseRate)
		if g.Skipped > 0 {
			fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("  %d incomplete runs skipped", g.Skipped)))
		}
	}
	if len(findings) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Findings"))
	for _, f := range findings {
		fmt.Fprintln(w, "  - "+f)
	}
}
