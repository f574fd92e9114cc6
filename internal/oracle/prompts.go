package oracle

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/lorenzotomasdiez/stance-collapse/internal/exposure"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

func systemPrompt(p scenario.Persona, labels []string) string {
	return fmt.Sprintf(`You are %s, %s

You are participating in a multi-agent discussion about an ethical dilemma.
Your task is to carefully consider the scenario and provide your stance along with your reasoning.

IMPORTANT: You MUST respond in the following JSON format ONLY. Do not include any text outside the JSON:
{
    "stance": "<YOUR_STANCE>",
    "rationale": "<Your reasoning in 2-3 sentences>",
    "decision_meta": {
        "changed": <true/false>,
        "change_reason_forced": "<INFORMATIONAL|NORMATIVE|UNCERTAINTY|NO_CHANGE>",
        "change_reason_text": "<Brief explanation if changed>"
    }
}

Valid stances for this scenario: %s
`, p.Name, p.Description, strings.Join(labels, ", "))
}

type framing struct {
	Description string
	Round       int
	Labels      string
}

func scenarioFraming(sc *scenario.Scenario, round int) (string, error) {
	if sc.PromptTemplate == "" {
		return sc.Description, nil
	}
	tmpl, err := template.New(sc.ID).Parse(sc.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("oracle: scenario %s prompt template: %w", sc.ID, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, framing{Description: sc.Description, Round: round, Labels: strings.Join(sc.Labels, ", ")}); err != nil {
		return "", fmt.Errorf("oracle: scenario %s prompt template: %w", sc.ID, err)
	}
	return sb.String(), nil
}

func roundPrompt(req Request) (string, error) {
	desc, err := scenarioFraming(req.Scenario, req.Round)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Scenario\n%s\n\n## Round %d\n\n", desc, req.Round)
	sb.WriteString(memoryContext(req))
	sb.WriteString("\n")
	sb.WriteString(peerContext(req.Bundle, req.Condition))
	sb.WriteString("\nBased on your philosophical perspective and the information above, what is your stance?\n")
	sb.WriteString("Remember to respond ONLY in the required JSON format.\n")
	return sb.String(), nil
}

func memoryContext(req Request) string {
	a := req.Agent
	if len(a.ChangeLog) == 0 {
		initial := a.Initial()
		switch req.Mode {
		case ModeNone:
			return "### Initial Deliberation\nThis is the first round. Please establish your initial position based on your ethical framework.\n"
		case ModeSoft:
			return fmt.Sprintf(`### Initial Deliberation
This is the first round.

**Suggested Starting Perspective:** %[1]s

For the purpose of balanced discussion, we invite you to first explore arguments supporting the above perspective (%[1]s) from within your ethical framework.

You are free to maintain this perspective or change your position in subsequent rounds based on your own reasoning or peer input.
`, initial)
		default:
			return fmt.Sprintf(`### Initial Deliberation
This is the first round.

**Your Initial Position:** %s

You hold this position based on your initial intuition and ethical framework.
You may maintain or change this position after considering the scenario and (if applicable) peer arguments.
`, initial)
		}
	}
	return fmt.Sprintf(`### Your Previous Position (Round %d)
You previously chose: **%s**
Your reasoning was: "%s"

You may maintain or change your position based on new information or reflection.
If you change your stance, you MUST explain why in the change_reason_text field.
`, req.Round-1, a.Current(), a.Rationale())
}

func peerContext(b exposure.EvidenceBundle, cond exposure.Condition) string {
	var sb strings.Builder
	if b.SummaryStats != nil {
		fmt.Fprintf(&sb, "### Current Discussion Summary\nOverall Distribution: %s\n\n", FormatStats(b.SummaryStats))
	}
	if !cond.RevealPeers {
		sb.WriteString("You are deliberating independently without access to other participants' views.\n")
		sb.WriteString("Please provide your stance based solely on your own ethical reasoning.\n")
		sb.WriteString("Note: Without new information from peers, you should generally maintain your previous position unless you have reconsidered your own reasoning.\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "### Peer Opinions (Sample of %d):\n", len(b.Peers))
	for _, p := range b.Peers {
		if p.Persona != "" {
			fmt.Fprintf(&sb, "**%s (%s)**:\n", p.Label, p.Persona)
		} else {
			fmt.Fprintf(&sb, "**%s**:\n", p.Label)
		}
		fmt.Fprintf(&sb, "- Stance: %s\n", p.Stance)
		if p.Rationale != nil {
			fmt.Fprintf(&sb, "- Rationale: %s\n", *p.Rationale)
		}
	}
	return sb.String()
}

// FormatStats renders counts as "A: 3 | B: 7" in label order.
func FormatStats(stats map[string]int) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %d", k, stats[k])
	}
	return strings.Join(parts, " | ")
}

// ResponseSchema is the JSON schema for structured-output backends.
func ResponseSchema(labels []string) map[string]any {
	codes := make([]string, 0, 4)
	for _, c := range population.ReasonCodes() {
		codes = append(codes, string(c))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"stance":             map[string]any{"type": "string", "enum": labels},
			"rationale":          map[string]any{"type": "string"},
			"changed":            map[string]any{"type": "boolean"},
			"change_reason":      map[string]any{"type": "string", "enum": codes},
			"change_reason_text": map[string]any{"type": "string"},
		},
		"required": []string{"stance", "rationale", "changed", "change_reason"},
	}
}
