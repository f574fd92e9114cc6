package oracle

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
)

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// payload accepts both the nested decision_meta shape and a flat shape.
type payload struct {
	Stance           *string `json:"stance"`
	Rationale        *string `json:"rationale"`
	Changed          *bool   `json:"changed"`
	ChangeReason     *string `json:"change_reason"`
	ChangeReasonCode *string `json:"change_reason_code"`
	ChangeReasonText *string `json:"change_reason_text"`
	Meta             *struct {
		Changed            *bool   `json:"changed"`
		ChangeReasonForced *string `json:"change_reason_forced"`
		ChangeReasonCode   *string `json:"change_reason_code"`
		ChangeReasonText   *string `json:"change_reason_text"`
	} `json:"decision_meta"`
}

// extractJSON finds a JSON object in raw model output: the whole text, a
// fenced code block, or the span from the first '{' to the last '}'.
func extractJSON(raw string) (payload, bool) {
	var p payload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err == nil {
		return p, true
	}
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &p); err == nil {
			return p, true
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &p); err == nil {
			return p, true
		}
	}
	return payload{}, false
}

// Parse turns raw model output into a Decision. Extraction is tolerant of
// surrounding prose; the fields themselves are strict.
func Parse(raw string) (Decision, error) {
	p, ok := extractJSON(raw)
	if !ok {
		return Decision{}, errors.Malformed("no JSON object in response (%d bytes)", len(raw))
	}

	changed := p.Changed
	reason := firstNonNil(p.ChangeReasonCode, p.ChangeReason)
	text := p.ChangeReasonText
	if p.Meta != nil {
		if p.Meta.Changed != nil {
			changed = p.Meta.Changed
		}
		if r := firstNonNil(p.Meta.ChangeReasonForced, p.Meta.ChangeReasonCode); r != nil {
			reason = r
		}
		if p.Meta.ChangeReasonText != nil {
			text = p.Meta.ChangeReasonText
		}
	}

	switch {
	case p.Stance == nil || strings.TrimSpace(*p.Stance) == "":
		return Decision{}, errors.MissingField("stance")
	case p.Rationale == nil:
		return Decision{}, errors.MissingField("rationale")
	case changed == nil:
		return Decision{}, errors.MissingField("changed")
	case reason == nil:
		return Decision{}, errors.MissingField("change_reason_code")
	}

	d := Decision{
		Stance:     strings.TrimSpace(*p.Stance),
		Rationale:  strings.TrimSpace(*p.Rationale),
		Changed:    *changed,
		ReasonCode: population.ReasonCode(strings.ToUpper(strings.TrimSpace(*reason))),
	}
	if text != nil {
		d.ReasonText = strings.TrimSpace(*text)
	}
	return d, nil
}

func firstNonNil(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
