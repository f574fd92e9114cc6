package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/exposure"
	"github.com/lorenzotomasdiez/stance-collapse/internal/ollama"
	"github.com/lorenzotomasdiez/stance-collapse/internal/openrouter"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

var trolleyLabels = []string{"PULL_LEVER", "DO_NOT_PULL"}

func TestParseNestedMeta(t *testing.T) {
	raw := `{"stance":"PULL_LEVER","rationale":"Five lives outweigh one.","decision_meta":{"changed":true,"change_reason_forced":"informational","change_reason_text":"peer math"}}`
	d, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if d.Stance != "PULL_LEVER" || !d.Changed || d.ReasonCode != population.Informational || d.ReasonText != "peer math" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestParseFlatPayload(t *testing.T) {
	raw := `{"stance":"DO_NOT_PULL","rationale":"Do no harm.","changed":false,"change_reason":"NO_CHANGE"}`
	d, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if d.Changed || d.ReasonCode != population.NoChange {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestParseExtractsFromProse(t *testing.T) {
	cases := map[string]string{
		"fenced":   "Here you go:\n```json\n{\"stance\":\"PULL_LEVER\",\"rationale\":\"r\",\"changed\":false,\"change_reason\":\"NO_CHANGE\"}\n```",
		"embedded": "Sure! {\"stance\":\"PULL_LEVER\",\"rationale\":\"r\",\"changed\":false,\"change_reason\":\"NO_CHANGE\"} Hope that helps.",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			d, err := Parse(raw)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if d.Stance != "PULL_LEVER" {
				t.Errorf("expected PULL_LEVER, got %q", d.Stance)
			}
		})
	}
}

func TestParseRejectsIncompletePayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind errors.TransientKind
	}{
		{"not json", "I would pull the lever.", errors.KindMalformed},
		{"no stance", `{"rationale":"r","changed":false,"change_reason":"NO_CHANGE"}`, errors.KindMissingField},
		{"no rationale", `{"stance":"PULL_LEVER","changed":false,"change_reason":"NO_CHANGE"}`, errors.KindMissingField},
		{"no changed", `{"stance":"PULL_LEVER","rationale":"r","change_reason":"NO_CHANGE"}`, errors.KindMissingField},
		{"no reason", `{"stance":"PULL_LEVER","rationale":"r","decision_meta":{"changed":false}}`, errors.KindMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("expected kind %s, got %s (%v)", tt.kind, got, err)
			}
			if !errors.IsRetryable(err) {
				t.Errorf("expected retryable error, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Decision
		prev string
		kind errors.TransientKind
	}{
		{"keep", Decision{Stance: "PULL_LEVER", ReasonCode: population.NoChange}, "PULL_LEVER", ""},
		{"switch", Decision{Stance: "DO_NOT_PULL", Changed: true, ReasonCode: population.Normative}, "PULL_LEVER", ""},
		{"unknown stance", Decision{Stance: "MAYBE", ReasonCode: population.NoChange}, "PULL_LEVER", errors.KindMalformed},
		{"unknown code", Decision{Stance: "PULL_LEVER", ReasonCode: "VIBES"}, "PULL_LEVER", errors.KindMalformed},
		{"changed flag lies", Decision{Stance: "PULL_LEVER", Changed: true, ReasonCode: population.Informational}, "PULL_LEVER", errors.KindInconsistent},
		{"silent switch", Decision{Stance: "DO_NOT_PULL", ReasonCode: population.NoChange}, "PULL_LEVER", errors.KindInconsistent},
		{"switch with NO_CHANGE", Decision{Stance: "DO_NOT_PULL", Changed: true, ReasonCode: population.NoChange}, "PULL_LEVER", errors.KindInconsistent},
		{"keep with reason", Decision{Stance: "PULL_LEVER", ReasonCode: population.Uncertainty}, "PULL_LEVER", errors.KindInconsistent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.d, trolleyLabels, tt.prev)
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("expected kind %s, got %s (%v)", tt.kind, got, err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeEnforced, "soft": ModeSoft, "NONE": ModeNone, " enforced ": ModeEnforced} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("hard"); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func request(t *testing.T, cond exposure.Condition, round int) Request {
	t.Helper()
	sc, err := scenario.Builtin().Get("S1_TROLLEY")
	if err != nil {
		t.Fatal(err)
	}
	rationale := "Save the five."
	agent := population.Agent{ID: "agent_03", Persona: "utilitarian", StanceHistory: []string{"PULL_LEVER"}}
	if round > 1 {
		agent.StanceHistory = append(agent.StanceHistory, "DO_NOT_PULL")
		agent.ChangeLog = []population.ChangeRecord{{Round: 1, Changed: true, ReasonCode: population.Informational, Rationale: "Using a person is wrong."}}
	}
	bundle := exposure.EvidenceBundle{Peers: []exposure.PeerRecord{
		{Label: "agent_01", Persona: "deontologist", Stance: "DO_NOT_PULL", Rationale: &rationale},
	}}
	if !cond.RevealIdentity {
		bundle.Peers[0].Label = "Peer 1"
		bundle.Peers[0].Persona = ""
	}
	if !cond.RevealRationale {
		bundle.Peers[0].Rationale = nil
	}
	if !cond.RevealPeers {
		bundle.Peers = []exposure.PeerRecord{}
	}
	if cond.RevealSummaryStats {
		bundle.SummaryStats = map[string]int{"PULL_LEVER": 43, "DO_NOT_PULL": 7}
	}
	return Request{
		Scenario:  &sc,
		Persona:   scenario.Persona{ID: "utilitarian", Name: "Dr. Mill", Description: "a utilitarian."},
		Agent:     agent,
		Round:     round,
		Bundle:    bundle,
		Condition: cond,
		Mode:      ModeEnforced,
	}
}

func TestRoundPromptMasksByCondition(t *testing.T) {
	tests := []struct {
		name    string
		cond    exposure.Condition
		want    []string
		notWant []string
	}{
		{"full", exposure.Full, []string{"**agent_01 (deontologist)**", "Rationale: Save the five.", "Overall Distribution: DO_NOT_PULL: 7 | PULL_LEVER: 43"}, nil},
		{"stance only", exposure.StanceOnly, []string{"**agent_01 (deontologist)**", "Stance: DO_NOT_PULL"}, []string{"Rationale:"}},
		{"anonymous", exposure.AnonBandwagon, []string{"**Peer 1**", "Overall Distribution"}, []string{"agent_01", "deontologist"}},
		{"pure info", exposure.PureInfo, []string{"**Peer 1**", "Rationale: Save the five."}, []string{"Overall Distribution"}},
		{"independent", exposure.Independent, []string{"deliberating independently"}, []string{"Peer Opinions", "Overall Distribution"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt, err := roundPrompt(request(t, tt.cond, 1))
			if err != nil {
				t.Fatalf("roundPrompt() error = %v", err)
			}
			for _, s := range tt.want {
				if !strings.Contains(prompt, s) {
					t.Errorf("prompt missing %q:\n%s", s, prompt)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(prompt, s) {
					t.Errorf("prompt leaks %q:\n%s", s, prompt)
				}
			}
		})
	}
}

func TestRoundPromptMemory(t *testing.T) {
	req := request(t, exposure.Full, 1)
	prompt, _ := roundPrompt(req)
	if !strings.Contains(prompt, "**Your Initial Position:** PULL_LEVER") {
		t.Errorf("round 1 ENFORCED framing missing:\n%s", prompt)
	}

	req.Mode = ModeSoft
	prompt, _ = roundPrompt(req)
	if !strings.Contains(prompt, "Suggested Starting Perspective:** PULL_LEVER") {
		t.Errorf("round 1 SOFT framing missing:\n%s", prompt)
	}

	req.Mode = ModeNone
	prompt, _ = roundPrompt(req)
	if strings.Contains(prompt, "Initial Position") || strings.Contains(prompt, "Suggested Starting") {
		t.Errorf("NONE mode must not reveal the seeded stance:\n%s", prompt)
	}

	prompt, _ = roundPrompt(request(t, exposure.Full, 2))
	for _, s := range []string{"Your Previous Position (Round 1)", "You previously chose: **DO_NOT_PULL**", `"Using a person is wrong."`} {
		if !strings.Contains(prompt, s) {
			t.Errorf("round 2 memory missing %q:\n%s", s, prompt)
		}
	}
}

func TestScenarioPromptTemplate(t *testing.T) {
	req := request(t, exposure.Independent, 3)
	sc := *req.Scenario
	sc.PromptTemplate = "Round {{.Round}} of {{.Labels}}: {{.Description}}"
	req.Scenario = &sc
	prompt, err := roundPrompt(req)
	if err != nil {
		t.Fatalf("roundPrompt() error = %v", err)
	}
	if !strings.Contains(prompt, "Round 3 of PULL_LEVER, DO_NOT_PULL: You are standing") {
		t.Errorf("template not applied:\n%s", prompt)
	}
}

type fakeCompleter struct {
	reply string
	err   error
	got   Prompt
}

func (f *fakeCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	f.got = p
	return f.reply, f.err
}

func TestLLMGatewayDecide(t *testing.T) {
	fc := &fakeCompleter{reply: `{"stance":"DO_NOT_PULL","rationale":"Convinced.","decision_meta":{"changed":true,"change_reason_forced":"INFORMATIONAL","change_reason_text":"agent_01"}}`}
	g := NewLLMGateway(fc, WithTemperature(0.5))
	req := request(t, exposure.Full, 1)
	req.Seed = 99

	d, err := g.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !d.Changed || d.Stance != "DO_NOT_PULL" {
		t.Errorf("unexpected decision %+v", d)
	}
	if fc.got.Seed != 99 || fc.got.Temperature != 0.5 || fc.got.MaxTokens != 512 {
		t.Errorf("unexpected prompt options %+v", fc.got)
	}
	if !strings.Contains(fc.got.System, "You are Dr. Mill, a utilitarian.") {
		t.Errorf("system prompt missing persona: %s", fc.got.System)
	}
	if !strings.Contains(fc.got.System, "Valid stances for this scenario: PULL_LEVER, DO_NOT_PULL") {
		t.Errorf("system prompt missing labels: %s", fc.got.System)
	}
}

func TestLLMGatewayRejectsInconsistentReply(t *testing.T) {
	fc := &fakeCompleter{reply: `{"stance":"PULL_LEVER","rationale":"x","changed":true,"change_reason":"NORMATIVE"}`}
	_, err := NewLLMGateway(fc).Decide(context.Background(), request(t, exposure.Full, 1))
	if errors.KindOf(err) != errors.KindInconsistent {
		t.Fatalf("expected inconsistent, got %v", err)
	}
}

func TestLLMGatewayClassifiesBackendErrors(t *testing.T) {
	fc := &fakeCompleter{err: fmt.Errorf("connection refused")}
	_, err := NewLLMGateway(fc).Decide(context.Background(), request(t, exposure.Full, 1))
	if errors.KindOf(err) != errors.KindTransport {
		t.Errorf("expected transport, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	fc.err = ctx.Err()
	_, err = NewLLMGateway(fc).Decide(ctx, request(t, exposure.Full, 1))
	if errors.KindOf(err) != errors.KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestOpenRouterCompleter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openrouter.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		if req.Model != "m" || req.Seed == nil || *req.Seed != 5 {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(openrouter.ChatResponse{Choices: []openrouter.Choice{{Message: openrouter.Message{Content: "{}"}}}})
	}))
	defer server.Close()

	c := OpenRouterCompleter{Client: openrouter.NewClient("k", openrouter.WithBaseURL(server.URL)), Model: "m"}
	out, err := c.Complete(context.Background(), Prompt{System: "s", User: "u", Seed: 5})
	if err != nil || out != "{}" {
		t.Fatalf("Complete() = %q, %v", out, err)
	}
}

func TestOllamaCompleterSendsSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		format, ok := req["format"].(map[string]any)
		if !ok {
			t.Fatalf("expected schema format, got %v", req["format"])
		}
		props := format["properties"].(map[string]any)
		stance := props["stance"].(map[string]any)
		if len(stance["enum"].([]any)) != 2 {
			t.Errorf("expected stance enum of 2 labels, got %v", stance["enum"])
		}
		json.NewEncoder(w).Encode(ollama.GenerateResponse{Response: `{"ok":true}`, Done: true})
	}))
	defer server.Close()

	c := OllamaCompleter{Client: ollama.NewClient(server.URL), Model: "llama3"}
	out, err := c.Complete(context.Background(), Prompt{User: "u", Schema: ResponseSchema(trolleyLabels)})
	if err != nil || out != `{"ok":true}` {
		t.Fatalf("Complete() = %q, %v", out, err)
	}
}

func TestFormatStats(t *testing.T) {
	got := FormatStats(map[string]int{"B": 2, "A": 1})
	if got != "A: 1 | B: 2" {
		t.Errorf("FormatStats() = %q", got)
	}
}
