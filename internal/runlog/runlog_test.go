package runlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle"
	"github.com/lorenzotomasdiez/stance-collapse/internal/oracle/oracletest"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

func trolley(t *testing.T) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.Builtin().Get("S1_TROLLEY_BALANCED")
	if err != nil {
		t.Fatal(err)
	}
	return &sc
}

func settings(rounds int) deliberation.Settings {
	s := deliberation.DefaultSettings()
	s.RunID = "run-test"
	s.Agents = 6
	s.Rounds = rounds
	s.SampleK = 3
	s.RetryBackoff = 0
	return s
}

func runLogged(t *testing.T, dir string, s deliberation.Settings, gw oracle.Gateway) *deliberation.Result {
	t.Helper()
	w, err := Create(dir, s.RunID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	res, err := deliberation.Run(context.Background(), s, trolley(t), gw, deliberation.WithRecorder(w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func sameHistories(t *testing.T, want, got *population.State) {
	t.Helper()
	if want.Round != got.Round || want.Len() != got.Len() {
		t.Fatalf("round %d/%d, agents %d/%d", got.Round, want.Round, got.Len(), want.Len())
	}
	for i := range want.Agents {
		w, g := want.Agents[i], got.Agents[i]
		if !reflect.DeepEqual(w.StanceHistory, g.StanceHistory) {
			t.Errorf("%s: stances %v, want %v", w.ID, g.StanceHistory, w.StanceHistory)
		}
		if !reflect.DeepEqual(w.ChangeLog, g.ChangeLog) {
			t.Errorf("%s: change log differs", w.ID)
		}
	}
}

func TestWriterRecordsEveryEvent(t *testing.T) {
	dir := t.TempDir()
	res := runLogged(t, dir, settings(3), oracletest.Random(0.4))

	events := readEvents(t, LogFile(dir, "run-test"))
	counts := map[EventType]int{}
	for _, ev := range events {
		counts[ev.Type]++
		if ev.RunID != "run-test" {
			t.Errorf("%s event has run id %q", ev.Type, ev.RunID)
		}
	}
	want := map[EventType]int{
		EventRunStart: 1, EventConfig: 1, EventInitial: 1,
		EventRoundStart: 3, EventAgentRound: 18, EventRoundEnd: 3, EventRunEnd: 1,
	}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("event counts %v, want %v", counts, want)
	}
	if events[0].Type != EventRunStart || events[len(events)-1].Type != EventRunEnd {
		t.Errorf("first %s, last %s", events[0].Type, events[len(events)-1].Type)
	}

	last := events[len(events)-2]
	if last.Type != EventRoundEnd || last.Round != 3 || last.Entropy == nil || *last.Entropy != res.Report.HFinal() {
		t.Errorf("last round_end %+v", last)
	}

	doc, err := ReadSummary(SummaryFile(dir, "run-test"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.RunID != "run-test" || doc.Report.Tau != res.Report.Tau || doc.Status != deliberation.StatusCompleted {
		t.Errorf("summary %+v", doc.Summary)
	}
}

func TestAgentRoundLinesAreSelfDescribing(t *testing.T) {
	dir := t.TempDir()
	s := settings(2)
	s.Seed = 1234
	runLogged(t, dir, s, oracletest.Random(0.4))

	data, err := os.ReadFile(LogFile(dir, "run-test"))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var raw struct {
			Type  EventType      `json:"type"`
			Agent map[string]any `json:"agent"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		if raw.Type != EventAgentRound {
			continue
		}
		n++
		if raw.Agent["seed"] != float64(1234) || raw.Agent["scenario_id"] != "S1_TROLLEY_BALANCED" || raw.Agent["condition_id"] != s.Condition.ID {
			t.Errorf("agent_round line lacks run coordinates: %s", line)
		}
	}
	if n != 12 {
		t.Errorf("%d agent_round lines, want 12", n)
	}
}

func TestReadCheckpointOfFinishedRun(t *testing.T) {
	dir := t.TempDir()
	res := runLogged(t, dir, settings(4), oracletest.Random(0.4))

	cp, err := ReadCheckpoint(LogFile(dir, "run-test"))
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Finished || cp.Status != deliberation.StatusCompleted || cp.LastRound() != 4 {
		t.Errorf("checkpoint finished=%t status=%s round=%d", cp.Finished, cp.Status, cp.LastRound())
	}
	sameHistories(t, res.State, cp.State)
	if cp.Settings.SampleK != 3 || cp.Scenario.ID != "S1_TROLLEY_BALANCED" || cp.RunID != "run-test" {
		t.Errorf("config %+v", cp.Settings)
	}
	if len(cp.Diagnostics.Rounds) != 4 || cp.Diagnostics.Attempts != res.Diagnostics.Attempts {
		t.Errorf("diagnostics %+v", cp.Diagnostics)
	}
}

// crashAfter rewrites the log as if the process died while writing round
// r+1: the round's first lines are kept and the last one is cut mid-object.
func crashAfter(t *testing.T, path string, r int) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	var kept []string
	for i, line := range lines {
		kept = append(kept, line)
		var ev Event
		_ = json.Unmarshal([]byte(line), &ev)
		if ev.Type == EventRoundEnd && ev.Round == r {
			kept = append(kept, lines[i+1], lines[i+2], lines[i+3][:20])
			break
		}
	}
	if err := os.WriteFile(path, []byte(strings.Join(kept, "")), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResumeFromPartialLog(t *testing.T) {
	gw := oracletest.Random(0.4)
	full := runLogged(t, t.TempDir(), settings(5), gw)

	dir := t.TempDir()
	runLogged(t, dir, settings(5), gw)
	path := LogFile(dir, "run-test")
	crashAfter(t, path, 2)

	cp, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Finished || cp.LastRound() != 2 {
		t.Fatalf("checkpoint finished=%t round=%d", cp.Finished, cp.LastRound())
	}
	if err := Truncate(path, cp.LastRound()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != cp.Offset {
		t.Errorf("size after truncate %d, want %d", info.Size(), cp.Offset)
	}

	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	e, err := deliberation.NewEngine(cp.Settings, cp.Scenario, nil, gw,
		deliberation.WithInitialState(cp.State, cp.Diagnostics), deliberation.WithRecorder(w))
	if err != nil {
		t.Fatal(err)
	}
	resumed, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sameHistories(t, full.State, resumed.State)

	again, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Finished || again.LastRound() != 5 {
		t.Errorf("after resume finished=%t round=%d", again.Finished, again.LastRound())
	}
	starts := 0
	for _, ev := range readEvents(t, path) {
		if ev.Type == EventRunStart {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("run_start events = %d, want 2", starts)
	}
}

func TestTruncateUnknownRound(t *testing.T) {
	dir := t.TempDir()
	runLogged(t, dir, settings(2), oracletest.Stubborn)
	if err := Truncate(LogFile(dir, "run-test"), 7); err == nil {
		t.Error("expected error for a round that was never committed")
	}
	if err := Truncate(LogFile(dir, "run-test"), 0); err != nil {
		t.Fatal(err)
	}
	cp, err := ReadCheckpoint(LogFile(dir, "run-test"))
	if err != nil {
		t.Fatal(err)
	}
	if cp.LastRound() != 0 || cp.Finished {
		t.Errorf("round %d finished %t", cp.LastRound(), cp.Finished)
	}
}

func TestInvalidRunIsLogged(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "run-test")
	if err != nil {
		t.Fatal(err)
	}
	gw := oracle.GatewayFunc(func(_ context.Context, req oracle.Request) (oracle.Decision, error) {
		return oracle.Decision{}, errors.NewProtocolError(errors.InvariantStanceLabel, "broken")
	})
	_, err = deliberation.Run(context.Background(), settings(3), trolley(t), gw, deliberation.WithRecorder(w))
	if !errors.Is(err, errors.ErrProtocolInvariant) {
		t.Fatalf("err = %v", err)
	}
	_ = w.Close()

	events := readEvents(t, LogFile(dir, "run-test"))
	last := events[len(events)-1]
	if last.Type != EventRunInvalid || !strings.Contains(last.Error, "broken") {
		t.Errorf("last event %+v", last)
	}
	if _, err := os.Stat(filepath.Join(dir, "run-test_summary.json")); !os.IsNotExist(err) {
		t.Error("invalid run should not write a summary")
	}
}

func TestReadCheckpointMissingFile(t *testing.T) {
	if _, err := ReadCheckpoint(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Error("expected error")
	}
}
