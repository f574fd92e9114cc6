package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/metrics"
)

// LogFile returns the event log path of runID inside dir.
func LogFile(dir, runID string) string { return filepath.Join(dir, runID+".jsonl") }

// SummaryFile returns the summary path of runID inside dir.
func SummaryFile(dir, runID string) string { return filepath.Join(dir, runID+"_summary.json") }

// Writer appends run events to a JSONL file. It implements
// deliberation.Recorder. Each event is one write under a mutex, so a crash
// leaves at most one partial trailing line.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	dir    string
	labels []string
	now    func() time.Time
}

var _ deliberation.Recorder = (*Writer)(nil)

// Create opens <dir>/<runID>.jsonl for appending, creating dir as needed.
func Create(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create directory: %w", err)
	}
	return Open(LogFile(dir, runID))
}

// Open appends to an existing or new log at path. The summary is written
// next to it.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open log: %w", err)
	}
	return &Writer{f: f, dir: filepath.Dir(path), now: func() time.Time { return time.Now().UTC() }}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.f.Name() }

// Close closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func (w *Writer) write(events ...Event) error {
	var buf []byte
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = w.now()
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("runlog: marshal %s event: %w", ev.Type, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("runlog: append: %w", err)
	}
	return nil
}

// RunStarted writes run_start, and for a fresh run also config and the
// round-0 population.
func (w *Writer) RunStarted(_ context.Context, info deliberation.RunInfo) error {
	w.labels = info.Scenario.Labels
	start := Event{Type: EventRunStart, RunID: info.RunID, Round: info.Initial.Round, Resumed: info.Resumed}
	if info.Resumed {
		return w.write(start)
	}
	settings := info.Settings
	h := metrics.Entropy(info.Initial.CurrentCounts(w.labels))
	return w.write(
		start,
		Event{Type: EventConfig, RunID: info.RunID, Settings: &settings, Scenario: info.Scenario},
		Event{
			Type:    EventInitial,
			RunID:   info.RunID,
			Agents:  info.Initial.Agents,
			Counts:  info.Initial.CurrentCounts(w.labels),
			Entropy: &h,
		},
	)
}

// RoundCommitted writes the whole round in one append.
func (w *Writer) RoundCommitted(_ context.Context, rec deliberation.RoundRecord) error {
	events := make([]Event, 0, len(rec.Agents)+2)
	var before map[string]int
	if rec.State != nil {
		before = rec.State.Counts(rec.Round-1, w.labels)
	}
	events = append(events, Event{Type: EventRoundStart, RunID: rec.RunID, Round: rec.Round, Counts: before})
	for i := range rec.Agents {
		events = append(events, Event{Type: EventAgentRound, RunID: rec.RunID, Round: rec.Round, Agent: &rec.Agents[i]})
	}
	h, d := rec.Entropy, rec.Diagnostics
	events = append(events, Event{
		Type:        EventRoundEnd,
		RunID:       rec.RunID,
		Round:       rec.Round,
		Counts:      rec.Counts,
		Entropy:     &h,
		Diagnostics: &d,
	})
	return w.write(events...)
}

// RunFinished writes run_end and the summary file.
func (w *Writer) RunFinished(_ context.Context, res *deliberation.Result) error {
	sum := res.Summary()
	if err := w.write(Event{Type: EventRunEnd, RunID: res.RunID, Round: res.State.Round, Status: res.Status, Summary: &sum}); err != nil {
		return err
	}
	_, err := WriteSummary(w.dir, res)
	return err
}

// RunInvalid records why the run was abandoned.
func (w *Writer) RunInvalid(_ context.Context, info deliberation.RunInfo, cause error) error {
	return w.write(Event{
		Type:   EventRunInvalid,
		RunID:  info.RunID,
		Round:  info.Initial.Round,
		Status: deliberation.StatusInvalid,
		Error:  cause.Error(),
	})
}

// SummaryDocument is the content of a summary file.
type SummaryDocument struct {
	deliberation.Summary
	Report      metrics.Report           `json:"report"`
	Diagnostics deliberation.Diagnostics `json:"diagnostics"`
}

// WriteSummary writes <run_id>_summary.json into dir and returns its path.
func WriteSummary(dir string, res *deliberation.Result) (string, error) {
	doc := SummaryDocument{Summary: res.Summary(), Report: res.Report, Diagnostics: res.Diagnostics}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("runlog: marshal summary: %w", err)
	}
	path := SummaryFile(dir, res.RunID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("runlog: write summary: %w", err)
	}
	return path, nil
}

// ReadSummary loads a summary file.
func ReadSummary(path string) (*SummaryDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runlog: read summary: %w", err)
	}
	var doc SummaryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("runlog: parse summary %s: %w", path, err)
	}
	return &doc, nil
}
