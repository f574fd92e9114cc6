package runlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/population"
	"github.com/lorenzotomasdiez/stance-collapse/internal/scenario"
)

// Checkpoint is the committed portion of a run log.
type Checkpoint struct {
	RunID       string
	Settings    deliberation.Settings
	Scenario    *scenario.Scenario
	State       *population.State
	Diagnostics deliberation.Diagnostics
	// Offset is the byte length of the log up to and including the last
	// committed line.
	Offset int64
	// Finished is set when the log already holds run_end or run_invalid.
	Finished bool
	Status   deliberation.Status
}

// LastRound is the last committed round; 0 means only the initial
// population was recorded.
func (c *Checkpoint) LastRound() int { return c.State.Round }

// scan calls fn for every complete, well-formed line of the log with the
// byte offset just past that line. Malformed lines are skipped.
func scan(path string, fn func(ev Event, end int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("runlog: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var offset int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("runlog: read log: %w", err)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if err := fn(ev, offset); err != nil {
			return err
		}
	}
}

// ReadCheckpoint rebuilds the last committed state from the log at path.
// Lines after the last round_end are ignored, as is a trailing partial line.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	pending := map[string]deliberation.AgentRound{}
	err := scan(path, func(ev Event, end int64) error {
		switch ev.Type {
		case EventConfig:
			if ev.Settings == nil || ev.Scenario == nil {
				return fmt.Errorf("runlog: %s: config event without settings", path)
			}
			cp.RunID = ev.RunID
			cp.Settings = *ev.Settings
			cp.Scenario = ev.Scenario
		case EventInitial:
			cp.State = &population.State{Round: 0, Agents: ev.Agents}
			cp.Offset = end
		case EventRoundStart:
			clear(pending)
		case EventAgentRound:
			if ev.Agent != nil {
				pending[ev.Agent.AgentID] = *ev.Agent
			}
		case EventRoundEnd:
			if cp.State == nil {
				return fmt.Errorf("runlog: %s: round_end before initial population", path)
			}
			next, err := apply(cp.State, ev.Round, pending)
			if err != nil {
				return fmt.Errorf("runlog: %s: %w", path, err)
			}
			cp.State = next
			if ev.Diagnostics != nil {
				cp.Diagnostics.Add(*ev.Diagnostics)
			}
			clear(pending)
			cp.Offset = end
		case EventRunEnd, EventRunInvalid:
			cp.Finished = true
			cp.Status = ev.Status
			cp.Offset = end
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cp.Scenario == nil || cp.State == nil {
		return nil, fmt.Errorf("runlog: %s: no config or initial population recorded", path)
	}
	if err := cp.State.Validate(cp.Scenario.Labels); err != nil {
		return nil, fmt.Errorf("runlog: %s: rebuilt state: %w", path, err)
	}
	return cp, nil
}

func apply(prev *population.State, round int, pending map[string]deliberation.AgentRound) (*population.State, error) {
	if round != prev.Round+1 {
		return nil, fmt.Errorf("round_end %d follows round %d", round, prev.Round)
	}
	outcomes := make([]population.Outcome, prev.Len())
	for i := range prev.Agents {
		ar, ok := pending[prev.Agents[i].ID]
		if !ok {
			return nil, fmt.Errorf("round %d has no record for %s", round, prev.Agents[i].ID)
		}
		outcomes[i] = population.Outcome{Stance: ar.Stance, Record: ar.Record}
	}
	return prev.Advance(outcomes)
}

// Truncate removes every line after the round_end of round, or after the
// initial population when round is 0, so a resumed run appends to a clean
// tail.
func Truncate(path string, round int) error {
	cut := int64(-1)
	err := scan(path, func(ev Event, end int64) error {
		if (round == 0 && ev.Type == EventInitial) || (ev.Type == EventRoundEnd && ev.Round == round) {
			cut = end
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cut < 0 {
		return fmt.Errorf("runlog: %s: round %d was never committed", path, round)
	}
	if err := os.Truncate(path, cut); err != nil {
		return fmt.Errorf("runlog: truncate log: %w", err)
	}
	return nil
}
