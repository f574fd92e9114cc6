// Package store indexes run summaries in SQLite so sweeps over many runs
// can be queried and aggregated without re-reading every log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/lorenzotomasdiez/stance-collapse/internal/deliberation"
	"github.com/lorenzotomasdiez/stance-collapse/internal/errors"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("store: run not found")

// Store is a SQLite-backed run index.
type Store struct {
	db *sqlx.DB
}

// Open opens or creates the index at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// row is a Summary plus the columns that need encoding.
type row struct {
	deliberation.Summary
	EntropyJSON string `db:"entropy_json"`
	InitialJSON string `db:"initial_counts_json"`
	FinalJSON   string `db:"final_counts_json"`
	CreatedAt   string `db:"created_at"`
}

func toRow(sum deliberation.Summary) (row, error) {
	r := row{Summary: sum}
	for dst, v := range map[*string]any{
		&r.EntropyJSON: sum.Entropy,
		&r.InitialJSON: sum.InitialCounts,
		&r.FinalJSON:   sum.FinalCounts,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return row{}, fmt.Errorf("encode %s: %w", sum.RunID, err)
		}
		*dst = string(b)
	}
	created := sum.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	r.CreatedAt = created.Format(time.RFC3339Nano)
	return r, nil
}

func (r row) summary() (deliberation.Summary, error) {
	sum := r.Summary
	if err := json.Unmarshal([]byte(r.EntropyJSON), &sum.Entropy); err != nil {
		return sum, fmt.Errorf("decode entropy of %s: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(r.InitialJSON), &sum.InitialCounts); err != nil {
		return sum, fmt.Errorf("decode initial counts of %s: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(r.FinalJSON), &sum.FinalCounts); err != nil {
		return sum, fmt.Errorf("decode final counts of %s: %w", r.RunID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return sum, fmt.Errorf("decode created_at of %s: %w", r.RunID, err)
	}
	sum.CreatedAt = t
	return sum, nil
}

const columns = `run_id, scenario_id, condition_id,
	reveal_peers, reveal_identity, reveal_rationale, reveal_summary_stats,
	seed, n, t, k, oracle_model, status, completed_rounds,
	h0, h_final, tau, absolute_collapse_round, early_commitment_round,
	flip_count, volatility, holdout_count,
	informational, normative, uncertainty, changes, carried_forward,
	oracle_attempts, oracle_failures, parse_success_rate,
	entropy_json, initial_counts_json, final_counts_json, created_at`

// Save inserts or replaces the summary of a run.
func (s *Store) Save(ctx context.Context, sum deliberation.Summary) error {
	r, err := toRow(sum)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	names := strings.Split(strings.Join(strings.Fields(columns), ""), ",")
	params := make([]string, len(names))
	for i, n := range names {
		params[i] = ":" + n
	}
	q := fmt.Sprintf(`INSERT OR REPLACE INTO runs (%s) VALUES (%s)`, strings.Join(names, ", "), strings.Join(params, ", "))
	if _, err := s.db.NamedExecContext(ctx, q, r); err != nil {
		return fmt.Errorf("store: save %s: %w", sum.RunID, err)
	}
	return nil
}

// Get returns the summary of one run.
func (s *Store) Get(ctx context.Context, runID string) (deliberation.Summary, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT `+columns+` FROM runs WHERE run_id = ?`, runID)
	if err == sql.ErrNoRows {
		return deliberation.Summary{}, ErrNotFound
	}
	if err != nil {
		return deliberation.Summary{}, fmt.Errorf("store: get %s: %w", runID, err)
	}
	sum, err := r.summary()
	if err != nil {
		return deliberation.Summary{}, fmt.Errorf("store: %w", err)
	}
	return sum, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ScenarioID  string
	ConditionID string
	Status      deliberation.Status
	Limit       int
}

// List returns matching summaries ordered by scenario, condition and seed.
func (s *Store) List(ctx context.Context, f Filter) ([]deliberation.Summary, error) {
	var (
		where []string
		args  []any
	)
	if f.ScenarioID != "" {
		where = append(where, "scenario_id = ?")
		args = append(args, f.ScenarioID)
	}
	if f.ConditionID != "" {
		where = append(where, "condition_id = ?")
		args = append(args, f.ConditionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + columns + ` FROM runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scenario_id, condition_id, seed, run_id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	out := make([]deliberation.Summary, 0, len(rows))
	for _, r := range rows {
		sum, err := r.summary()
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		out = append(out, sum)
	}
	return out, nil
}

// Delete removes a run from the index.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("store: delete %s: %w", runID, err)
	}
	return nil
}
