package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/nodeprov/internal/engine"
	"github.com/roach88/nodeprov/internal/state"
)

// Run modes.
const (
	ModeFresh  = "fresh"
	ModeResume = "resume"
	ModeReset  = "reset"
	ModePhases = "phases"
)

// Run outcomes.
const (
	OutcomeInProgress  = "in-progress"
	OutcomeComplete    = "complete"
	OutcomeReboot      = "reboot"
	OutcomeHalted      = "halted"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// Run is one orchestrator process invocation.
type Run struct {
	ID        string    `json:"id" yaml:"id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero" yaml:"ended_at,omitempty"`
	Mode      string    `json:"mode" yaml:"mode"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Host      string    `json:"host" yaml:"host"`
}

// Transition is a recorded step status change.
type Transition struct {
	Seq    int64        `json:"seq" yaml:"seq"`
	RunID  string       `json:"run_id" yaml:"run_id"`
	Scope  string       `json:"scope" yaml:"scope"`
	Step   string       `json:"step" yaml:"step"`
	Status state.Status `json:"status" yaml:"status"`
	At     time.Time    `json:"at" yaml:"at"`
}

// BeginRun records the start of a run. Uses ON CONFLICT DO NOTHING so a
// nested process sharing its parent's run id is a no-op; inserted reports
// whether this call created the run (and so owns EndRun).
func (s *Store) BeginRun(ctx context.Context, id, mode, host string) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, mode, outcome, host)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, s.timestamp(), mode, OutcomeInProgress, host)
	if err != nil {
		return false, fmt.Errorf("begin run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin run: rows affected: %w", err)
	}
	return n > 0, nil
}

// EndRun stamps the outcome of a run.
func (s *Store) EndRun(ctx context.Context, id, outcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, outcome = ? WHERE id = ?
	`, s.timestamp(), outcome, id)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run: unknown run %q", id)
	}
	return nil
}

// LastSeq returns the highest recorded transition seq, or 0.
// Used to seed the engine clock so seqs stay monotonic across processes.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transitions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// RecentRuns returns up to n runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at, mode, outcome, host
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r       Run
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &ended, &r.Mode, &r.Outcome, &r.Host); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if ended.Valid {
			if r.EndedAt, err = parseTime(ended.String); err != nil {
				return nil, err
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Transitions returns every transition of a run ordered by seq.
func (s *Store) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, scope, step, status, at
		FROM transitions
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var (
			t      Transition
			status string
			at     string
		)
		if err := rows.Scan(&t.Seq, &t.RunID, &t.Scope, &t.Step, &status, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.Status, err = state.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("scan transition %d: %w", t.Seq, err)
		}
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// Recorder returns an engine.Recorder writing transitions for runID.
func (s *Store) Recorder(runID string) engine.Recorder {
	return &recorder{store: s, runID: runID, clock: NewClock()}
}

type recorder struct {
	store *Store
	runID string
	clock *Clock
}

func (r *recorder) RecordTransition(ctx context.Context, t engine.Transition) error {
	// A nested process may have written since our last transition.
	last, err := r.store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	r.clock.AdvanceTo(last)

	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO transitions (seq, run_id, scope, step, status, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.clock.Next(), r.runID, string(t.Scope), t.Step, string(t.Status), r.store.timestamp())
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Join(fmt.Errorf("parse timestamp %q", s), err)
	}
	return t, nil
}
