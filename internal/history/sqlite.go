// Package history stores batch results in a SQLite database so past runs
// can be listed and audited.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when no stored run matches an id or prefix.
var ErrRunNotFound = errors.New("run not found")

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  operation TEXT NOT NULL,
  plan_json TEXT NOT NULL,
  dry_run INTEGER NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  guests INTEGER NOT NULL,
  failures INTEGER NOT NULL,
  interrupted INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_idx ON runs(started_at);

CREATE TABLE IF NOT EXISTS outcomes (
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  vmid INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  was_running INTEGER NOT NULL,
  snapshot_action TEXT NOT NULL,
  snapshot_name TEXT NOT NULL,
  duration_ns INTEGER NOT NULL,
  PRIMARY KEY (run_id, vmid)
);

CREATE TABLE IF NOT EXISTS failures (
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  seq INTEGER NOT NULL,
  vmid INTEGER NOT NULL,
  step TEXT NOT NULL,
  message TEXT NOT NULL,
  PRIMARY KEY (run_id, seq)
);
`

// Run is the stored summary of one batch.
type Run struct {
	ID          string         `json:"run_id"`
	Operation   reconcile.Kind `json:"operation"`
	Plan        reconcile.Plan `json:"plan"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Guests      int            `json:"guests"`
	Failures    int            `json:"failures"`
	Interrupted bool           `json:"interrupted,omitempty"`
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("history %s: %w", pragma, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("history schema: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Save stores res and all of its guest outcomes and failures in one
// transaction.
func (s *Store) Save(ctx context.Context, res *reconcile.Result) error {
	if res == nil {
		return errors.New("nil result")
	}
	plan, err := json.Marshal(res.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO runs(run_id, operation, plan_json, dry_run, started_at, finished_at, guests, failures, interrupted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		res.RunID,
		string(res.Plan.Operation.Kind),
		string(plan),
		boolInt(res.Plan.DryRun),
		res.StartedAt.UnixNano(),
		res.FinishedAt.UnixNano(),
		len(res.Guests),
		len(res.Failures),
		boolInt(res.Interrupted),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, g := range res.Guests {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO outcomes(run_id, vmid, outcome, was_running, snapshot_action, snapshot_name, duration_ns)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
			res.RunID, g.VMID, string(g.Outcome), boolInt(g.WasRunning),
			string(g.Snapshot.Action), g.Snapshot.Name, int64(g.Duration),
		); err != nil {
			return fmt.Errorf("insert outcome for vm %d: %w", g.VMID, err)
		}
	}

	for i, f := range res.Failures {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO failures(run_id, seq, vmid, step, message) VALUES (?, ?, ?, ?, ?);`,
			res.RunID, i, f.VMID, string(f.Step), f.Message,
		); err != nil {
			return fmt.Errorf("insert failure for vm %d: %w", f.VMID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT run_id, operation, plan_json, started_at, finished_at, guests, failures, interrupted
FROM runs ORDER BY started_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns the run whose id equals or starts with idPrefix. An
// ambiguous prefix is an error.
func (s *Store) GetRun(ctx context.Context, idPrefix string) (Run, error) {
	idPrefix = strings.TrimSpace(idPrefix)
	if idPrefix == "" {
		return Run{}, ErrRunNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, operation, plan_json, started_at, finished_at, guests, failures, interrupted
FROM runs WHERE run_id = ? OR substr(run_id, 1, ?) = ? LIMIT 2;`, idPrefix, len(idPrefix), idPrefix)
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()

	var found []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return Run{}, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	switch len(found) {
	case 0:
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, idPrefix)
	case 1:
		return found[0], nil
	}
	return Run{}, fmt.Errorf("run id prefix %q is ambiguous", idPrefix)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                 Run
		op, planJSON      string
		started, finished int64
		interrupted       int
	)
	if err := row.Scan(&r.ID, &op, &planJSON, &started, &finished, &r.Guests, &r.Failures, &interrupted); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &r.Plan); err != nil {
		return Run{}, fmt.Errorf("decode plan of run %s: %w", r.ID, err)
	}
	r.Operation = reconcile.Kind(op)
	r.StartedAt = time.Unix(0, started)
	r.FinishedAt = time.Unix(0, finished)
	r.Interrupted = interrupted != 0
	return r, nil
}

// Outcomes returns the per-guest results of a run in VMID order.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]reconcile.GuestResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT vmid, outcome, was_running, snapshot_action, snapshot_name, duration_ns
FROM outcomes WHERE run_id = ? ORDER BY vmid;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []reconcile.GuestResult
	for rows.Next() {
		var (
			g          reconcile.GuestResult
			outcome    string
			wasRunning int
			action     string
			duration   int64
		)
		if err := rows.Scan(&g.VMID, &outcome, &wasRunning, &action, &g.Snapshot.Name, &duration); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		g.Outcome = reconcile.Outcome(outcome)
		g.WasRunning = wasRunning != 0
		g.Snapshot.Action = reconcile.SnapshotAction(action)
		g.Duration = time.Duration(duration)
		out = append(out, g)
	}
	return out, rows.Err()
}

// Failures returns the step failures of a run in the order they happened.
func (s *Store) Failures(ctx context.Context, runID string) ([]reconcile.Failure, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT vmid, step, message FROM failures WHERE run_id = ? ORDER BY seq;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Failure
	for rows.Next() {
		var (
			f    reconcile.Failure
			step string
		)
		if err := rows.Scan(&f.VMID, &step, &f.Message); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Step = reconcile.Step(step)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes runs that started before cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?;`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
