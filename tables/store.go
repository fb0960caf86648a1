package tables

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/orijitghosh/flydream/behavr"
	_ "modernc.org/sqlite"
)

// Store saves results to a SQL database.  Every row is keyed by the run
// ID of its Result.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to a database.  driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*Store, error) {

	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		// A single connection avoids "database is locked" during the
		// insert transaction.
		db.SetMaxOpenConns(1)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		light_hours DOUBLE PRECISION NOT NULL,
		seed BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		genotype TEXT NOT NULL,
		day INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		time_offset BIGINT NOT NULL,
		activity DOUBLE PRECISION NOT NULL,
		state_name TEXT NOT NULL,
		error_score DOUBLE PRECISION NOT NULL,
		phase TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS time_spent (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		genotype TEXT NOT NULL,
		day INTEGER NOT NULL,
		state_name TEXT NOT NULL,
		phase TEXT NOT NULL,
		time_spent INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		genotype TEXT NOT NULL,
		day INTEGER NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS failures (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		day INTEGER NOT NULL,
		message TEXT NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func (s *Store) rebind(q string) string {

	if s.driver != "postgres" {
		return q
	}

	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}

	return b.String()
}

// Save writes res in a single transaction.
func (s *Store) Save(ctx context.Context, res *behavr.Result, p behavr.Params) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO runs (run_id, created_at, iterations, light_hours, seed) VALUES (?, ?, ?, ?, ?)`),
		res.RunID, time.Now().UTC().Format(time.RFC3339), p.Iterations, p.LightHours, int64(p.Seed))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", res.RunID, err)
	}

	insert := func(q string, n int, args func(i int) []any) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(q))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := 0; i < n; i++ {
			if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
				return err
			}
		}
		return nil
	}

	err = insert(`INSERT INTO profiles (run_id, id, genotype, day, timestamp, time_offset, activity, state_name, error_score, phase)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, len(res.Profiles), func(i int) []any {
		r := res.Profiles[i]
		return []any{res.RunID, r.ID, r.Genotype, r.Day, r.Timestamp, r.TimeOffset, r.Activity, r.StateName, r.ErrorScore, r.Phase}
	})
	if err != nil {
		return fmt.Errorf("failed to insert profiles: %w", err)
	}

	err = insert(`INSERT INTO time_spent (run_id, id, genotype, day, state_name, phase, time_spent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, len(res.TimeSpent), func(i int) []any {
		r := res.TimeSpent[i]
		return []any{res.RunID, r.ID, r.Genotype, r.Day, r.StateName, r.Phase, r.TimeSpent}
	})
	if err != nil {
		return fmt.Errorf("failed to insert time spent: %w", err)
	}

	err = insert(`INSERT INTO transitions (run_id, id, genotype, day, from_state, to_state, count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, len(res.Transitions), func(i int) []any {
		r := res.Transitions[i]
		return []any{res.RunID, r.ID, r.Genotype, r.Day, r.From, r.To, r.Count}
	})
	if err != nil {
		return fmt.Errorf("failed to insert transitions: %w", err)
	}

	err = insert(`INSERT INTO failures (run_id, id, day, message) VALUES (?, ?, ?, ?)`,
		len(res.Failures), func(i int) []any {
			r := res.Failures[i]
			return []any{res.RunID, r.ID, r.Day, r.Message}
		})
	if err != nil {
		return fmt.Errorf("failed to insert failures: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", res.RunID, err)
	}

	return nil
}

// Counts returns the number of rows stored for a run in each result
// table.
func (s *Store) Counts(ctx context.Context, runID string) (map[string]int, error) {

	counts := make(map[string]int)
	for _, table := range []string{"profiles", "time_spent", "transitions", "failures"} {
		var n int
		q := s.rebind(`SELECT COUNT(*) FROM ` + table + ` WHERE run_id = ?`)
		if err := s.db.QueryRowContext(ctx, q, runID).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}

	return counts, nil
}
