// Package store keeps a ledger of finished runs in SQLite and turns the
// successful ones into hints for later runs on the same site.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
)

const maxHintPatterns = 3

// Store is the learning memory. It implements agent.Memory.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens the database named by dsn. A dsn starting with "file:" is
// passed to the driver as is; anything else is treated as a file path.
func Open(dsn string) (*Store, error) {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc", dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps a shared in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}
	for i := version; i < len(migrations); i++ {
		log.Info().Int("version", i+1).Msg("applying learning store migration")
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the success pattern and failure tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS success_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			action_sequence TEXT NOT NULL,
			times_used INTEGER NOT NULL DEFAULT 1,
			avg_steps REAL NOT NULL,
			last_task TEXT NOT NULL DEFAULT '',
			last_used TEXT NOT NULL,
			UNIQUE(domain, action_sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_success_domain ON success_patterns(domain);

		CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			task TEXT NOT NULL,
			steps INTEGER NOT NULL,
			last_action TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_failures_domain ON failures(domain);
	`)
	return err
}

// Record stores the outcome of a run. Successful action sequences are
// counted so repeated strategies rank higher.
func (s *Store) Record(ctx context.Context, o agent.Outcome) error {
	if o.Domain == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at := o.FinishedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	stamp := at.Format(time.RFC3339Nano)

	if !o.Success {
		var last string
		if len(o.Actions) > 0 {
			last = o.Actions[len(o.Actions)-1]
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO failures (domain, task, steps, last_action, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, o.Domain, o.Task, o.Steps, last, o.Error, stamp)
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return nil
	}

	seq, err := json.Marshal(o.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO success_patterns (domain, action_sequence, times_used, avg_steps, last_task, last_used)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(domain, action_sequence) DO UPDATE SET
			avg_steps = (avg_steps * times_used + excluded.avg_steps) / (times_used + 1),
			times_used = times_used + 1,
			last_task = excluded.last_task,
			last_used = excluded.last_used
	`, o.Domain, string(seq), float64(o.Steps), o.Task, stamp)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// Hints returns the distinct action labels of the most used successful
// sequences on domain, in sequence order.
func (s *Store) Hints(ctx context.Context, domain string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT action_sequence FROM success_patterns
		WHERE domain = ?
		ORDER BY times_used DESC, last_used DESC
		LIMIT ?
	`, domain, maxHintPatterns)
	if err != nil {
		return nil, fmt.Errorf("query hints: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var hints []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan hint: %w", err)
		}
		var actions []string
		if err := json.Unmarshal([]byte(raw), &actions); err != nil {
			log.Warn().Err(err).Str("domain", domain).Msg("skipping malformed action sequence")
			continue
		}
		for _, a := range actions {
			if a == "" || a == "Done" || seen[a] {
				continue
			}
			seen[a] = true
			hints = append(hints, a)
		}
	}
	return hints, rows.Err()
}

// Stats summarizes the ledger for one domain.
type Stats struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

func (s *Store) Stats(ctx context.Context, domain string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(times_used), 0) FROM success_patterns WHERE domain = ?`, domain,
	).Scan(&st.Successes)
	if err != nil {
		return Stats{}, fmt.Errorf("count successes: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failures WHERE domain = ?`, domain).Scan(&st.Failures)
	if err != nil {
		return Stats{}, fmt.Errorf("count failures: %w", err)
	}
	return st, nil
}
