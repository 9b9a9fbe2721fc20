package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

// Record is one persisted diagnostic result.
type Record struct {
	ID        int64          `json:"id"`
	ProfileID string         `json:"profile_id"`
	Remarks   string         `json:"remarks"`
	Kind      types.DiagKind `json:"kind"`
	Result    string         `json:"result"`
	TestedAt  time.Time      `json:"tested_at"`
}

// Store keeps diagnostic history in a SQLite database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ types.ResultRecorder = (*Store)(nil)

// Open opens (or creates) the history database at path. Use ":memory:" for
// an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	// SQLite allows a single writer; diagnostics record from several goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logger.WithComponent("history")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS diagnostic_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_id TEXT NOT NULL,
			remarks TEXT NOT NULL,
			kind TEXT NOT NULL,
			result TEXT NOT NULL,
			tested_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_diagnostic_results_profile
			ON diagnostic_results(profile_id, tested_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate history database: %w", err)
	}
	return nil
}

// RecordResult implements types.ResultRecorder. Persistence failures are
// logged and swallowed so a broken disk never fails a diagnostic run.
func (s *Store) RecordResult(profileID, remarks string, kind types.DiagKind, result string) {
	const query = `
		INSERT INTO diagnostic_results (profile_id, remarks, kind, result, tested_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, profileID, remarks, string(kind), result, time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to record diagnostic result.")
	}
}

// Recent returns the newest records first, optionally filtered by profile id.
// A limit of 0 means no limit.
func (s *Store) Recent(profileID string, limit int) ([]Record, error) {
	query := `
		SELECT id, profile_id, remarks, kind, result, tested_at
		FROM diagnostic_results
	`
	var args []interface{}
	if profileID != "" {
		query += " WHERE profile_id = ?"
		args = append(args, profileID)
	}
	query += " ORDER BY tested_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostic results: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var kind string
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.Remarks, &kind, &r.Result, &r.TestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic result: %w", err)
		}
		r.Kind = types.DiagKind(kind)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diagnostic results: %w", err)
	}
	return records, nil
}

// Purge deletes records older than the cutoff and reports how many went.
func (s *Store) Purge(olderThan time.Duration) (int64, error) {
	const query = "DELETE FROM diagnostic_results WHERE tested_at < ?"
	result, err := s.db.Exec(query, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge diagnostic results: %w", err)
	}
	return result.RowsAffected()
}
