// Package store keeps the local registry of profiling sessions.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Session is one recorded profiling run.
type Session struct {
	ID        string
	Command   string
	ResultDir string
	Probes    int
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
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
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		result_dir TEXT NOT NULL,
		probes INTEGER NOT NULL,
		exit_code INTEGER,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	)`)
	return err
}

// Begin records a session at launch, before its outcome is known.
func (s *Store) Begin(sess *Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, command, result_dir, probes, started_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Command, sess.ResultDir, sess.Probes, sess.StartedAt.UTC(),
	)
	return err
}

// Finish stamps the outcome of a previously begun session.
func (s *Store) Finish(id string, exitCode int, endedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET exit_code = ?, ended_at = ? WHERE id = ?`,
		exitCode, endedAt.UTC(), id,
	)
	return err
}

// Recent lists the most recently started sessions.
func (s *Store) Recent(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, command, result_dir, probes, COALESCE(exit_code, -1), started_at, COALESCE(ended_at, started_at)
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Command, &sess.ResultDir, &sess.Probes,
			&sess.ExitCode, &sess.StartedAt, &sess.EndedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
