package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // Serializes session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS ai_concierge_sessions (
		session_id TEXT PRIMARY KEY,
		contractor_id INTEGER NOT NULL,
		session_type TEXT NOT NULL DEFAULT 'standard',
		session_status TEXT NOT NULL DEFAULT 'active',
		session_data TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_concierge_sessions_contractor
		ON ai_concierge_sessions(contractor_id, started_at);

	CREATE TABLE IF NOT EXISTS contractor_event_registrations (
		contractor_id INTEGER NOT NULL,
		event_id INTEGER NOT NULL,
		event_name TEXT NOT NULL DEFAULT '',
		event_date TEXT NOT NULL,
		event_status TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (contractor_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_event_registrations_date
		ON contractor_event_registrations(contractor_id, event_date);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, contractor_id, session_type, session_status,
		       session_data, version, started_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.ConciergeSession, error) {
	var session domain.ConciergeSession
	var sessionData sql.NullString
	var startedAt, updatedAt int64

	if err := row.Scan(
		&session.SessionID, &session.ContractorID, &session.SessionType, &session.SessionStatus,
		&sessionData, &session.Version, &startedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if sessionData.Valid {
		session.SessionData = &sessionData.String
	}
	session.StartedAt = time.UnixMilli(startedAt).UTC()
	session.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &session, nil
}

// GetConciergeSession retrieves a session by id.
func (s *SQLiteStore) GetConciergeSession(ctx context.Context, sessionID string) (*domain.ConciergeSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM ai_concierge_sessions WHERE session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan concierge session: %w", err)
	}
	return session, nil
}

// CreateConciergeSession inserts a new session row.
func (s *SQLiteStore) CreateConciergeSession(ctx context.Context, session *domain.ConciergeSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `
	INSERT INTO ai_concierge_sessions (
		session_id, contractor_id, session_type, session_status,
		session_data, version, started_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	startedAt := session.StartedAt
	if startedAt.IsZero() {
		startedAt = now()
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = startedAt
	}

	var sessionData interface{}
	if session.SessionData != nil {
		sessionData = *session.SessionData
	}

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.ContractorID, defaultString(session.SessionType, string(domain.AgentStandard)),
		defaultString(session.SessionStatus, domain.SessionStatusActive),
		sessionData, session.Version, startedAt.UnixMilli(), updatedAt.UnixMilli(),
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", session.SessionID, ErrDuplicateSession)
		}
		return fmt.Errorf("insert concierge session: %w", err)
	}
	return nil
}

// SaveSessionState writes the state snapshot and bumps the row version.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, update domain.SessionStateUpdate) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now()
	}

	query := `
		UPDATE ai_concierge_sessions
		SET session_type = ?, session_data = ?, version = version + 1, updated_at = ?
		WHERE session_id = ?`
	args := []interface{}{update.SessionType, update.SessionData, updatedAt.UnixMilli(), update.SessionID}

	if update.ExpectedVersion != domain.AnyVersion {
		query += ` AND version = ?`
		args = append(args, update.ExpectedVersion)
	}
	query += ` RETURNING version`

	var version int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.classifyMissedWrite(ctx, update)
	}
	if err != nil {
		return 0, fmt.Errorf("update session state: %w", err)
	}
	return version, nil
}

// classifyMissedWrite tells a missing row apart from a lost compare-and-swap.
func (s *SQLiteStore) classifyMissedWrite(ctx context.Context, update domain.SessionStateUpdate) error {
	var current int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM ai_concierge_sessions WHERE session_id = ?`, update.SessionID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Warn("SaveSessionState affected 0 rows", "session_id", update.SessionID)
		return fmt.Errorf("session %s: %w", update.SessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session version: %w", err)
	}
	slog.Warn("SaveSessionState lost optimistic lock",
		"session_id", update.SessionID,
		"expected_version", update.ExpectedVersion,
		"current_version", current)
	return fmt.Errorf("session %s expected version %d, found %d: %w",
		update.SessionID, update.ExpectedVersion, current, ErrVersionConflict)
}

// UpdateSessionStatus sets the lifecycle status of a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `UPDATE ai_concierge_sessions SET session_status = ?, updated_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, status, now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ListSessionsByContractor returns a contractor's sessions, newest first.
func (s *SQLiteStore) ListSessionsByContractor(ctx context.Context, contractorID int64, limit int) ([]*domain.ConciergeSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM ai_concierge_sessions WHERE contractor_id = ?
		ORDER BY started_at DESC, session_id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, contractorID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query contractor sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close contractor sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ConciergeSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contractor session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contractor sessions: %w", err)
	}
	return sessions, nil
}

// DeleteConciergeSession removes a session row.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) DeleteConciergeSession(ctx context.Context, sessionID string) error {
	err := shared.RetryOnConflict(ctx, "delete_concierge_session", 3, 100*time.Millisecond, func() error {
		return s.deleteSessionOnce(ctx, sessionID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete concierge session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) deleteSessionOnce(ctx context.Context, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM ai_concierge_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete concierge session: %w", err)
	}
	return nil
}

// UpsertEventRegistration creates or updates a contractor's registration.
func (s *SQLiteStore) UpsertEventRegistration(ctx context.Context, reg *domain.EventRegistration) error {
	query := `
	INSERT INTO contractor_event_registrations (
		contractor_id, event_id, event_name, event_date, event_status, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(contractor_id, event_id) DO UPDATE SET
		event_name = excluded.event_name,
		event_date = excluded.event_date,
		event_status = excluded.event_status,
		updated_at = excluded.updated_at`

	updatedAt := reg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now()
	}

	_, err := s.db.ExecContext(ctx, query,
		reg.ContractorID, reg.EventID, reg.EventName, storedEventDate(reg.EventDate), reg.EventStatus, updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert event registration: %w", err)
	}
	return nil
}

// ActiveEventRegistration returns the latest matching registration in the date window.
func (s *SQLiteStore) ActiveEventRegistration(ctx context.Context, contractorID int64, statuses []string, from, to string) (*domain.EventRegistration, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := `
		SELECT contractor_id, event_id, event_name, event_date, event_status, updated_at
		FROM contractor_event_registrations
		WHERE contractor_id = ?
		  AND event_status IN (` + placeholders + `)
		  AND event_date >= ? AND event_date <= ?
		ORDER BY event_date DESC, updated_at DESC
		LIMIT 1`

	args := make([]interface{}, 0, len(statuses)+3)
	args = append(args, contractorID)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, from, to)

	var reg domain.EventRegistration
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&reg.ContractorID, &reg.EventID, &reg.EventName, &reg.EventDate, &reg.EventStatus, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event registration: %w", err)
	}
	reg.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &reg, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
