package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens the store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			meta_session_id TEXT NOT NULL,
			created_at_epoch BIGINT NOT NULL,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_created
			ON events(meta_session_id, created_at_epoch DESC)`,
		`CREATE TABLE IF NOT EXISTS meta_sessions (
			meta_session_id TEXT PRIMARY KEY,
			project TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	additive := []struct{ table, column, def string }{
		{"events", "project", "TEXT NOT NULL DEFAULT ''"},
		{"events", "cwd", "TEXT NOT NULL DEFAULT ''"},
		{"events", "provider", "TEXT NOT NULL DEFAULT ''"},
		{"events", "schema_version", "INTEGER NOT NULL DEFAULT 1"},
		{"meta_sessions", "model", "TEXT NOT NULL DEFAULT ''"},
		{"meta_sessions", "brain_url", "TEXT NOT NULL DEFAULT ''"},
		{"meta_sessions", "gateway_session_id", "TEXT NOT NULL DEFAULT ''"},
		{"meta_sessions", "provider_session_id", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, a := range additive {
		if err := s.addColumnIfNotExists(a.table, a.column, a.def); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent stores one canonical event.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev Event) error {
	payload := "{}"
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (meta_session_id, created_at_epoch, ts, type, text, payload, project, cwd, provider, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.MetaSessionID, ts.UnixMilli(), ts.UTC().Format(time.RFC3339Nano),
		ev.Type, ev.Text, payload, ev.Project, ev.Cwd, ev.Provider, SchemaVersion)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events for a session, newest first.
func (s *PostgresStore) RecentEvents(ctx context.Context, metaSessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, type, text, payload, project, cwd, provider, schema_version
		FROM events WHERE meta_session_id = $1
		ORDER BY created_at_epoch DESC, id DESC LIMIT $2`,
		metaSessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts, payload string
		if err := rows.Scan(&ts, &ev.Type, &ev.Text, &payload, &ev.Project, &ev.Cwd, &ev.Provider, &ev.SchemaVersion); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.MetaSessionID = metaSessionID
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if payload != "" && payload != "{}" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertMetaSession inserts or updates the meta session row.
func (s *PostgresStore) UpsertMetaSession(ctx context.Context, ms *MetaSession) error {
	updated := ms.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta_sessions (meta_session_id, project, cwd, provider, model, brain_url, gateway_session_id, provider_session_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(meta_session_id) DO UPDATE SET
			project = EXCLUDED.project,
			cwd = EXCLUDED.cwd,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			brain_url = EXCLUDED.brain_url,
			gateway_session_id = EXCLUDED.gateway_session_id,
			provider_session_id = EXCLUDED.provider_session_id,
			updated_at = EXCLUDED.updated_at`,
		ms.MetaSessionID, ms.Project, ms.Cwd, ms.Provider, ms.Model, ms.BrainURL,
		ms.GatewaySessionID, ms.ProviderSessionID, updated)
	if err != nil {
		return fmt.Errorf("upsert meta session: %w", err)
	}
	return nil
}

// GetMetaSession returns one meta session, or nil when absent.
func (s *PostgresStore) GetMetaSession(ctx context.Context, metaSessionID string) (*MetaSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT meta_session_id, project, cwd, provider, model, brain_url, gateway_session_id, provider_session_id, updated_at
		FROM meta_sessions WHERE meta_session_id = $1`, metaSessionID)

	var ms MetaSession
	err := row.Scan(&ms.MetaSessionID, &ms.Project, &ms.Cwd, &ms.Provider, &ms.Model,
		&ms.BrainURL, &ms.GatewaySessionID, &ms.ProviderSessionID, &ms.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meta session: %w", err)
	}
	return &ms, nil
}

// Close closes the database.
func (s *PostgresStore) Close() error { return s.db.Close() }
