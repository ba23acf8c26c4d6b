package eventlog

import (
	"context"
	"strings"
)

// Store is the indexed event store backing recent-event queries and the
// meta_sessions table. Both the SQLite and Postgres implementations upgrade
// their schema by additive column migration on open.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	RecentEvents(ctx context.Context, metaSessionID string, limit int) ([]Event, error)
	UpsertMetaSession(ctx context.Context, ms *MetaSession) error
	GetMetaSession(ctx context.Context, metaSessionID string) (*MetaSession, error)
	Close() error
}

// NewFromDSN selects a store implementation by DSN. An empty DSN opens the
// SQLite store at sqlitePath; postgres:// and postgresql:// DSNs open the
// Postgres store; anything else is treated as a SQLite path.
func NewFromDSN(dsn, sqlitePath string) (Store, error) {
	switch {
	case dsn == "":
		return NewSQLite(sqlitePath)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(dsn)
	default:
		return NewSQLite(dsn)
	}
}
