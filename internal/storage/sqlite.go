package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:reqshield.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, placeholder: func(int) string { return "?" }}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			client_id TEXT NOT NULL,
			action TEXT NOT NULL,
			source TEXT NOT NULL,
			reason TEXT NOT NULL,
			score INTEGER NOT NULL,
			rule_ids_json TEXT NOT NULL,
			method TEXT,
			path TEXT,
			user_agent TEXT,
			monitored INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_client ON security_events(client_id)`,
		`CREATE TABLE IF NOT EXISTS traffic_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			total_requests INTEGER NOT NULL,
			rps REAL NOT NULL,
			unique_clients INTEGER NOT NULL,
			suspicious_ratio REAL NOT NULL,
			suspicious_patterns INTEGER NOT NULL,
			health TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traffic_snapshots_ts ON traffic_snapshots(ts)`,
	})
}
