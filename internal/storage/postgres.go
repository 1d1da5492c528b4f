package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/reqshield?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			client_id TEXT NOT NULL,
			action TEXT NOT NULL,
			source TEXT NOT NULL,
			reason TEXT NOT NULL,
			score INTEGER NOT NULL,
			rule_ids_json JSONB NOT NULL,
			method TEXT,
			path TEXT,
			user_agent TEXT,
			monitored BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_client ON security_events(client_id)`,
		`CREATE TABLE IF NOT EXISTS traffic_snapshots (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			total_requests BIGINT NOT NULL,
			rps DOUBLE PRECISION NOT NULL,
			unique_clients INTEGER NOT NULL,
			suspicious_ratio DOUBLE PRECISION NOT NULL,
			suspicious_patterns INTEGER NOT NULL,
			health TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traffic_snapshots_ts ON traffic_snapshots(ts)`,
	})
}
