// Package storage persists security events and traffic snapshots to SQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reqshield/internal/config"
	"reqshield/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveEvents(ctx context.Context, events []model.SecurityEvent) error
	SaveSnapshot(ctx context.Context, snap model.TrafficSnapshot) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore holds the SQL shared by both drivers. placeholder renders the
// n-th bind parameter (1-based) in the driver's syntax.
type baseStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveEvents(ctx context.Context, events []model.SecurityEvent) error {
	if b.db == nil || len(events) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO security_events (event_id, ts, client_id, action, source, reason, score, rule_ids_json, method, path, user_agent, monitored)
		VALUES (`+b.binds(12)+`)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ID,
			formatTime(ev.Timestamp),
			ev.ClientID,
			ev.Action,
			string(ev.Source),
			ev.Reason,
			ev.Score,
			encodeJSON(ev.RuleIDs),
			ev.Method,
			ev.Path,
			ev.UserAgent,
			ev.Monitored,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveSnapshot(ctx context.Context, snap model.TrafficSnapshot) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO traffic_snapshots (ts, total_requests, rps, unique_clients, suspicious_ratio, suspicious_patterns, health)
		VALUES (`+b.binds(7)+`)`,
		formatTime(snap.Timestamp),
		snap.TotalRequests,
		snap.RequestsPerSecond,
		snap.UniqueClients,
		snap.SuspiciousRatio,
		snap.SuspiciousPatterns,
		snap.Health,
	)
	return err
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
