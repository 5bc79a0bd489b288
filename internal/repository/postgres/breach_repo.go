package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/infra"
)

// Schema - таблица журнала инцидентов сторожа.
const Schema = `
CREATE TABLE IF NOT EXISTS watchdog_events (
	id         UUID PRIMARY KEY,
	kind       TEXT        NOT NULL,
	detail     TEXT        NOT NULL DEFAULT '',
	count      INTEGER     NOT NULL DEFAULT 0,
	client_id  TEXT        NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS watchdog_events_timestamp_idx ON watchdog_events (timestamp DESC);`

// Количество колонок в таблице watchdog_events
const eventFields = 6

// BreachRepo пишет журнал сторожа в PostgreSQL.
type BreachRepo struct {
	db *sql.DB
}

var _ audit.Storage = (*BreachRepo)(nil)

func NewBreachRepo(cfg infra.DatabaseConfig) (*BreachRepo, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(int(cfg.MinConns))
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	return &BreachRepo{db: db}, nil
}

// Ping проверяет соединение при старте.
func (r *BreachRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureSchema создает таблицу, если ее нет.
func (r *BreachRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure watchdog_events schema: %w", err)
	}
	return nil
}

func (r *BreachRepo) Close() error {
	return r.db.Close()
}

func (r *BreachRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	query, vals := buildInsert(events)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("insert watchdog events: %w", err)
	}
	return nil
}

// Recent возвращает последние события журнала, новые первыми.
func (r *BreachRepo) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, detail, count, client_id, timestamp
		FROM watchdog_events
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query watchdog events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Detail, &e.Count, &e.ClientID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan watchdog event: %w", err)
		}
		e.Kind = audit.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// buildInsert динамически строит запрос пакетной вставки.
func buildInsert(events []audit.Event) (string, []interface{}) {
	var b strings.Builder
	b.WriteString("INSERT INTO watchdog_events (id, kind, detail, count, client_id, timestamp) VALUES ")

	vals := make([]interface{}, 0, len(events)*eventFields)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		p := i * eventFields
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6)
		vals = append(vals, e.ID, string(e.Kind), e.Detail, e.Count, e.ClientID, e.Timestamp)
	}
	return b.String(), vals
}
