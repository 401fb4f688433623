package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
)

type postgres struct {
	db      *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewPostgres connects to dsn and creates the status_journal table if needed.
func NewPostgres(ctx context.Context, dsn string) (Journal, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &postgres{db: pool, metrics: metrics.NewMetrics()}, nil
}

func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS status_journal (
		    seq BIGSERIAL PRIMARY KEY,
		    book_id TEXT NOT NULL,
		    element_id TEXT NOT NULL,
		    status TEXT NOT NULL,
		    percent INTEGER NOT NULL DEFAULT 0,
		    reason TEXT NOT NULL DEFAULT '',
		    playing TEXT NOT NULL,
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_status_journal_book_seq ON status_journal(book_id, seq);
		CREATE INDEX IF NOT EXISTS idx_status_journal_element ON status_journal(book_id, element_id, seq);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) Append(ctx context.Context, e Entry) (seq int64, err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveStorage("journal_append", err, time.Since(start)) }()

	query := `INSERT INTO status_journal (book_id, element_id, status, percent, reason, playing, occurred_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`
	err = p.db.QueryRow(ctx, query,
		e.BookID,
		e.ElementID,
		e.Status,
		e.Percent,
		e.Reason,
		e.Playing,
		e.At.UTC()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}
	return seq, nil
}

func (p *postgres) Entries(ctx context.Context, q Query) (_ *Page, err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveStorage("journal_list", err, time.Since(start)) }()

	after, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit)

	query := `SELECT seq, book_id, element_id, status, percent, reason, playing, occurred_at
	          FROM status_journal WHERE book_id = $1 AND seq > $2`
	args := []interface{}{q.BookID, after}
	if q.ElementID != "" {
		query += " AND element_id = $3"
		args = append(args, q.ElementID)
	}
	query += fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d", len(args)+1)
	args = append(args, limit+1)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.BookID, &e.ElementID, &e.Status, &e.Percent, &e.Reason, &e.Playing, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return page(entries, limit), nil
}
