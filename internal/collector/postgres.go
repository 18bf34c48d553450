package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Querier runs the collection query.
type Querier interface {
	Query(ctx context.Context, sql string) ([]Row, error)
	Close()
}

// QuerierFactory opens a Querier against dbname.
type QuerierFactory func(ctx context.Context, dbname string) (Querier, error)

// PostgresQuerier runs collection queries on a small pgx pool, each inside
// a read-only transaction.
type PostgresQuerier struct {
	log  logrus.FieldLogger
	pool *pgxpool.Pool
}

var _ Querier = (*PostgresQuerier)(nil)

// NewPostgresQuerier connects to dbname using dsn for everything else.
func NewPostgresQuerier(
	ctx context.Context,
	log logrus.FieldLogger,
	dsn string,
	dbname string,
) (*PostgresQuerier, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database dsn: %w", err)
	}

	if dbname != "" {
		cfg.ConnConfig.Database = dbname
	}

	cfg.MaxConns = 2
	cfg.ConnConfig.RuntimeParams["application_name"] = "pgtelemetry"

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(connCtx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("connecting to database %q: %w", cfg.ConnConfig.Database, err)
	}

	log.WithFields(logrus.Fields{
		"host":   cfg.ConnConfig.Host,
		"dbname": cfg.ConnConfig.Database,
	}).Info("Connected to PostgreSQL")

	return &PostgresQuerier{
		log:  log.WithField("component", "postgres"),
		pool: pool,
	}, nil
}

// PostgresQuerierFactory returns a QuerierFactory bound to dsn.
func PostgresQuerierFactory(log logrus.FieldLogger, dsn string) QuerierFactory {
	return func(ctx context.Context, dbname string) (Querier, error) {
		return NewPostgresQuerier(ctx, log, dsn, dbname)
	}
}

// Query runs sql in a read-only transaction and returns every row.
func (q *PostgresQuerier) Query(ctx context.Context, sql string) ([]Row, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read-only transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]Row, 0, 32)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}

		row := make(Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalize(values[i])
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return out, nil
}

// Close closes the pool.
func (q *PostgresQuerier) Close() {
	q.pool.Close()
}

// normalize converts pgx-specific values into plain Go types.
func normalize(v any) any {
	if n, ok := v.(pgtype.Numeric); ok {
		if !n.Valid {
			return nil
		}

		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}

		return f.Float64
	}

	return v
}
