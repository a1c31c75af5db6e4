// Package postgres implements the domain session on PostgreSQL with pgx, squirrel and scany.
package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entitykit/pkg/logger"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	DSN             string
	ApplicationName string

	// MaxConns of zero keeps the pgxpool default.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// SlowQuery is the duration from which a statement is logged at warn level.
	// Zero disables the check.
	SlowQuery time.Duration
}

// DefaultPoolConfig returns the settings used by the demo and the integration tests.
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		ApplicationName: "entitykit",
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		SlowQuery:       200 * time.Millisecond,
	}
}

// Pool is a pgx pool that counts slow statements.
type Pool struct {
	*pgxpool.Pool
	queries *queryTracer
}

// NewPool opens the pool and pings the server.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	if cfg.ApplicationName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	qt := newQueryTracer(cfg.SlowQuery, time.Now)
	pc.ConnConfig.Tracer = qt

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool, queries: qt}, nil
}

// Close closes all connections.
func (p *Pool) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// SlowQueries returns how many statements took at least PoolConfig.SlowQuery.
func (p *Pool) SlowQueries() int64 {
	if p.queries == nil {
		return 0
	}
	return p.queries.slow.Load()
}

// LogStats logs connection usage and the slow statement count.
func (p *Pool) LogStats(ctx context.Context) {
	stat := p.Stat()
	logger.Info(ctx, "database pool stats",
		"total", stat.TotalConns(),
		"acquired", stat.AcquiredConns(),
		"idle", stat.IdleConns(),
		"max", stat.MaxConns(),
		"acquire_count", stat.AcquireCount(),
		"acquire_duration", stat.AcquireDuration(),
		"slow_queries", p.SlowQueries(),
	)
}

// queryTracer implements pgx.QueryTracer.
type queryTracer struct {
	threshold time.Duration
	now       func() time.Time
	slow      atomic.Int64
}

var _ pgx.QueryTracer = (*queryTracer)(nil)

type queryStartKey struct{}

type queryStart struct {
	sql string
	at  time.Time
}

func newQueryTracer(threshold time.Duration, now func() time.Time) *queryTracer {
	return &queryTracer{threshold: threshold, now: now}
}

func (q *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if q.threshold <= 0 {
		return ctx
	}
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: q.now()})
}

func (q *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := q.now().Sub(start.at)
	if elapsed < q.threshold {
		return
	}
	q.slow.Add(1)
	logger.Warn(ctx, "slow query",
		"sql", shorten(start.sql, 200),
		"duration", elapsed,
		"rows", data.CommandTag.RowsAffected(),
		"error", data.Err,
	)
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
