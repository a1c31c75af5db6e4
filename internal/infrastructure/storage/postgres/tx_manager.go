package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entitykit/internal/core/tx"
	"entitykit/pkg/logger"
)

var tracer = otel.Tracer("entitykit/postgres")

var _ tx.SavepointManager = (*TxManager)(nil)

const defaultStatementTimeout = 30 * time.Second

// TxOptions configures one transaction.
type TxOptions struct {
	IsoLevel   pgx.TxIsoLevel
	AccessMode pgx.TxAccessMode

	// StatementTimeout is applied with SET LOCAL. Zero keeps the server setting.
	StatementTimeout time.Duration

	// Savepoint isolates fn inside an already open transaction.
	Savepoint bool
}

func writeOptions() TxOptions {
	return TxOptions{
		IsoLevel:         pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: defaultStatementTimeout,
	}
}

// TxManager keeps the open transaction in the context. Sessions, the journal and the
// batch helpers pick it up from there, so every write of a unit of work shares one tx.
type TxManager struct {
	pool       *pgxpool.Pool
	savepoints atomic.Uint64
}

// NewTxManager creates a transaction manager over pool.
func NewTxManager(pool *Pool) *TxManager {
	return &TxManager{pool: pool.Pool}
}

type txKey struct{}

// Tx is the transaction carried in a context.
type Tx struct {
	pgx.Tx
}

// RunInTransaction runs fn in a read-write transaction, joining the one in ctx if any.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.Run(ctx, writeOptions(), fn)
}

// RunInSavepoint runs fn in a transaction. When one is already open, fn gets a savepoint
// and a failure rolls back only fn's writes.
func (m *TxManager) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := writeOptions()
	opts.Savepoint = true
	return m.Run(ctx, opts, fn)
}

// ReadOnly runs fn in a read-only transaction. Inside an open transaction fn joins it.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := writeOptions()
	opts.AccessMode = pgx.ReadOnly
	return m.Run(ctx, opts, fn)
}

// Run executes fn under opts.
func (m *TxManager) Run(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracer.Start(ctx, "postgres.tx", trace.WithAttributes(
		attribute.String("tx.isolation", string(opts.IsoLevel)),
		attribute.String("tx.access", string(opts.AccessMode)),
		attribute.Bool("tx.savepoint", opts.Savepoint),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if open := m.GetTx(ctx); open != nil {
		if !opts.Savepoint {
			return fn(ctx)
		}
		return m.savepoint(ctx, open, fn)
	}
	return m.begin(ctx, opts, fn)
}

func (m *TxManager) begin(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	t, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: opts.IsoLevel, AccessMode: opts.AccessMode})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if opts.StatementTimeout > 0 {
		stmt := "SET LOCAL statement_timeout = " + strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
		if _, err := t.Exec(ctx, stmt); err != nil {
			m.rollback(ctx, t, err)
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	if err := fn(context.WithValue(ctx, txKey{}, &Tx{Tx: t})); err != nil {
		m.rollback(ctx, t, err)
		return err
	}

	if err := t.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollback survives a cancelled ctx so the connection goes back to the pool clean.
func (m *TxManager) rollback(ctx context.Context, t pgx.Tx, cause error) {
	err := t.Rollback(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Error(ctx, "rollback failed", "error", err, "cause", cause)
	}
}

func (m *TxManager) savepoint(ctx context.Context, open *Tx, fn func(ctx context.Context) error) error {
	name := "sp_" + strconv.FormatUint(m.savepoints.Add(1), 10)
	if _, err := open.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := open.Exec(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			logger.Error(ctx, "rollback to savepoint failed", "savepoint", name, "error", rbErr)
		}
		return err
	}

	if _, err := open.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// GetTx returns the transaction carried by ctx, or nil.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{}).(*Tx); ok {
		return t
	}
	return nil
}

// Querier is what pgx transactions and the pool have in common.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetQuerier returns the open transaction, or the pool outside one.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t.Tx
	}
	return m.pool
}
