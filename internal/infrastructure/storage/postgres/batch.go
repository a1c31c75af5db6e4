package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"entitykit/internal/core/entity"
)

// BatchQuery represents a query in a batch.
type BatchQuery struct {
	SQL  string
	Args []any
}

// BatchExecutor sends several statements in a single round-trip.
type BatchExecutor struct {
	txManager *TxManager
}

// NewBatchExecutor creates a new batch executor.
func NewBatchExecutor(txManager *TxManager) *BatchExecutor {
	return &BatchExecutor{txManager: txManager}
}

// ExecuteBatch executes queries in order and returns one command tag per query.
// It must run inside a transaction; the first failing statement aborts the batch.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, queries []BatchQuery) ([]pgconn.CommandTag, error) {
	tx := e.txManager.GetTx(ctx)
	if tx == nil {
		return nil, fmt.Errorf("ExecuteBatch requires transaction context")
	}

	batch := &pgx.Batch{}
	for _, q := range queries {
		batch.Queue(q.SQL, q.Args...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	tags := make([]pgconn.CommandTag, 0, len(queries))
	for i := range queries {
		tag, err := results.Exec()
		if err != nil {
			return nil, fmt.Errorf("batch query %d: %w", i, err)
		}
		tags = append(tags, tag)
	}

	return tags, nil
}

// BatchInserter provides bulk insert using the COPY protocol.
// Rows bypass the session: no stamping, no row version. Callers supply every value.
type BatchInserter struct {
	txManager *TxManager
}

// NewBatchInserter creates a new batch inserter.
func NewBatchInserter(txManager *TxManager) *BatchInserter {
	return &BatchInserter{txManager: txManager}
}

// CopyFromSlice performs bulk insert from a slice of rows.
func (b *BatchInserter) CopyFromSlice(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	tx := b.txManager.GetTx(ctx)
	if tx == nil {
		return 0, fmt.Errorf("CopyFromSlice requires transaction context")
	}

	return tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}

// CopyRecords bulk inserts records of a mapped type. Version tokens are generated for
// row-versioned types that lack one.
func (b *BatchInserter) CopyRecords(ctx context.Context, m *Mapping, records []any) (int64, error) {
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		if m.RowVersion {
			if rv, ok := rec.(entity.RowVersioned); ok && rv.GetRowVersion().IsZero() {
				rv.SetRowVersion(entity.NewVersionToken())
			}
		}
		values := StructToMap(rec)
		row := make([]any, len(m.Columns))
		for i, col := range m.Columns {
			row[i] = values[col]
		}
		rows = append(rows, row)
	}
	return b.CopyFromSlice(ctx, m.Table, m.Columns, rows)
}
