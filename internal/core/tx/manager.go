// Package tx provides the unit-of-work contract.
// Repositories and services depend on this interface; the PostgreSQL
// implementation lives in infrastructure/storage/postgres.
package tx

import (
	"context"
)

// Manager runs a function inside a store transaction.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// SavepointManager extends Manager with savepoint-isolated nested work.
// A failing fn rolls back only its own writes, even inside an outer transaction.
type SavepointManager interface {
	Manager

	RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// Func adapts a function to Manager.
type Func func(ctx context.Context, fn func(ctx context.Context) error) error

func (f Func) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Inline runs fn directly, without any transaction. Used by tests and read-only tooling.
var Inline Manager = Func(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
