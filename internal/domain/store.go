// Package domain provides the repository, view and service layers over a tracked session.
package domain

import (
	"context"
	"fmt"
	"maps"

	"github.com/Masterminds/squirrel"

	"entitykit/internal/core/entity"
)

// Predicate selects records. squirrel expressions (squirrel.Eq{"code": "USD"}) are the canonical form.
type Predicate = squirrel.Sqlizer

// PropertyValues is a column -> value snapshot of a record.
type PropertyValues map[string]any

// Clone returns a shallow copy.
func (v PropertyValues) Clone() PropertyValues {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Query is what a View hands to the session.
type Query struct {
	// Where predicates are combined with AND.
	Where   []Predicate
	OrderBy []string
	Limit   uint64

	// Track attaches the returned records to the session.
	Track bool
}

// EntryState is the change-tracking state of a record in a session.
type EntryState int

const (
	StateUnchanged EntryState = iota
	StateAdded
	StateModified
)

func (s EntryState) String() string {
	switch s {
	case StateAdded:
		return "added"
	case StateModified:
		return "modified"
	default:
		return "unchanged"
	}
}

// Entry is the session's view of one tracked record.
type Entry interface {
	// Record returns the tracked record (a struct pointer).
	Record() any
	State() EntryState

	// CurrentValues are the proposed values held in memory.
	CurrentValues() PropertyValues

	// OriginalValues are the values the store last had, as far as the session knows.
	// Updates are guarded against them.
	OriginalValues() PropertyValues

	// SetCurrentValues writes values back into the record.
	SetCurrentValues(values PropertyValues) error

	// SetOriginalValues re-anchors the concurrency baseline.
	SetOriginalValues(values PropertyValues)
}

// Session is a tracked data context over the store. One session serves one unit of work
// and is not safe for concurrent use.
type Session interface {
	// Select runs q and scans the rows into dest, a pointer to a slice of record pointers.
	Select(ctx context.Context, dest any, q Query) error

	// Add stages an insert. Columns in exclude are left to store defaults.
	Add(ctx context.Context, record any, exclude ...string) error

	// Update stages an update. Untracked records are attached with their current values as
	// the baseline. Columns in exclude are never written.
	Update(ctx context.Context, record any, exclude ...string) error

	// ConditionalUpdate applies set to every row of model's table matching where at execution
	// time and returns the affected-row count. It bypasses staging.
	ConditionalUpdate(ctx context.Context, model any, where Predicate, set map[string]any) (int64, error)

	// Commit writes all staged changes atomically. A record changed or removed since it was
	// read makes Commit write nothing and return *ConflictError.
	Commit(ctx context.Context) error

	// PersistedValues reloads the current store values of entry's record, or nil if the
	// record no longer exists.
	PersistedValues(ctx context.Context, entry Entry) (PropertyValues, error)

	// Values snapshots any record of a mapped type.
	Values(record any) (PropertyValues, error)

	// Entry returns the tracking entry of record.
	Entry(record any) (Entry, bool)

	// Entries returns every tracked entry in tracking order.
	Entries() []Entry

	// Discard drops all tracking state.
	Discard()
}

// ConflictError is returned by Session.Commit when staged records were modified concurrently.
type ConflictError struct {
	Entries []Entry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %d record(s)", len(e.Entries))
}

// VersionGuard matches rows whose row_version equals token.
func VersionGuard(token entity.VersionToken) Predicate {
	if token.IsZero() {
		return squirrel.Eq{entity.ColumnRowVersion: nil}
	}
	return squirrel.Eq{entity.ColumnRowVersion: []byte(token)}
}

// Active matches rows that are not soft-deleted.
func Active() Predicate {
	return squirrel.Eq{entity.ColumnDeletedAt: nil}
}

// ByID matches the primary key.
func ByID(v any) Predicate {
	return squirrel.Eq{entity.ColumnID: v}
}

// And combines predicates; nil entries are skipped.
func And(preds ...Predicate) Predicate {
	out := make(squirrel.And, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
