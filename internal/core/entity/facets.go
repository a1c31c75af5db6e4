// Package entity provides the optional facets a persisted record may carry.
//
// Facets are detected by interface assertion, so a record type opts in by embedding
// the matching mixin (or implementing the methods itself). No common base type is required.
package entity

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"entitykit/internal/core/id"
)

// Column names shared by every mapped table.
const (
	ColumnID            = "id"
	ColumnCreatedAt     = "created_at"
	ColumnCreatedBy     = "created_by"
	ColumnLastUpdatedAt = "last_updated_at"
	ColumnLastUpdatedBy = "last_updated_by"
	ColumnDeletedAt     = "deleted_at"
	ColumnDeletedBy     = "deleted_by"
	ColumnRowVersion    = "row_version"
)

// MaxActorLength is the column width of created_by / last_updated_by / deleted_by.
const MaxActorLength = 50

// Validatable is implemented by entities that support self-validation.
// Validation checks internal invariants (without database access).
type Validatable interface {
	// Validate checks entity invariants.
	// Returns nil if valid, AppError with details otherwise.
	Validate(ctx context.Context) error
}

// Identifiable is implemented by records keyed by a generated ID.
type Identifiable interface {
	GetID() id.ID
	SetID(id.ID)
}

// CreateAuditable records who created a row and when. Both values are write-once.
type CreateAuditable interface {
	GetCreatedAt() time.Time
	GetCreatedBy() string
	SetCreated(at time.Time, by string)
}

// UpdateAuditable records the last successful update. Values are nil until the first update.
type UpdateAuditable interface {
	GetLastUpdatedAt() *time.Time
	GetLastUpdatedBy() *string
	SetLastUpdated(at time.Time, by string)
}

// SoftDeletable marks records as logically deleted instead of removing them.
type SoftDeletable interface {
	GetDeletedAt() *time.Time
	IsDeleted() bool
	MarkDeleted(at time.Time, by string)
	Undelete()
}

// RowVersioned carries an opaque token regenerated by the store on every write.
type RowVersioned interface {
	GetRowVersion() VersionToken
	SetRowVersion(VersionToken)
}

// VersionToken is the optimistic concurrency fence. Compare with Equal, never by content semantics.
type VersionToken []byte

// NewVersionToken returns a fresh token (UUIDv7 bytes).
func NewVersionToken() VersionToken {
	u := id.New()
	token := make(VersionToken, len(u))
	copy(token, u[:])
	return token
}

// Equal reports whether two tokens are identical.
func (t VersionToken) Equal(other VersionToken) bool {
	return bytes.Equal(t, other)
}

// IsZero reports whether the token was never assigned.
func (t VersionToken) IsZero() bool {
	return len(t) == 0
}

func (t VersionToken) String() string {
	return hex.EncodeToString(t)
}

// Value implements driver.Valuer (bytea).
func (t VersionToken) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return []byte(t), nil
}

// Scan implements sql.Scanner.
func (t *VersionToken) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = nil
	case []byte:
		*t = bytes.Clone(v)
	default:
		return fmt.Errorf("row version: cannot scan %T", src)
	}
	return nil
}

// NormalizeActor trims an actor identifier to MaxActorLength runes.
func NormalizeActor(actor string) string {
	if utf8.RuneCountInString(actor) <= MaxActorLength {
		return actor
	}
	runes := []rune(actor)
	return string(runes[:MaxActorLength])
}
