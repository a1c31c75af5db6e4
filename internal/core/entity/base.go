package entity

import (
	"time"

	"entitykit/internal/core/id"
)

// Base holds the primary key (UUIDv7).
type Base struct {
	ID id.ID `db:"id" json:"id"`
}

// NewBase creates a Base with a generated ID.
func NewBase() Base {
	return Base{ID: id.New()}
}

func (b *Base) GetID() id.ID { return b.ID }

func (b *Base) SetID(v id.ID) { b.ID = v }

// CreateAudit implements CreateAuditable.
type CreateAudit struct {
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	CreatedBy string    `db:"created_by" json:"createdBy,omitempty" validate:"max=50"`
}

func (a *CreateAudit) GetCreatedAt() time.Time { return a.CreatedAt }

func (a *CreateAudit) GetCreatedBy() string { return a.CreatedBy }

// SetCreated stamps the creation facet.
func (a *CreateAudit) SetCreated(at time.Time, by string) {
	a.CreatedAt = at
	a.CreatedBy = NormalizeActor(by)
}

// UpdateAudit implements UpdateAuditable.
type UpdateAudit struct {
	LastUpdatedAt *time.Time `db:"last_updated_at" json:"lastUpdatedAt,omitempty"`
	LastUpdatedBy *string    `db:"last_updated_by" json:"lastUpdatedBy,omitempty" validate:"omitempty,max=50"`
}

func (a *UpdateAudit) GetLastUpdatedAt() *time.Time { return a.LastUpdatedAt }

func (a *UpdateAudit) GetLastUpdatedBy() *string { return a.LastUpdatedBy }

// SetLastUpdated stamps the update facet.
func (a *UpdateAudit) SetLastUpdated(at time.Time, by string) {
	by = NormalizeActor(by)
	a.LastUpdatedAt = &at
	a.LastUpdatedBy = &by
}

// SoftDelete implements SoftDeletable.
// DeletedAt == nil means the record is active.
type SoftDelete struct {
	DeletedAt *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	DeletedBy *string    `db:"deleted_by" json:"deletedBy,omitempty" validate:"omitempty,max=50"`
}

func (s *SoftDelete) GetDeletedAt() *time.Time { return s.DeletedAt }

// IsDeleted returns true if entity has been soft-deleted.
func (s *SoftDelete) IsDeleted() bool { return s.DeletedAt != nil }

// MarkDeleted sets the deletion timestamp and actor.
func (s *SoftDelete) MarkDeleted(at time.Time, by string) {
	s.DeletedAt = &at
	if by == "" {
		s.DeletedBy = nil
		return
	}
	by = NormalizeActor(by)
	s.DeletedBy = &by
}

// Undelete clears the deletion mark.
func (s *SoftDelete) Undelete() {
	s.DeletedAt = nil
	s.DeletedBy = nil
}

// RowVersion implements RowVersioned.
type RowVersion struct {
	Version VersionToken `db:"row_version" json:"rowVersion,omitempty"`
}

func (v *RowVersion) GetRowVersion() VersionToken { return v.Version }

// SetRowVersion updates the token (used by the session after a successful write).
func (v *RowVersion) SetRowVersion(t VersionToken) { v.Version = t }

// Auditable combines identity with both audit facets.
type Auditable struct {
	Base
	CreateAudit
	UpdateAudit
}

// Entity carries every facet: identity, auditing, soft delete and row version.
type Entity struct {
	Base
	CreateAudit
	UpdateAudit
	SoftDelete
	RowVersion
}

// NewEntity creates an Entity with generated ID.
func NewEntity() Entity {
	return Entity{Base: NewBase()}
}
