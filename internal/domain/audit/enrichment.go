// Package audit stamps the audit facets of records with the acting user and a timestamp.
package audit

import (
	"context"

	appctx "entitykit/internal/core/context"
	"entitykit/internal/core/entity"
)

// Actor returns the user ID from context or empty string.
func Actor(ctx context.Context) string {
	return appctx.GetUserID(ctx)
}

// Stamper fills created_* / last_updated_* on write. A nil Clock uses entity.SystemClock.
type Stamper struct {
	Clock entity.TimestampGenerator
}

func (s Stamper) now() entity.TimestampGenerator {
	if s.Clock == nil {
		return entity.SystemClock{}
	}
	return s.Clock
}

// Created stamps the creation facet. Returns false if record has none.
func (s Stamper) Created(ctx context.Context, record any) bool {
	e, ok := record.(entity.CreateAuditable)
	if !ok {
		return false
	}
	e.SetCreated(s.now().Next(), Actor(ctx))
	return true
}

// Updated stamps the update facet. Returns false if record has none.
func (s Stamper) Updated(ctx context.Context, record any) bool {
	e, ok := record.(entity.UpdateAuditable)
	if !ok {
		return false
	}
	e.SetLastUpdated(s.now().Next(), Actor(ctx))
	return true
}

// Deleted returns the column values of a soft delete performed now.
// deleted_by stays NULL when no actor is known.
func (s Stamper) Deleted(ctx context.Context) map[string]any {
	set := map[string]any{
		entity.ColumnDeletedAt: s.now().Next(),
		entity.ColumnDeletedBy: nil,
	}
	if actor := Actor(ctx); actor != "" {
		set[entity.ColumnDeletedBy] = entity.NormalizeActor(actor)
	}
	return set
}
