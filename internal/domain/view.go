package domain

import (
	"context"
	"fmt"
	"slices"

	"entitykit/internal/core/apperror"
	"entitykit/internal/domain/filter"
)

type queryOptions struct {
	related bool
	track   bool
	deleted bool
}

// QueryOption adjusts how a View reads.
type QueryOption func(*queryOptions)

// WithRelated runs the repository's related-data loader on the result.
func WithRelated() QueryOption {
	return func(o *queryOptions) { o.related = true }
}

// WithTracking attaches results to the session so they can be changed and saved.
func WithTracking() QueryOption {
	return func(o *queryOptions) { o.track = true }
}

// WithDeleted includes soft-deleted records.
func WithDeleted() QueryOption {
	return func(o *queryOptions) { o.deleted = true }
}

// View is a lazily evaluated query. Builder methods return a new View.
type View[T any] struct {
	repo    *Repository[T]
	options queryOptions
	where   []Predicate
	orderBy []string
	limit   uint64
	err     error
}

func (v *View[T]) clone() *View[T] {
	c := *v
	c.where = slices.Clone(v.where)
	c.orderBy = slices.Clone(v.orderBy)
	return &c
}

// Where narrows the view. A nil predicate matches everything.
func (v *View[T]) Where(pred Predicate) *View[T] {
	c := v.clone()
	if pred != nil {
		c.where = append(c.where, pred)
	}
	return c
}

// Filter narrows the view by filter rows. Invalid rows surface as an error on execution.
func (v *View[T]) Filter(items ...filter.Item) *View[T] {
	c := v.clone()
	pred, err := filter.ToPredicate(items, v.repo.filterCols)
	if err != nil {
		c.err = err
		return c
	}
	if pred != nil {
		c.where = append(c.where, pred)
	}
	return c
}

// OrderBy appends sort keys: "name" ascending, "-created_at" descending.
func (v *View[T]) OrderBy(clauses ...string) *View[T] {
	c := v.clone()
	c.orderBy = append(c.orderBy, clauses...)
	return c
}

// Limit caps the number of rows.
func (v *View[T]) Limit(n uint64) *View[T] {
	c := v.clone()
	c.limit = n
	return c
}

// Query returns the store query this view runs.
func (v *View[T]) Query() Query {
	where := slices.Clone(v.where)
	if v.repo.softDeletable && !v.options.deleted {
		where = append(where, Active())
	}
	return Query{
		Where:   where,
		OrderBy: slices.Clone(v.orderBy),
		Limit:   v.limit,
		Track:   v.options.track,
	}
}

// List executes the view.
func (v *View[T]) List(ctx context.Context) ([]T, error) {
	if v.err != nil {
		return nil, v.err
	}

	var out []T
	if err := v.repo.session.Select(ctx, &out, v.Query()); err != nil {
		return nil, fmt.Errorf("select %s: %w", v.repo.entityName, err)
	}

	if v.options.related && v.repo.related != nil && len(out) > 0 {
		if err := v.repo.related(ctx, out); err != nil {
			return nil, fmt.Errorf("load related %s: %w", v.repo.entityName, err)
		}
	}
	return out, nil
}

// First returns the first record of the view.
func (v *View[T]) First(ctx context.Context) (T, bool, error) {
	var zero T
	items, err := v.Limit(1).List(ctx)
	if err != nil || len(items) == 0 {
		return zero, false, err
	}
	return items[0], true, nil
}

// Single returns the only record of the view. More than one is a MultipleMatches error.
func (v *View[T]) Single(ctx context.Context) (T, bool, error) {
	var zero T
	items, err := v.Limit(2).List(ctx)
	if err != nil || len(items) == 0 {
		return zero, false, err
	}
	if len(items) > 1 {
		return zero, false, apperror.NewMultipleMatches(v.repo.entityName)
	}
	return items[0], true, nil
}
