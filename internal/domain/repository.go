package domain

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entitykit/internal/core/apperror"
	appctx "entitykit/internal/core/context"
	"entitykit/internal/core/entity"
	"entitykit/internal/core/retry"
	"entitykit/internal/domain/audit"
	"entitykit/internal/domain/filter"
	"entitykit/pkg/logger"
)

var tracer = otel.Tracer("entitykit/domain")

// Columns never written by an insert; the store leaves them at their defaults.
var insertExcluded = []string{
	entity.ColumnLastUpdatedAt,
	entity.ColumnLastUpdatedBy,
	entity.ColumnDeletedAt,
	entity.ColumnDeletedBy,
}

// Columns never written by an update.
var updateExcluded = []string{
	entity.ColumnCreatedAt,
	entity.ColumnCreatedBy,
}

// Columns a candidate never overwrites on an existing record.
var preservedOnUpsert = []string{
	entity.ColumnID,
	entity.ColumnRowVersion,
	entity.ColumnCreatedAt,
	entity.ColumnCreatedBy,
}

// RelatedLoader loads related data into records selected WithRelated.
type RelatedLoader[T any] func(ctx context.Context, records []T) error

// Config configures a Repository.
type Config[T any] struct {
	Session Session

	// EntityName is used in errors and logs. Defaults to the record type name.
	EntityName string

	// Clock stamps deleted_at. Defaults to entity.SystemClock.
	Clock entity.TimestampGenerator

	// Policy bounds the Save retry loop. Nil means retry.DefaultPolicy(); a zero Policy
	// commits once and never retries.
	Policy *retry.Policy

	// Delayer waits between conflict retries. Defaults to retry.NewJitter(Policy.MaxJitter).
	Delayer retry.Delayer

	// Related is run for queries built WithRelated.
	Related RelatedLoader[T]

	// FilterColumns whitelists the columns View.Filter accepts. Nil accepts any column name.
	FilterColumns []string
}

// Repository is a typed facade over a Session for records of type T (a struct pointer).
// Soft-deletable types are filtered to active rows unless a query asks WithDeleted.
type Repository[T any] struct {
	session    Session
	entityName string
	stamper    audit.Stamper
	policy     retry.Policy
	delayer    retry.Delayer
	related    RelatedLoader[T]
	filterCols filter.Columns

	softDeletable bool
	versioned     bool
}

// NewRepository creates a repository. T must be a pointer to a struct.
func NewRepository[T any](cfg Config[T]) (*Repository[T], error) {
	if cfg.Session == nil {
		return nil, apperror.NewInternal(errors.New("repository: session is required"))
	}

	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil || rt.Kind() != reflect.Pointer || rt.Elem().Kind() != reflect.Struct {
		return nil, apperror.NewInternal(fmt.Errorf("repository: %v is not a struct pointer", rt))
	}

	r := &Repository[T]{
		session:    cfg.Session,
		entityName: cfg.EntityName,
		stamper:    audit.Stamper{Clock: cfg.Clock},
		policy:     retry.DefaultPolicy(),
		delayer:    cfg.Delayer,
		related:    cfg.Related,
	}
	if r.entityName == "" {
		r.entityName = rt.Elem().Name()
	}
	if cfg.Policy != nil {
		r.policy = *cfg.Policy
	}
	if r.delayer == nil {
		r.delayer = retry.NewJitter(r.policy.MaxJitter)
	}
	if cfg.FilterColumns != nil {
		r.filterCols = filter.NewColumns(cfg.FilterColumns...)
	}

	_, r.softDeletable = any(zero).(entity.SoftDeletable)
	_, r.versioned = any(zero).(entity.RowVersioned)

	return r, nil
}

// MustRepository is NewRepository that panics on misconfiguration.
func MustRepository[T any](cfg Config[T]) *Repository[T] {
	r, err := NewRepository(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// EntityName returns the name used in errors.
func (r *Repository[T]) EntityName() string { return r.entityName }

// Session returns the underlying session.
func (r *Repository[T]) Session() Session { return r.session }

// Query starts a composable query over T.
func (r *Repository[T]) Query(opts ...QueryOption) *View[T] {
	v := &View[T]{repo: r}
	for _, opt := range opts {
		opt(&v.options)
	}
	return v
}

// Get returns the first record matching pred, or found == false.
func (r *Repository[T]) Get(ctx context.Context, pred Predicate, opts ...QueryOption) (T, bool, error) {
	return r.Query(opts...).Where(pred).First(ctx)
}

// Single returns the only record matching pred. More than one match is a MultipleMatches error.
func (r *Repository[T]) Single(ctx context.Context, pred Predicate, opts ...QueryOption) (T, bool, error) {
	return r.Query(opts...).Where(pred).Single(ctx)
}

// Find returns every record matching pred.
func (r *Repository[T]) Find(ctx context.Context, pred Predicate, opts ...QueryOption) ([]T, error) {
	return r.Query(opts...).Where(pred).List(ctx)
}

// GetAll returns every record.
func (r *Repository[T]) GetAll(ctx context.Context, opts ...QueryOption) ([]T, error) {
	return r.Query(opts...).List(ctx)
}

// Add stages value for insertion. Nothing is written until Save.
func (r *Repository[T]) Add(ctx context.Context, value T) error {
	return r.session.Add(ctx, value, insertExcluded...)
}

// Update stages value for update. An untracked value is guarded by the row version it carries.
func (r *Repository[T]) Update(ctx context.Context, value T) error {
	return r.session.Update(ctx, value, updateExcluded...)
}

// AddOrUpdate stages value as an update of the single record matching pred, or as an insert
// when there is none. A soft-deleted match is revived. The returned record is the one staged.
func (r *Repository[T]) AddOrUpdate(ctx context.Context, value T, pred Predicate) (T, error) {
	existing, found, err := r.Single(ctx, pred, WithTracking(), WithDeleted())
	if err != nil {
		return existing, err
	}
	if !found {
		return value, r.Add(ctx, value)
	}
	if err := r.overwrite(ctx, existing, value); err != nil {
		return existing, err
	}
	return existing, nil
}

// overwrite copies value onto the tracked existing record and stages the update.
func (r *Repository[T]) overwrite(ctx context.Context, existing, value T) error {
	entry, ok := r.session.Entry(existing)
	if !ok {
		return apperror.NewInternal(fmt.Errorf("%s: record is not tracked", r.entityName))
	}
	candidate, err := r.session.Values(value)
	if err != nil {
		return err
	}
	for _, col := range preservedOnUpsert {
		delete(candidate, col)
	}
	if r.softDeletable {
		candidate[entity.ColumnDeletedAt] = nil
		candidate[entity.ColumnDeletedBy] = nil
	}

	merged := entry.CurrentValues()
	for col, v := range candidate {
		merged[col] = v
	}
	if err := entry.SetCurrentValues(merged); err != nil {
		return apperror.NewInternal(err).WithDetail("entity", r.entityName)
	}
	return r.session.Update(ctx, existing, updateExcluded...)
}

// Delete soft-deletes the single record matching pred. No match is a no-op.
//
// The write is applied immediately as a conditional update. For row-versioned records it only
// matches while the row still carries the version read here; otherwise a ConcurrentModification
// error is returned and the delete is not retried.
func (r *Repository[T]) Delete(ctx context.Context, pred Predicate) error {
	if !r.softDeletable {
		return apperror.NewBusinessRule(apperror.CodeBusinessRule,
			fmt.Sprintf("%s does not support soft delete", r.entityName)).WithDetail("entity", r.entityName)
	}
	ctx, _ = appctx.StartTrace(ctx, "delete "+r.entityName)

	existing, found, err := r.Single(ctx, pred)
	if err != nil || !found {
		return err
	}

	values, err := r.session.Values(existing)
	if err != nil {
		return err
	}
	key := values[entity.ColumnID]

	where := Predicate(ByID(key))
	if r.versioned {
		token := r.observedVersion(key, any(existing).(entity.RowVersioned).GetRowVersion())
		where = And(where, VersionGuard(token))
	}

	n, err := r.session.ConditionalUpdate(ctx, existing, where, r.stamper.Deleted(ctx))
	if err != nil {
		return err
	}
	if n == 0 && r.versioned {
		return apperror.NewConcurrentModification(r.entityName, key)
	}

	logger.Debug(ctx, "record soft-deleted", "entity", r.entityName, "id", key)
	return nil
}

// observedVersion is the row version this session last saw for key. A record tracked since an
// earlier read keeps the token of that read, so a delete cannot pass over a change made meanwhile.
func (r *Repository[T]) observedVersion(key any, fetched entity.VersionToken) entity.VersionToken {
	for _, e := range r.session.Entries() {
		if e.State() == StateAdded {
			continue
		}
		if _, ok := e.Record().(T); !ok {
			continue
		}
		original := e.OriginalValues()
		if original[entity.ColumnID] != key {
			continue
		}
		if token, ok := original[entity.ColumnRowVersion].(entity.VersionToken); ok {
			return token
		}
	}
	return fetched
}

// Save commits staged changes. On a concurrency conflict each conflicting record is reloaded,
// merged by resolve (nil means ProposedWins) and re-anchored to the persisted values, and the
// commit is retried after a jittered delay, up to Policy.MaxRetries times.
func (r *Repository[T]) Save(ctx context.Context, resolve ResolveFunc) error {
	if resolve == nil {
		resolve = ProposedWins
	}

	ctx, span := tracer.Start(ctx, "repository.save",
		trace.WithAttributes(attribute.String("entity", r.entityName)),
	)
	defer span.End()
	ctx, _ = appctx.StartTrace(ctx, "save "+r.entityName)

	for attempt := 0; ; attempt++ {
		err := r.session.Commit(ctx)
		if err == nil {
			span.SetAttributes(attribute.Int("save.attempts", attempt+1))
			return nil
		}

		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		if attempt >= r.policy.MaxRetries {
			logger.Error(ctx, "concurrency conflict not resolved",
				"entity", r.entityName,
				"attempts", attempt+1,
			)
			span.SetStatus(codes.Error, "retries exhausted")
			return apperror.NewRetriesExhausted(r.entityName, attempt+1).WithCause(err)
		}

		logger.Warn(ctx, "concurrency conflict, resolving",
			"entity", r.entityName,
			"attempt", attempt+1,
			"records", len(conflict.Entries),
		)
		span.AddEvent("conflict", trace.WithAttributes(
			attribute.Int("attempt", attempt+1),
			attribute.Int("records", len(conflict.Entries)),
		))

		if err := r.resolveConflicts(ctx, conflict.Entries, resolve); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		if err := r.delayer.Delay(ctx, attempt+1); err != nil {
			return apperror.NewTimeout(err).WithDetail("entity", r.entityName)
		}
	}
}

func (r *Repository[T]) resolveConflicts(ctx context.Context, entries []Entry, resolve ResolveFunc) error {
	for _, e := range entries {
		if _, ok := e.Record().(T); !ok {
			return apperror.NewUnsupportedConflictEntity(r.entityName, fmt.Sprintf("%T", e.Record()))
		}

		persisted, err := r.session.PersistedValues(ctx, e)
		if err != nil {
			return fmt.Errorf("reload %s: %w", r.entityName, err)
		}
		if persisted == nil {
			return apperror.NewEntityDeletedRemotely(r.entityName, e.OriginalValues()[entity.ColumnID])
		}

		final := resolve(e.CurrentValues(), persisted.Clone())
		if err := e.SetCurrentValues(final); err != nil {
			return apperror.NewInternal(err).WithDetail("entity", r.entityName)
		}
		e.SetOriginalValues(persisted)
	}
	return nil
}

// Discard drops staged changes.
func (r *Repository[T]) Discard() {
	r.session.Discard()
}
