package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"entitykit/internal/core/apperror"
	appctx "entitykit/internal/core/context"
	"entitykit/internal/core/entity"
	"entitykit/internal/core/result"
	"entitykit/internal/core/tx"
	"entitykit/pkg/logger"
)

// ServiceConfig configures the service.
type ServiceConfig[T any] struct {
	Repo *Repository[T]

	// TxManager wraps each flow. Nil runs without a transaction.
	TxManager tx.Manager

	// Identity selects the stored record a value updates. Defaults to matching the id column.
	Identity func(T) Predicate

	// Validator checks `validate` struct tags. Defaults to a shared instance.
	Validator *validator.Validate
}

// Service runs validated create / update / delete flows over a repository and reports
// outcomes as result.Result.
type Service[T any] struct {
	repo      *Repository[T]
	txManager tx.Manager
	identity  func(T) Predicate
	validate  *validator.Validate
	hooks     *HookRegistry[T]
}

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// NewService creates a new service.
func NewService[T any](cfg ServiceConfig[T]) *Service[T] {
	s := &Service[T]{
		repo:      cfg.Repo,
		txManager: cfg.TxManager,
		identity:  cfg.Identity,
		validate:  cfg.Validator,
		hooks:     NewHookRegistry[T](),
	}
	if s.txManager == nil {
		s.txManager = tx.Inline
	}
	if s.validate == nil {
		s.validate = defaultValidator
	}
	if s.identity == nil {
		s.identity = s.byID
	}
	return s
}

// Hooks returns the hook registry for external registration.
func (s *Service[T]) Hooks() *HookRegistry[T] {
	return s.hooks
}

// Repository returns the underlying repository.
func (s *Service[T]) Repository() *Repository[T] {
	return s.repo
}

func (s *Service[T]) byID(value T) Predicate {
	values, err := s.repo.session.Values(value)
	if err != nil {
		return nil
	}
	return ByID(values[entity.ColumnID])
}

// Validate runs struct tag validation followed by entity.Validatable.
// All tag violations are reported together.
func (s *Service[T]) Validate(ctx context.Context, value T) []string {
	var msgs []string

	if err := s.validate.StructCtx(ctx, value); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			msgs = append(msgs, describe(fe))
		}
	}
	if len(msgs) > 0 {
		return msgs
	}

	if v, ok := any(value).(entity.Validatable); ok {
		if err := v.Validate(ctx); err != nil {
			return result.FromError[T](err).Errors
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must have length %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// Create validates value and inserts it.
func (s *Service[T]) Create(ctx context.Context, value T) result.Result[T] {
	ctx, _ = appctx.StartTrace(ctx, "create "+s.repo.entityName)

	// 1. Validate
	if msgs := s.Validate(ctx, value); len(msgs) > 0 {
		return result.Failure[T](msgs...)
	}

	// 2. Before-create hooks
	if err := s.hooks.Run(ctx, BeforeCreate, value); err != nil {
		return result.FromError[T](err)
	}

	// 3. Insert in transaction
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Add(ctx, value); err != nil {
			return err
		}
		return s.repo.Save(ctx, nil)
	})
	if err != nil {
		s.repo.Discard()
		return result.FromError[T](s.wrap("create", err))
	}

	// 4. After-create hooks (outside transaction)
	s.runAfter(ctx, AfterCreate, value)

	return result.Success(value)
}

// Update validates value and applies it to the stored record selected by Identity.
// If value carries a row version, it is the version the caller observed: a newer stored
// version is handled as a conflict and merged by resolve (nil means ProposedWins).
func (s *Service[T]) Update(ctx context.Context, value T, resolve ResolveFunc) result.Result[T] {
	ctx, _ = appctx.StartTrace(ctx, "update "+s.repo.entityName)

	if msgs := s.Validate(ctx, value); len(msgs) > 0 {
		return result.Failure[T](msgs...)
	}

	if err := s.hooks.Run(ctx, BeforeUpdate, value); err != nil {
		return result.FromError[T](err)
	}

	var updated T
	err := s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		existing, found, err := s.repo.Single(ctx, s.identity(value), WithTracking())
		if err != nil {
			return err
		}
		if !found {
			return apperror.NewNotFound(s.repo.entityName, s.describeKey(value))
		}

		if err := s.anchorObservedVersion(existing, value); err != nil {
			return err
		}
		if err := s.repo.overwrite(ctx, existing, value); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, resolve); err != nil {
			return err
		}
		updated = existing
		return nil
	})
	if err != nil {
		s.repo.Discard()
		return result.FromError[T](s.wrap("update", err))
	}

	s.runAfter(ctx, AfterUpdate, updated)

	return result.Success(updated)
}

// anchorObservedVersion makes the caller's row version the concurrency baseline of existing.
func (s *Service[T]) anchorObservedVersion(existing, value T) error {
	rv, ok := any(value).(entity.RowVersioned)
	if !ok || rv.GetRowVersion().IsZero() {
		return nil
	}
	entry, ok := s.repo.session.Entry(existing)
	if !ok {
		return apperror.NewInternal(fmt.Errorf("%s: record is not tracked", s.repo.entityName))
	}
	original := entry.OriginalValues()
	original[entity.ColumnRowVersion] = rv.GetRowVersion()
	entry.SetOriginalValues(original)
	return nil
}

// Delete soft-deletes the single record matching pred.
func (s *Service[T]) Delete(ctx context.Context, pred Predicate) result.Result[T] {
	ctx, _ = appctx.StartTrace(ctx, "delete "+s.repo.entityName)

	existing, found, err := s.repo.Single(ctx, pred)
	if err != nil {
		return result.FromError[T](err)
	}
	if !found {
		return result.FromError[T](apperror.NewNotFound(s.repo.entityName, describePredicate(pred)))
	}

	if err := s.hooks.Run(ctx, BeforeDelete, existing); err != nil {
		return result.FromError[T](err)
	}

	err = s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.repo.Delete(ctx, pred)
	})
	if err != nil {
		return result.FromError[T](s.wrap("delete", err))
	}

	s.runAfter(ctx, AfterDelete, existing)

	return result.Success(existing)
}

// Get returns the first active record matching pred.
func (s *Service[T]) Get(ctx context.Context, pred Predicate) result.Result[T] {
	value, found, err := s.repo.Get(ctx, pred)
	if err != nil {
		return result.FromError[T](s.wrap("get", err))
	}
	if !found {
		return result.FromError[T](apperror.NewNotFound(s.repo.entityName, describePredicate(pred)))
	}
	return result.Success(value)
}

func (s *Service[T]) runAfter(ctx context.Context, event HookEvent, value T) {
	if err := s.hooks.Run(ctx, event, value); err != nil {
		// The unit of work is already committed.
		logger.Warn(ctx, "after hook failed",
			"entity", s.repo.entityName,
			"event", string(event),
			"error", err,
		)
	}
}

// wrap keeps AppErrors as they are and turns anything else into a database error.
func (s *Service[T]) wrap(op string, err error) error {
	if apperror.IsAppError(err) {
		return err
	}
	return apperror.NewDatabase(fmt.Errorf("%s %s: %w", op, s.repo.entityName, err))
}

func (s *Service[T]) describeKey(value T) any {
	values, err := s.repo.session.Values(value)
	if err != nil {
		return nil
	}
	return values[entity.ColumnID]
}

func describePredicate(pred Predicate) string {
	if pred == nil {
		return ""
	}
	sql, args, err := pred.ToSql()
	if err != nil {
		return ""
	}
	for _, a := range args {
		sql = strings.Replace(sql, "?", fmt.Sprint(a), 1)
	}
	return sql
}
