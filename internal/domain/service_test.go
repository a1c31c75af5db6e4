package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitykit/internal/core/apperror"
	appctx "entitykit/internal/core/context"
	"entitykit/internal/core/entity"
	"entitykit/internal/core/tx"
)

func newTestService(t *testing.T) (*Service[*product], *memSession) {
	t.Helper()
	s := newMemSession()
	repo, _ := newTestRepo(t, s)
	return NewService(ServiceConfig[*product]{Repo: repo}), s
}

func TestService_Create(t *testing.T) {
	svc, s := newTestService(t)

	var after int
	svc.Hooks().OnAfterCreate(func(context.Context, *product) error {
		after++
		return errors.New("ignored")
	})

	p := &product{Entity: entity.NewEntity(), Code: "EUR", Name: "Euro", Price: 5}
	res := svc.Create(context.Background(), p)

	require.True(t, res.Succeeded, res.Message())
	assert.Same(t, p, res.Value)
	assert.NotNil(t, s.row(p.ID))
	assert.Equal(t, 1, after)
}

func TestService_Create_ValidationFailure(t *testing.T) {
	svc, s := newTestService(t)

	res := svc.Create(context.Background(), &product{Code: "TOO-LONG-CODE"})
	require.True(t, res.Failed())
	assert.ElementsMatch(t, []string{"Code must be at most 10", "Name is required"}, res.Errors)
	assert.Zero(t, s.commits)

	res = svc.Create(context.Background(), &product{Code: "X", Name: "x", Price: -1})
	require.True(t, res.Failed())
	assert.Equal(t, []string{"price must not be negative"}, res.Errors)
}

func TestService_Create_BeforeHookVeto(t *testing.T) {
	svc, s := newTestService(t)
	svc.Hooks().OnBeforeCreate(func(context.Context, *product) error {
		return apperror.NewBusinessRule(apperror.CodeBusinessRule, "closed period")
	})

	res := svc.Create(context.Background(), &product{Code: "X", Name: "x"})
	require.True(t, res.Failed())
	assert.Equal(t, "closed period", res.Message())
	assert.Zero(t, s.commits)
}

func TestService_Create_RunsInTransaction(t *testing.T) {
	s := newMemSession()
	repo, _ := newTestRepo(t, s)

	var calls int
	txm := tx.Func(func(ctx context.Context, fn func(context.Context) error) error {
		calls++
		return fn(ctx)
	})
	svc := NewService(ServiceConfig[*product]{Repo: repo, TxManager: txm})

	res := svc.Create(context.Background(), &product{Code: "X", Name: "x"})
	require.True(t, res.Succeeded)
	assert.Equal(t, 1, calls)
}

func TestService_Update(t *testing.T) {
	svc, s := newTestService(t)
	seeded := s.seed(&product{Code: "A", Name: "alpha", Price: 1})

	in := &product{Code: "A", Name: "renamed", Price: 3}
	in.ID = seeded.ID

	res := svc.Update(context.Background(), in, nil)
	require.True(t, res.Succeeded, res.Message())
	assert.Equal(t, "renamed", res.Value.Name)
	assert.Equal(t, "renamed", s.row(seeded.ID).Name)
	assert.NotNil(t, s.row(seeded.ID).LastUpdatedAt)
}

func TestService_Update_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	in := &product{Entity: entity.NewEntity(), Code: "A", Name: "ghost"}
	res := svc.Update(context.Background(), in, nil)

	require.True(t, res.Failed())
	assert.True(t, apperror.IsNotFound(res.Err))
}

func TestService_Update_StaleVersionIsResolved(t *testing.T) {
	svc, s := newTestService(t)
	seeded := s.seed(&product{Code: "A", Name: "alpha", Price: 1})
	observed := s.row(seeded.ID).Version

	s.remoteWrite(seeded.ID, PropertyValues{"name": "remote"})

	in := &product{Code: "A", Name: "mine", Price: 1}
	in.ID = seeded.ID
	in.Version = observed

	res := svc.Update(context.Background(), in, PersistedWins)
	require.True(t, res.Succeeded, res.Message())
	assert.Equal(t, 2, s.commits)
	assert.Equal(t, "remote", s.row(seeded.ID).Name)

	res = svc.Update(context.Background(), &product{Entity: entity.Entity{Base: seeded.Base}, Code: "A", Name: "mine"}, nil)
	require.True(t, res.Succeeded, res.Message())
	assert.Equal(t, "mine", s.row(seeded.ID).Name)
}

func TestService_Delete(t *testing.T) {
	svc, s := newTestService(t)
	seeded := s.seed(&product{Code: "A", Name: "alpha"})

	var before *product
	svc.Hooks().OnBeforeDelete(func(_ context.Context, p *product) error {
		before = p
		return nil
	})

	res := svc.Delete(context.Background(), byCode("A"))
	require.True(t, res.Succeeded, res.Message())
	require.NotNil(t, before)
	assert.Equal(t, seeded.ID, before.ID)
	assert.NotNil(t, s.row(seeded.ID).DeletedAt)

	res = svc.Delete(context.Background(), byCode("A"))
	assert.True(t, apperror.IsNotFound(res.Err))
}

func TestService_Get(t *testing.T) {
	svc, s := newTestService(t)
	s.seed(&product{Code: "A", Name: "alpha"})

	res := svc.Get(context.Background(), byCode("A"))
	require.True(t, res.Succeeded)
	assert.Equal(t, "alpha", res.Value.Name)

	res = svc.Get(context.Background(), byCode("B"))
	require.True(t, res.Failed())
	assert.Equal(t, "product not found", res.Message())
}

func TestService_FailureDiscardsStagedChanges(t *testing.T) {
	svc, s := newTestService(t)
	s.commitErr = func(int) error { return errors.New("disk full") }

	res := svc.Create(context.Background(), &product{Code: "X", Name: "x"})
	require.True(t, res.Failed())
	assert.True(t, apperror.HasCode(res.Err, apperror.CodeDatabase))
	assert.Empty(t, s.Entries())
}

func TestService_CommitsUnderOperationTrace(t *testing.T) {
	svc, s := newTestService(t)

	p := &product{Entity: entity.NewEntity(), Code: "EUR", Name: "Euro"}
	require.True(t, svc.Create(context.Background(), p).Succeeded)

	seeded := s.seed(&product{Code: "A", Name: "alpha"})
	in := &product{Code: "A", Name: "renamed"}
	in.ID = seeded.ID
	require.True(t, svc.Update(context.Background(), in, nil).Succeeded)

	require.Len(t, s.traces, 2)
	require.NotNil(t, s.traces[0])
	require.NotNil(t, s.traces[1])
	assert.Equal(t, "create product", s.traces[0].Operation)
	assert.Equal(t, "update product", s.traces[1].Operation)
	assert.NotEqual(t, s.traces[0].TraceID, s.traces[1].TraceID)

	// a caller trace is kept
	ctx, outer := appctx.StartTrace(context.Background(), "import")
	in = &product{Code: "A", Name: "imported"}
	in.ID = seeded.ID
	require.True(t, svc.Update(ctx, in, nil).Succeeded)
	require.Len(t, s.traces, 3)
	assert.Same(t, outer, s.traces[2])
}
