package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitykit/internal/core/apperror"
	appctx "entitykit/internal/core/context"
	"entitykit/internal/core/entity"
	"entitykit/internal/core/id"
	"entitykit/internal/core/retry"
	"entitykit/internal/domain"
)

type item struct {
	entity.Entity
	Code string `db:"code"`
	Qty  int64  `db:"qty"`
}

type itemEnv struct {
	txm      *TxManager
	registry *Registry
	journal  *AuditService
	table    string
}

func setupItems(t *testing.T) *itemEnv {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" || testing.Short() {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, DefaultPoolConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	table := "ek_items_" + strings.ReplaceAll(id.New().String(), "-", "")[20:]
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			id uuid PRIMARY KEY,
			created_at timestamptz NOT NULL,
			created_by varchar(50) NOT NULL,
			last_updated_at timestamptz,
			last_updated_by varchar(50),
			deleted_at timestamptz,
			deleted_by varchar(50),
			row_version bytea,
			code text NOT NULL UNIQUE,
			qty bigint NOT NULL
		)`, table))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
	})

	_, err = pool.Exec(ctx, AuditSchema)
	require.NoError(t, err)

	env := &itemEnv{txm: NewTxManager(pool), registry: NewRegistry(), table: table}
	MustRegister[item](env.registry, table)
	env.journal, err = NewAuditService(env.txm)
	require.NoError(t, err)
	return env
}

func (e *itemEnv) repo(t *testing.T) *domain.Repository[*item] {
	t.Helper()
	s := NewSession(SessionConfig{TxManager: e.txm, Registry: e.registry, Journal: e.journal})
	r, err := domain.NewRepository(domain.Config[*item]{
		Session:    s,
		EntityName: "item",
		Policy:     &retry.Policy{MaxRetries: 2},
		Delayer:    retry.NoDelay,
	})
	require.NoError(t, err)
	return r
}

func TestIntegration_SaveAndReload(t *testing.T) {
	env := setupItems(t)
	ctx := appctx.WithActor(context.Background(), "alice")

	repo := env.repo(t)
	it := &item{Code: "A", Qty: 1}
	require.NoError(t, repo.Add(ctx, it))
	require.NoError(t, repo.Save(ctx, nil))
	require.False(t, it.Version.IsZero())

	got, found, err := env.repo(t).Get(ctx, domain.ByID(it.ID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", got.Code)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.True(t, got.Version.Equal(it.Version))
	assert.Nil(t, got.LastUpdatedAt)

	history, err := env.journal.GetEntityHistory(ctx, env.table, it.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, AuditActionCreate, history[0].Action)
}

func TestIntegration_ConflictResolvedByRetry(t *testing.T) {
	env := setupItems(t)
	ctx := context.Background()

	seed := env.repo(t)
	it := &item{Code: "B", Qty: 1}
	require.NoError(t, seed.Add(ctx, it))
	require.NoError(t, seed.Save(ctx, nil))

	alice, bob := env.repo(t), env.repo(t)
	mine, _, err := alice.Get(ctx, domain.ByID(it.ID), domain.WithTracking())
	require.NoError(t, err)
	theirs, _, err := bob.Get(ctx, domain.ByID(it.ID), domain.WithTracking())
	require.NoError(t, err)

	theirs.Qty = 5
	require.NoError(t, bob.Save(ctx, nil))

	mine.Code = "B2"
	require.NoError(t, alice.Update(ctx, mine))
	require.NoError(t, alice.Save(ctx, domain.KeepPersisted("qty")))

	final, _, err := env.repo(t).Get(ctx, domain.ByID(it.ID))
	require.NoError(t, err)
	assert.Equal(t, "B2", final.Code)
	assert.Equal(t, int64(5), final.Qty)
	assert.True(t, final.Version.Equal(mine.Version))
}

func TestIntegration_DeleteAndRevive(t *testing.T) {
	env := setupItems(t)
	ctx := appctx.WithActor(context.Background(), "carol")

	repo := env.repo(t)
	require.NoError(t, repo.Add(ctx, &item{Code: "C", Qty: 3}))
	require.NoError(t, repo.Save(ctx, nil))

	byCode := squirrel.Eq{"code": "C"}
	require.NoError(t, env.repo(t).Delete(ctx, byCode))

	_, found, err := env.repo(t).Get(ctx, byCode)
	require.NoError(t, err)
	assert.False(t, found)

	deleted, found, err := env.repo(t).Get(ctx, byCode, domain.WithDeleted())
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, deleted.DeletedBy)
	assert.Equal(t, "carol", *deleted.DeletedBy)

	reviver := env.repo(t)
	revived, err := reviver.AddOrUpdate(ctx, &item{Code: "C", Qty: 7}, byCode)
	require.NoError(t, err)
	require.NoError(t, reviver.Save(ctx, nil))
	assert.Equal(t, deleted.ID, revived.ID)

	got, found, err := env.repo(t).Get(ctx, byCode)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), got.Qty)
	assert.Nil(t, got.DeletedAt)
}

func TestIntegration_DeleteRemotelyDuringSave(t *testing.T) {
	env := setupItems(t)
	ctx := context.Background()

	repo := env.repo(t)
	it := &item{Code: "D", Qty: 1}
	require.NoError(t, repo.Add(ctx, it))
	require.NoError(t, repo.Save(ctx, nil))

	_, err := env.txm.pool.Exec(ctx, "DELETE FROM "+env.table+" WHERE id = $1", it.ID)
	require.NoError(t, err)

	it.Qty = 2
	require.NoError(t, repo.Update(ctx, it))
	err = repo.Save(ctx, nil)
	assert.True(t, apperror.IsEntityDeletedRemotely(err))
}

func TestIntegration_UniqueViolation(t *testing.T) {
	env := setupItems(t)
	ctx := context.Background()

	repo := env.repo(t)
	require.NoError(t, repo.Add(ctx, &item{Code: "E"}))
	require.NoError(t, repo.Add(ctx, &item{Code: "E"}))

	err := repo.Save(ctx, nil)
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict))

	all, err := env.repo(t).GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestIntegration_ReadOnlyRejectsWrites(t *testing.T) {
	env := setupItems(t)
	ctx := context.Background()

	err := env.txm.ReadOnly(ctx, func(ctx context.Context) error {
		_, err := env.txm.GetQuerier(ctx).Exec(ctx, "DELETE FROM "+env.table)
		return err
	})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "25006", pgErr.Code)

	// inside a write transaction the read joins it and sees uncommitted rows
	err = env.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		repo := env.repo(t)
		if err := repo.Add(ctx, &item{Code: "R", Qty: 1}); err != nil {
			return err
		}
		if err := repo.Save(ctx, nil); err != nil {
			return err
		}
		all, err := env.repo(t).GetAll(ctx)
		if err != nil {
			return err
		}
		assert.Len(t, all, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_SavepointKeepsOuterWork(t *testing.T) {
	env := setupItems(t)
	ctx := context.Background()
	boom := errors.New("inner failed")

	err := env.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		outer := env.repo(t)
		if err := outer.Add(ctx, &item{Code: "S1", Qty: 1}); err != nil {
			return err
		}
		if err := outer.Save(ctx, nil); err != nil {
			return err
		}

		inner := env.txm.RunInSavepoint(ctx, func(ctx context.Context) error {
			repo := env.repo(t)
			if err := repo.Add(ctx, &item{Code: "S2", Qty: 2}); err != nil {
				return err
			}
			if err := repo.Save(ctx, nil); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, inner, boom)
		return nil
	})
	require.NoError(t, err)

	all, err := env.repo(t).GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "S1", all[0].Code)
}
