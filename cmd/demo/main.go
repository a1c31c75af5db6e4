// Package main runs the entitykit scenarios against a PostgreSQL database.
//
//	DATABASE_URL=postgres://localhost/entitykit?sslmode=disable go run ./cmd/demo
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	appctx "entitykit/internal/core/context"
	"entitykit/internal/core/entity"
	"entitykit/internal/core/retry"
	"entitykit/internal/domain"
	"entitykit/internal/domain/filter"
	"entitykit/internal/infrastructure/storage/postgres"
	"entitykit/pkg/config"
	"entitykit/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx := logger.WithLogger(appctx.WithActor(context.Background(), "demo"), log)

	if err := run(ctx, cfg); err != nil {
		log.Fatalw("demo failed", "error", err)
	}
	log.Info("demo finished")
}

// app builds one session per unit of work.
type app struct {
	cfg      *config.Config
	txm      *postgres.TxManager
	registry *postgres.Registry
	journal  *postgres.AuditService
}

func (a *app) products() *domain.Service[*Product] {
	session := postgres.NewSession(postgres.SessionConfig{
		TxManager: a.txm,
		Registry:  a.registry,
		Journal:   a.journal,
	})
	repo := domain.MustRepository(domain.Config[*Product]{
		Session:       session,
		EntityName:    "product",
		Policy:        a.cfg.SavePolicy(),
		Delayer:       retry.NewJitter(a.cfg.SaveMaxJitter),
		FilterColumns: []string{"code", "name", "price", entity.ColumnCreatedAt},
	})
	return domain.NewService(domain.ServiceConfig[*Product]{
		Repo:      repo,
		TxManager: a.txm,
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.SlowQuery = cfg.DBSlowQuery
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, productsSchema); err != nil {
		return fmt.Errorf("create products table: %w", err)
	}

	a := &app{cfg: cfg, txm: postgres.NewTxManager(pool), registry: postgres.NewRegistry()}
	postgres.MustRegister[Product](a.registry, "products")

	if cfg.AuditEnabled {
		if _, err := pool.Exec(ctx, postgres.AuditSchema); err != nil {
			return fmt.Errorf("create audit table: %w", err)
		}
		if a.journal, err = postgres.NewAuditService(a.txm); err != nil {
			return err
		}
	}

	suffix := strconv.FormatInt(time.Now().UnixNano()%1_000_000, 36)
	steps := []struct {
		name string
		fn   func(context.Context, *app, string) error
	}{
		{"seed", seed},
		{"create", create},
		{"concurrent update", concurrentUpdate},
		{"soft delete and revive", deleteAndRevive},
		{"filtered view", filteredView},
	}
	for _, step := range steps {
		sctx, _ := appctx.StartTrace(ctx, step.name)
		logger.Info(sctx, "scenario started")
		if err := step.fn(sctx, a, suffix); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	pool.LogStats(ctx)
	return nil
}

// seed bulk-loads products with COPY.
func seed(ctx context.Context, a *app, suffix string) error {
	m, err := a.registry.Lookup(&Product{})
	if err != nil {
		return err
	}

	now := entity.SystemClock{}.Next()
	records := make([]any, 0, 3)
	for i, price := range []string{"4.50", "12.00", "99.90"} {
		p := &Product{
			Entity: entity.NewEntity(),
			Code:   fmt.Sprintf("seed%d-%s", i, suffix),
			Name:   fmt.Sprintf("Seeded product %d", i),
			Price:  decimal.RequireFromString(price),
		}
		p.SetCreated(now, appctx.GetUserID(ctx))
		records = append(records, p)
	}

	inserter := postgres.NewBatchInserter(a.txm)
	return a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		n, err := inserter.CopyRecords(ctx, m, records)
		if err != nil {
			return err
		}
		logger.Info(ctx, "seeded", "rows", n)
		return nil
	})
}

func create(ctx context.Context, a *app, suffix string) error {
	svc := a.products()

	bad := svc.Create(ctx, &Product{Code: "", Price: decimal.NewFromInt(-1)})
	logger.Info(ctx, "invalid product rejected", "errors", bad.Message())

	res := svc.Create(ctx, &Product{Code: "apple-" + suffix, Name: "Apple", Price: decimal.RequireFromString("1.20")})
	p, err := res.Unwrap()
	if err != nil {
		return err
	}
	logger.Info(ctx, "created", "id", p.ID, "version", p.Version.String())
	return nil
}

// concurrentUpdate lets bob commit between alice's read and alice's save.
func concurrentUpdate(ctx context.Context, a *app, suffix string) error {
	code := squirrel.Eq{"code": "apple-" + suffix}
	alice, bob := a.products(), a.products()

	mine, found, err := alice.Repository().Single(ctx, code, domain.WithTracking())
	if err != nil || !found {
		return fmt.Errorf("load product: found=%v: %w", found, err)
	}

	theirs, _, err := bob.Repository().Single(ctx, code, domain.WithTracking())
	if err != nil {
		return err
	}
	theirs.Price = decimal.RequireFromString("1.45")
	if err := bob.Repository().Save(appctx.WithActor(ctx, "bob"), nil); err != nil {
		return err
	}

	mine.Name = "Green apple"
	if err := alice.Repository().Update(ctx, mine); err != nil {
		return err
	}
	if err := alice.Repository().Save(ctx, domain.KeepPersisted("price")); err != nil {
		return err
	}
	logger.Info(ctx, "merged after conflict", "name", mine.Name, "price", mine.Price.String())

	// stale update through the service: bob's token is now outdated
	stale := *theirs
	stale.Name = "Red apple"
	updated, err := bob.Update(ctx, &stale, domain.PersistedWins).Unwrap()
	if err != nil {
		return err
	}
	logger.Info(ctx, "stale update resolved", "name", updated.Name)
	return nil
}

func deleteAndRevive(ctx context.Context, a *app, suffix string) error {
	svc := a.products()
	code := squirrel.Eq{"code": "apple-" + suffix}

	if _, err := svc.Delete(ctx, code).Unwrap(); err != nil {
		return err
	}
	_, found, err := svc.Repository().Get(ctx, code)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("deleted product is still visible")
	}
	all, err := svc.Repository().Find(ctx, code, domain.WithDeleted())
	if err != nil {
		return err
	}
	if len(all) != 1 || !all[0].IsDeleted() {
		return fmt.Errorf("expected one soft-deleted row, got %d", len(all))
	}
	logger.Info(ctx, "soft deleted", "deleted_at", all[0].DeletedAt, "deleted_by", all[0].DeletedBy)

	// an absent record is a no-op
	if err := svc.Repository().Delete(ctx, code); err != nil {
		return err
	}

	revived, err := svc.Repository().AddOrUpdate(ctx, &Product{
		Code:  "apple-" + suffix,
		Name:  "Apple (restocked)",
		Price: decimal.RequireFromString("1.30"),
	}, code)
	if err != nil {
		return err
	}
	if err := svc.Repository().Save(ctx, nil); err != nil {
		return err
	}
	logger.Info(ctx, "revived", "id", revived.ID, "deleted", revived.IsDeleted())

	if a.journal != nil {
		history, err := a.journal.GetEntityHistory(ctx, "products", revived.ID, 10)
		if err != nil {
			return err
		}
		for _, h := range history {
			logger.Info(ctx, "journal", "action", h.Action, "user", h.UserID, "changes", string(h.Changes))
		}
	}
	return nil
}

func filteredView(ctx context.Context, a *app, _ string) error {
	repo := a.products().Repository()
	list, err := repo.Query().
		Filter(filter.Item{Field: "price", Operator: filter.GreaterOrEqual, Value: 10}).
		OrderBy("-price", "code").
		Limit(5).
		List(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		logger.Info(ctx, "product", "code", p.Code, "price", p.Price.String())
	}
	return nil
}
