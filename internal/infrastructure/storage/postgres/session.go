package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"entitykit/internal/core/apperror"
	"entitykit/internal/core/entity"
	"entitykit/internal/core/id"
	"entitykit/internal/core/tx"
	"entitykit/internal/domain"
	"entitykit/internal/domain/audit"
	"entitykit/pkg/logger"
)

var _ domain.Session = (*Session)(nil)

var sortKey = regexp.MustCompile(`^[-+]?[a-z_][a-z0-9_]*$`)

type batchExecutor interface {
	ExecuteBatch(ctx context.Context, queries []BatchQuery) ([]pgconn.CommandTag, error)
}

type readRunner interface {
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	TxManager *TxManager
	Registry  *Registry

	// Clock stamps created_at / last_updated_at. Defaults to entity.SystemClock.
	Clock entity.TimestampGenerator

	// Journal records every committed change when set.
	Journal *AuditService
}

// Session is the PostgreSQL implementation of domain.Session.
//
// Staged inserts and updates are sent as one batch inside a savepoint. Updates are guarded by
// the key and, for row-versioned types, the row version the session last saw; a guarded update
// that matches no row is a conflict and the whole commit is rolled back.
type Session struct {
	txm      tx.SavepointManager
	reads    readRunner
	db       querierSource
	batch    batchExecutor
	registry *Registry
	stamper  audit.Stamper
	journal  *AuditService

	entries  []*trackedEntry
	byRecord map[any]*trackedEntry
	byKey    map[identity]*trackedEntry
}

type identity struct {
	table string
	key   string
}

// NewSession creates a session. One session serves one unit of work.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		txm:      cfg.TxManager,
		reads:    cfg.TxManager,
		db:       cfg.TxManager,
		batch:    NewBatchExecutor(cfg.TxManager),
		registry: cfg.Registry,
		stamper:  audit.Stamper{Clock: cfg.Clock},
		journal:  cfg.Journal,
	}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.entries = nil
	s.byRecord = make(map[any]*trackedEntry)
	s.byKey = make(map[identity]*trackedEntry)
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// --- Reads ---

// read runs fn in a read-only transaction, or in the one already open.
func (s *Session) read(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.reads == nil {
		return fn(ctx)
	}
	return s.reads.ReadOnly(ctx, fn)
}

// Select implements domain.Session.
func (s *Session) Select(ctx context.Context, dest any, q domain.Query) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("select: dest must be a pointer to a slice, got %T", dest)
	}
	slice := dv.Elem()
	elem := slice.Type().Elem()
	if elem.Kind() != reflect.Pointer {
		return fmt.Errorf("select: dest elements must be struct pointers, got %s", elem)
	}

	m, err := s.registry.lookupType(elem)
	if err != nil {
		return err
	}

	sql, args, err := buildSelect(m, q)
	if err != nil {
		return err
	}

	err = s.read(ctx, func(ctx context.Context) error {
		return pgxscan.Select(ctx, s.db.GetQuerier(ctx), dest, sql, args...)
	})
	if err != nil {
		return fmt.Errorf("select %s: %w", m.Table, err)
	}

	if q.Track {
		for i := 0; i < slice.Len(); i++ {
			tracked := s.attach(m, slice.Index(i).Interface())
			slice.Index(i).Set(reflect.ValueOf(tracked))
		}
	}
	return nil
}

func buildSelect(m *Mapping, q domain.Query) (string, []any, error) {
	sb := builder().Select(m.Columns...).From(m.Table)
	for _, p := range q.Where {
		if p != nil {
			sb = sb.Where(p)
		}
	}

	for _, key := range q.OrderBy {
		clause, err := orderClause(m, key)
		if err != nil {
			return "", nil, err
		}
		sb = sb.OrderBy(clause)
	}

	if q.Limit > 0 {
		sb = sb.Limit(q.Limit)
	}

	sql, args, err := sb.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build select: %w", err)
	}
	return sql, args, nil
}

// orderClause supports "-field" for DESC.
func orderClause(m *Mapping, key string) (string, error) {
	key = strings.TrimSpace(key)
	if !sortKey.MatchString(key) {
		return "", apperror.NewValidation("invalid orderBy").WithDetail("orderBy", key)
	}

	direction := "ASC"
	field := key
	if strings.HasPrefix(key, "-") {
		direction = "DESC"
		field = key[1:]
	} else {
		field = strings.TrimPrefix(key, "+")
	}

	if !m.HasColumn(field) {
		return "", apperror.NewValidation("invalid orderBy").WithDetail("orderBy", key).WithDetail("field", field)
	}
	return field + " " + direction, nil
}

// attach returns the tracked instance for rec's key, tracking rec if there is none.
// Local changes of an already tracked instance are kept.
func (s *Session) attach(m *Mapping, rec any) any {
	values := StructToMap(rec)
	k := identity{table: m.Table, key: fmt.Sprint(values[m.Key])}
	if e, ok := s.byKey[k]; ok {
		return e.record
	}
	e := &trackedEntry{record: rec, mapping: m, state: domain.StateUnchanged, original: values}
	s.track(e)
	return rec
}

func (s *Session) track(e *trackedEntry) {
	s.entries = append(s.entries, e)
	s.byRecord[e.record] = e
	if key, ok := e.keyValue(); ok {
		s.byKey[identity{table: e.mapping.Table, key: fmt.Sprint(key)}] = e
	}
}

// PersistedValues implements domain.Session.
func (s *Session) PersistedValues(ctx context.Context, e domain.Entry) (domain.PropertyValues, error) {
	m, err := s.registry.Lookup(e.Record())
	if err != nil {
		return nil, err
	}
	key, ok := e.OriginalValues()[m.Key]
	if !ok {
		key = StructToMap(e.Record())[m.Key]
	}

	sql, args, err := builder().
		Select(m.Columns...).
		From(m.Table).
		Where(squirrel.Eq{m.Key: key}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reload: %w", err)
	}

	rec := m.New()
	err = s.read(ctx, func(ctx context.Context) error {
		return pgxscan.Get(ctx, s.db.GetQuerier(ctx), rec, sql, args...)
	})
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reload %s: %w", m.Table, err)
	}
	return StructToMap(rec), nil
}

// Values implements domain.Session.
func (s *Session) Values(record any) (domain.PropertyValues, error) {
	if _, err := s.registry.Lookup(record); err != nil {
		return nil, err
	}
	return StructToMap(record), nil
}

// --- Staging ---

// Add implements domain.Session.
func (s *Session) Add(_ context.Context, record any, exclude ...string) error {
	m, err := s.registry.Lookup(record)
	if err != nil {
		return err
	}
	if reflect.ValueOf(record).Kind() != reflect.Pointer {
		return fmt.Errorf("add %s: record must be a pointer", m.Table)
	}
	if _, ok := s.byRecord[record]; ok {
		return apperror.NewConflict(fmt.Sprintf("%s record is already tracked", m.Table))
	}

	e := &trackedEntry{record: record, mapping: m, state: domain.StateAdded}
	e.setExclude(exclude)
	s.entries = append(s.entries, e)
	s.byRecord[record] = e
	return nil
}

// Update implements domain.Session.
func (s *Session) Update(_ context.Context, record any, exclude ...string) error {
	m, err := s.registry.Lookup(record)
	if err != nil {
		return err
	}
	if reflect.ValueOf(record).Kind() != reflect.Pointer {
		return fmt.Errorf("update %s: record must be a pointer", m.Table)
	}

	e, ok := s.byRecord[record]
	if !ok {
		values := StructToMap(record)
		k := identity{table: m.Table, key: fmt.Sprint(values[m.Key])}
		if _, dup := s.byKey[k]; dup {
			return apperror.NewConflict(fmt.Sprintf("another %s instance with key %s is tracked", m.Table, k.key))
		}
		e = &trackedEntry{record: record, mapping: m, state: domain.StateUnchanged, original: values, writeAll: true}
		s.track(e)
	}

	if e.state != domain.StateAdded {
		e.state = domain.StateModified
	}
	e.setExclude(exclude)
	return nil
}

// ConditionalUpdate implements domain.Session. The row version of matched rows is regenerated.
func (s *Session) ConditionalUpdate(ctx context.Context, model any, where domain.Predicate, set map[string]any) (int64, error) {
	m, err := s.registry.Lookup(model)
	if err != nil {
		return 0, err
	}

	values := make(map[string]any, len(set)+1)
	for col, v := range set {
		if !m.HasColumn(col) {
			return 0, fmt.Errorf("conditional update %s: unknown column %q", m.Table, col)
		}
		values[col] = v
	}
	if m.RowVersion {
		values[entity.ColumnRowVersion] = entity.NewVersionToken()
	}

	sql, args, err := builder().
		Update(m.Table).
		SetMap(values).
		Where(where).
		Suffix("RETURNING " + m.Key + "::text").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build conditional update: %w", err)
	}

	rows, err := s.db.GetQuerier(ctx).Query(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("conditional update %s: %w", m.Table, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("conditional update %s: %w", m.Table, err)
	}

	if s.journal != nil {
		action := AuditActionUpdate
		if _, ok := set[entity.ColumnDeletedAt]; ok {
			action = AuditActionDelete
		}
		for _, key := range keys {
			if err := s.journal.LogChange(ctx, m.Table, key, action, set); err != nil {
				return 0, err
			}
		}
	}

	return int64(len(keys)), nil
}

// --- Commit ---

type pendingWrite struct {
	entry   *trackedEntry
	query   BatchQuery
	token   entity.VersionToken
	action  AuditAction
	changes map[string]any
}

// Commit implements domain.Session.
func (s *Session) Commit(ctx context.Context) error {
	var writes []*pendingWrite
	var settled []*trackedEntry
	for _, e := range s.entries {
		if e.state == domain.StateUnchanged {
			continue
		}
		w, err := s.prepare(ctx, e)
		if err != nil {
			return err
		}
		if w == nil {
			settled = append(settled, e)
			continue
		}
		writes = append(writes, w)
	}

	if len(writes) > 0 {
		var conflicts []domain.Entry
		err := s.txm.RunInSavepoint(ctx, func(ctx context.Context) error {
			queries := make([]BatchQuery, len(writes))
			for i, w := range writes {
				queries[i] = w.query
			}

			tags, err := s.batch.ExecuteBatch(ctx, queries)
			if err != nil {
				return classifyWriteError(err)
			}
			for i, tag := range tags {
				if tag.RowsAffected() == 0 {
					conflicts = append(conflicts, writes[i].entry)
				}
			}
			if len(conflicts) > 0 {
				return &domain.ConflictError{Entries: conflicts}
			}

			if s.journal != nil {
				for _, w := range writes {
					key, _ := w.entry.keyValue()
					if err := s.journal.LogChange(ctx, w.entry.mapping.Table, key, w.action, w.changes); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			if len(conflicts) > 0 {
				logger.Debug(ctx, "commit rejected by row version check", "records", len(conflicts))
			}
			return err
		}
	}

	for _, w := range writes {
		w.apply(s)
	}
	for _, e := range settled {
		e.accept()
	}
	if len(writes) > 0 {
		logger.Debug(ctx, "session committed", "writes", len(writes))
	}
	return nil
}

// prepare stamps the record and builds its statement. A nil write means nothing to send.
func (s *Session) prepare(ctx context.Context, e *trackedEntry) (*pendingWrite, error) {
	m := e.mapping
	switch e.state {
	case domain.StateAdded:
		if ident, ok := e.record.(entity.Identifiable); ok && m.Key == entity.ColumnID && id.IsNil(ident.GetID()) {
			ident.SetID(id.New())
		}
		s.stamper.Created(ctx, e.record)

		values := StructToMap(e.record)
		for col := range e.exclude {
			delete(values, col)
		}
		w := &pendingWrite{entry: e, action: AuditActionCreate}
		if m.RowVersion {
			w.token = entity.NewVersionToken()
			values[entity.ColumnRowVersion] = w.token
		}

		sql, args, err := builder().Insert(m.Table).SetMap(values).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert %s: %w", m.Table, err)
		}
		w.query = BatchQuery{SQL: sql, Args: args}
		w.changes = values
		return w, nil

	case domain.StateModified:
		s.stamper.Updated(ctx, e.record)

		current := StructToMap(e.record)
		set := make(map[string]any)
		for _, col := range m.Columns {
			if col == m.Key || col == entity.ColumnRowVersion || e.excludes(col) {
				continue
			}
			if e.writeAll || !ValuesEqual(current[col], e.original[col]) {
				set[col] = current[col]
			}
		}
		if len(set) == 0 {
			return nil, nil
		}

		w := &pendingWrite{entry: e, action: AuditActionUpdate, changes: Diff(pick(e.original, set), set)}
		if m.RowVersion {
			w.token = entity.NewVersionToken()
			set[entity.ColumnRowVersion] = w.token
		}

		where := squirrel.And{squirrel.Eq{m.Key: e.original[m.Key]}}
		if m.RowVersion {
			where = append(where, domain.VersionGuard(tokenOf(e.original[entity.ColumnRowVersion])))
		}

		sql, args, err := builder().Update(m.Table).SetMap(set).Where(where).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build update %s: %w", m.Table, err)
		}
		w.query = BatchQuery{SQL: sql, Args: args}
		return w, nil
	}
	return nil, nil
}

func (w *pendingWrite) apply(s *Session) {
	e := w.entry
	if w.token != nil {
		if rv, ok := e.record.(entity.RowVersioned); ok {
			rv.SetRowVersion(w.token)
		}
	}
	added := e.state == domain.StateAdded
	e.accept()
	if added {
		if key, ok := e.keyValue(); ok {
			s.byKey[identity{table: e.mapping.Table, key: fmt.Sprint(key)}] = e
		}
	}
}

func pick(values map[string]any, like map[string]any) map[string]any {
	out := make(map[string]any, len(like))
	for col := range like {
		out[col] = values[col]
	}
	return out
}

func tokenOf(v any) entity.VersionToken {
	switch t := v.(type) {
	case entity.VersionToken:
		return t
	case []byte:
		return entity.VersionToken(t)
	}
	return nil
}

// classifyWriteError maps constraint violations to AppErrors.
func classifyWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperror.NewConflict("duplicate key").
				WithDetail("constraint", pgErr.ConstraintName).
				WithCause(err)
		case "23503":
			return apperror.NewConflict("referenced record is missing").
				WithDetail("constraint", pgErr.ConstraintName).
				WithCause(err)
		}
	}
	return apperror.NewDatabase(err)
}

// --- Tracking state ---

// Entry implements domain.Session.
func (s *Session) Entry(record any) (domain.Entry, bool) {
	e, ok := s.byRecord[record]
	if !ok {
		return nil, false
	}
	return e, true
}

// Entries implements domain.Session.
func (s *Session) Entries() []domain.Entry {
	out := make([]domain.Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e
	}
	return out
}

// Discard implements domain.Session.
func (s *Session) Discard() {
	s.reset()
}

// trackedEntry implements domain.Entry over a struct pointer.
type trackedEntry struct {
	record   any
	mapping  *Mapping
	state    domain.EntryState
	original domain.PropertyValues
	exclude  map[string]struct{}

	// writeAll sends every column on the next update (records attached by Update).
	writeAll bool
}

func (e *trackedEntry) Record() any { return e.record }

func (e *trackedEntry) State() domain.EntryState { return e.state }

func (e *trackedEntry) CurrentValues() domain.PropertyValues { return StructToMap(e.record) }

func (e *trackedEntry) OriginalValues() domain.PropertyValues { return e.original.Clone() }

func (e *trackedEntry) SetCurrentValues(values domain.PropertyValues) error {
	return MapToStruct(e.record, values)
}

func (e *trackedEntry) SetOriginalValues(values domain.PropertyValues) {
	e.original = values.Clone()
}

func (e *trackedEntry) setExclude(cols []string) {
	e.exclude = make(map[string]struct{}, len(cols))
	for _, c := range cols {
		e.exclude[c] = struct{}{}
	}
}

func (e *trackedEntry) excludes(col string) bool {
	_, ok := e.exclude[col]
	return ok
}

func (e *trackedEntry) keyValue() (any, bool) {
	if e.state != domain.StateAdded && e.original != nil {
		v, ok := e.original[e.mapping.Key]
		return v, ok
	}
	v, ok := StructToMap(e.record)[e.mapping.Key]
	return v, ok
}

// accept marks the record as matching the store.
func (e *trackedEntry) accept() {
	e.state = domain.StateUnchanged
	e.original = StructToMap(e.record)
	e.exclude = nil
	e.writeAll = false
}
