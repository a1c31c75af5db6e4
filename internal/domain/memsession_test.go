package domain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/Masterminds/squirrel"

	appctx "entitykit/internal/core/context"
	"entitykit/internal/core/entity"
	"entitykit/internal/core/id"
	"entitykit/internal/domain/audit"
)

type product struct {
	entity.Entity
	Code  string `db:"code" validate:"required,max=10"`
	Name  string `db:"name" validate:"required"`
	Price int64  `db:"price"`
}

func (p *product) Validate(_ context.Context) error {
	if p.Price < 0 {
		return errors.New("price must not be negative")
	}
	return nil
}

// note has identity only: no soft delete, no row version.
type note struct {
	entity.Base
	Text string `db:"text"`
}

func productValues(p *product) PropertyValues {
	return PropertyValues{
		entity.ColumnID:            p.ID,
		entity.ColumnCreatedAt:     p.CreatedAt,
		entity.ColumnCreatedBy:     p.CreatedBy,
		entity.ColumnLastUpdatedAt: p.LastUpdatedAt,
		entity.ColumnLastUpdatedBy: p.LastUpdatedBy,
		entity.ColumnDeletedAt:     p.DeletedAt,
		entity.ColumnDeletedBy:     p.DeletedBy,
		entity.ColumnRowVersion:    p.Version,
		"code":                     p.Code,
		"name":                     p.Name,
		"price":                    p.Price,
	}
}

func applyProductValues(p *product, v PropertyValues) error {
	for col, val := range v {
		switch col {
		case entity.ColumnID:
			p.ID = val.(id.ID)
		case entity.ColumnCreatedAt:
			p.CreatedAt = val.(time.Time)
		case entity.ColumnCreatedBy:
			p.CreatedBy = val.(string)
		case entity.ColumnLastUpdatedAt:
			p.LastUpdatedAt, _ = val.(*time.Time)
		case entity.ColumnLastUpdatedBy:
			p.LastUpdatedBy, _ = val.(*string)
		case entity.ColumnDeletedAt:
			p.DeletedAt = timePtr(val)
		case entity.ColumnDeletedBy:
			p.DeletedBy = stringPtr(val)
		case entity.ColumnRowVersion:
			p.Version, _ = val.(entity.VersionToken)
		case "code":
			p.Code = val.(string)
		case "name":
			p.Name = val.(string)
		case "price":
			p.Price = val.(int64)
		default:
			return fmt.Errorf("unknown column %s", col)
		}
	}
	return nil
}

func timePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

func stringPtr(v any) *string {
	switch s := v.(type) {
	case string:
		return &s
	case *string:
		return s
	}
	return nil
}

type memEntry struct {
	record   any
	state    EntryState
	original PropertyValues
	exclude  []string
}

func (e *memEntry) Record() any { return e.record }

func (e *memEntry) State() EntryState { return e.state }

func (e *memEntry) OriginalValues() PropertyValues { return e.original.Clone() }

func (e *memEntry) SetOriginalValues(v PropertyValues) { e.original = v.Clone() }

func (e *memEntry) CurrentValues() PropertyValues {
	if p, ok := e.record.(*product); ok {
		return productValues(p)
	}
	return PropertyValues{}
}

func (e *memEntry) SetCurrentValues(v PropertyValues) error {
	p, ok := e.record.(*product)
	if !ok {
		return errors.New("unsupported record")
	}
	return applyProductValues(p, v)
}

// memSession is an in-memory Session for *product records. It checks row versions on
// commit the same way the PostgreSQL session does.
type memSession struct {
	rows    map[id.ID]PropertyValues
	order   []id.ID
	entries []*memEntry
	stamper audit.Stamper

	commits int
	// traces holds the trace each Commit ran under.
	traces []*appctx.TraceContext

	// beforeCommit runs at the start of every Commit with the 1-based commit number.
	beforeCommit func(n int)
	// beforeConditional runs before ConditionalUpdate touches the rows.
	beforeConditional func()
	// commitErr replaces the commit outcome when it returns non-nil.
	commitErr func(n int) error
}

func newMemSession() *memSession {
	return &memSession{
		rows:    make(map[id.ID]PropertyValues),
		stamper: audit.Stamper{Clock: entity.ClockFunc(func() time.Time { return testNow })},
	}
}

var testNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

// seed writes a product straight into the store.
func (s *memSession) seed(p *product) *product {
	if id.IsNil(p.ID) {
		p.ID = id.New()
	}
	p.Version = entity.NewVersionToken()
	s.rows[p.ID] = productValues(p)
	s.order = append(s.order, p.ID)
	return p
}

// remoteWrite simulates another writer changing a row.
func (s *memSession) remoteWrite(key id.ID, set PropertyValues) {
	row := s.rows[key]
	for k, v := range set {
		row[k] = v
	}
	row[entity.ColumnRowVersion] = entity.NewVersionToken()
}

// sharedRows returns a second session over the same store.
func (s *memSession) sharedRows() *memSession {
	other := newMemSession()
	other.rows = s.rows
	other.order = s.order
	return other
}

func (s *memSession) remoteDelete(key id.ID) {
	delete(s.rows, key)
}

func (s *memSession) row(key id.ID) *product {
	v, ok := s.rows[key]
	if !ok {
		return nil
	}
	p := &product{}
	_ = applyProductValues(p, v.Clone())
	return p
}

func (s *memSession) find(record any) *memEntry {
	for _, e := range s.entries {
		if e.record == record {
			return e
		}
	}
	return nil
}

func (s *memSession) trackedByID(key id.ID) *memEntry {
	for _, e := range s.entries {
		if p, ok := e.record.(*product); ok && p.ID == key {
			return e
		}
	}
	return nil
}

func (s *memSession) Select(_ context.Context, dest any, q Query) error {
	out, ok := dest.(*[]*product)
	if !ok {
		return fmt.Errorf("unsupported dest %T", dest)
	}
	for _, key := range s.order {
		row, ok := s.rows[key]
		if !ok {
			continue
		}
		match, err := matchAll(row, q.Where)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		if q.Limit > 0 && uint64(len(*out)) >= q.Limit {
			break
		}

		if tracked := s.trackedByID(key); tracked != nil && q.Track {
			*out = append(*out, tracked.record.(*product))
			continue
		}
		p := &product{}
		if err := applyProductValues(p, row.Clone()); err != nil {
			return err
		}
		if q.Track {
			s.entries = append(s.entries, &memEntry{record: p, original: productValues(p)})
		}
		*out = append(*out, p)
	}
	return nil
}

func (s *memSession) Add(_ context.Context, record any, exclude ...string) error {
	if _, ok := record.(*product); !ok {
		return fmt.Errorf("unmapped %T", record)
	}
	if e := s.find(record); e != nil {
		return errors.New("already tracked")
	}
	s.entries = append(s.entries, &memEntry{record: record, state: StateAdded, exclude: exclude})
	return nil
}

func (s *memSession) Update(_ context.Context, record any, exclude ...string) error {
	p, ok := record.(*product)
	if !ok {
		return fmt.Errorf("unmapped %T", record)
	}
	e := s.find(record)
	if e == nil {
		e = &memEntry{record: record, original: productValues(p)}
		s.entries = append(s.entries, e)
	}
	if e.state != StateAdded {
		e.state = StateModified
	}
	e.exclude = exclude
	return nil
}

func (s *memSession) ConditionalUpdate(_ context.Context, _ any, where Predicate, set map[string]any) (int64, error) {
	if s.beforeConditional != nil {
		s.beforeConditional()
	}
	var n int64
	for _, key := range s.order {
		row, ok := s.rows[key]
		if !ok {
			continue
		}
		match, err := matchAll(row, []Predicate{where})
		if err != nil {
			return 0, err
		}
		if !match {
			continue
		}
		for k, v := range set {
			row[k] = v
		}
		row[entity.ColumnRowVersion] = entity.NewVersionToken()
		n++
	}
	return n, nil
}

func (s *memSession) Commit(ctx context.Context) error {
	s.commits++
	s.traces = append(s.traces, appctx.GetTrace(ctx))
	if s.beforeCommit != nil {
		s.beforeCommit(s.commits)
	}
	if s.commitErr != nil {
		if err := s.commitErr(s.commits); err != nil {
			return err
		}
	}

	staged := make(map[id.ID]PropertyValues)
	type applied struct {
		entry *memEntry
		token entity.VersionToken
	}
	var done []applied
	var conflicts []Entry

	for _, e := range s.entries {
		p := e.record.(*product)
		switch e.state {
		case StateAdded:
			if id.IsNil(p.ID) {
				p.ID = id.New()
			}
			s.stamper.Created(ctx, p)
			token := entity.NewVersionToken()
			row := productValues(p)
			for _, col := range e.exclude {
				row[col] = nil
			}
			row[entity.ColumnRowVersion] = token
			staged[p.ID] = row
			done = append(done, applied{e, token})
		case StateModified:
			key := e.original[entity.ColumnID].(id.ID)
			row, ok := s.rows[key]
			if !ok || !matchValue(row[entity.ColumnRowVersion], e.original[entity.ColumnRowVersion]) {
				conflicts = append(conflicts, e)
				continue
			}
			s.stamper.Updated(ctx, p)
			token := entity.NewVersionToken()
			next := row.Clone()
			excluded := map[string]bool{entity.ColumnID: true, entity.ColumnRowVersion: true}
			for _, col := range e.exclude {
				excluded[col] = true
			}
			for col, v := range productValues(p) {
				if !excluded[col] {
					next[col] = v
				}
			}
			next[entity.ColumnRowVersion] = token
			staged[key] = next
			done = append(done, applied{e, token})
		}
	}

	if len(conflicts) > 0 {
		return &ConflictError{Entries: conflicts}
	}

	for key, row := range staged {
		if _, ok := s.rows[key]; !ok {
			s.order = append(s.order, key)
		}
		s.rows[key] = row
	}
	for _, a := range done {
		p := a.entry.record.(*product)
		p.Version = a.token
		a.entry.state = StateUnchanged
		a.entry.original = productValues(p)
	}
	return nil
}

func (s *memSession) PersistedValues(_ context.Context, e Entry) (PropertyValues, error) {
	key, _ := e.OriginalValues()[entity.ColumnID].(id.ID)
	row, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	return row.Clone(), nil
}

func (s *memSession) Values(record any) (PropertyValues, error) {
	switch r := record.(type) {
	case *product:
		return productValues(r), nil
	case *note:
		return PropertyValues{entity.ColumnID: r.ID, "text": r.Text}, nil
	}
	return nil, fmt.Errorf("unmapped %T", record)
}

func (s *memSession) Entry(record any) (Entry, bool) {
	e := s.find(record)
	if e == nil {
		return nil, false
	}
	return e, true
}

func (s *memSession) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e
	}
	return out
}

func (s *memSession) Discard() {
	s.entries = nil
}

func matchAll(row PropertyValues, preds []Predicate) (bool, error) {
	for _, p := range preds {
		ok, err := match(row, p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func match(row PropertyValues, p Predicate) (bool, error) {
	switch pred := p.(type) {
	case nil:
		return true, nil
	case squirrel.And:
		parts := make([]Predicate, len(pred))
		copy(parts, pred)
		return matchAll(row, parts)
	case squirrel.Eq:
		for col, want := range pred {
			if !matchValue(row[col], want) {
				return false, nil
			}
		}
		return true, nil
	case squirrel.NotEq:
		for col, want := range pred {
			if matchValue(row[col], want) {
				return false, nil
			}
		}
		return true, nil
	case squirrel.Gt:
		for col, want := range pred {
			a, ok1 := row[col].(int64)
			b, ok2 := toInt64(want)
			if !ok1 || !ok2 || a <= b {
				return false, nil
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("unsupported predicate %T", p)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func matchValue(stored, want any) bool {
	if isNull(want) {
		return isNull(stored)
	}
	if isNull(stored) {
		return false
	}
	if b, ok := asBytes(want); ok {
		s, ok := asBytes(stored)
		return ok && bytes.Equal(s, b)
	}
	if sv := reflect.ValueOf(stored); sv.Kind() == reflect.Pointer {
		stored = sv.Elem().Interface()
	}
	return reflect.DeepEqual(stored, want)
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map:
		return rv.IsNil()
	}
	return false
}

func asBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case entity.VersionToken:
		return b, true
	}
	return nil, false
}
