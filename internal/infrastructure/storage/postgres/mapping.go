package postgres

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"entitykit/internal/core/entity"
)

var (
	createAuditableType = reflect.TypeOf((*entity.CreateAuditable)(nil)).Elem()
	updateAuditableType = reflect.TypeOf((*entity.UpdateAuditable)(nil)).Elem()
	softDeletableType   = reflect.TypeOf((*entity.SoftDeletable)(nil)).Elem()
	rowVersionedType    = reflect.TypeOf((*entity.RowVersioned)(nil)).Elem()
	identifiableType    = reflect.TypeOf((*entity.Identifiable)(nil)).Elem()
)

// Mapping binds a record type to its table. Facets are detected from the methods of *T.
type Mapping struct {
	Table   string
	Key     string
	Columns []string

	CreateAudit  bool
	UpdateAudit  bool
	SoftDelete   bool
	RowVersion   bool
	Identifiable bool

	typ reflect.Type
}

// NewMapping builds the mapping of struct type T stored in table, keyed by the id column.
func NewMapping[T any](table string) (*Mapping, error) {
	return newMapping(reflect.TypeOf((*T)(nil)).Elem(), table, entity.ColumnID)
}

func newMapping(t reflect.Type, table, key string) (*Mapping, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("mapping %s: %s is not a struct", table, t)
	}
	if table == "" {
		return nil, fmt.Errorf("mapping %s: table name is required", t)
	}

	ptr := reflect.PointerTo(t)
	m := &Mapping{
		Table:        table,
		Key:          key,
		Columns:      extractColumnsFromType(t),
		CreateAudit:  ptr.Implements(createAuditableType),
		UpdateAudit:  ptr.Implements(updateAuditableType),
		SoftDelete:   ptr.Implements(softDeletableType),
		RowVersion:   ptr.Implements(rowVersionedType),
		Identifiable: ptr.Implements(identifiableType),
		typ:          t,
	}

	required := []string{key}
	if m.CreateAudit {
		required = append(required, entity.ColumnCreatedAt, entity.ColumnCreatedBy)
	}
	if m.UpdateAudit {
		required = append(required, entity.ColumnLastUpdatedAt, entity.ColumnLastUpdatedBy)
	}
	if m.SoftDelete {
		required = append(required, entity.ColumnDeletedAt, entity.ColumnDeletedBy)
	}
	if m.RowVersion {
		required = append(required, entity.ColumnRowVersion)
	}
	for _, col := range required {
		if !m.HasColumn(col) {
			return nil, fmt.Errorf("mapping %s: %s has no %q column", table, t, col)
		}
	}

	return m, nil
}

// HasColumn reports whether col is mapped.
func (m *Mapping) HasColumn(col string) bool {
	return slices.Contains(m.Columns, col)
}

// New allocates a zero record (*T).
func (m *Mapping) New() any {
	return reflect.New(m.typ).Interface()
}

// Type returns the mapped struct type.
func (m *Mapping) Type() reflect.Type {
	return m.typ
}

// Registry maps record types to tables.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*Mapping
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[reflect.Type]*Mapping)}
}

// Add registers m, replacing any previous mapping of the same type.
func (r *Registry) Add(m *Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[m.typ] = m
}

// Register maps T to table.
func Register[T any](r *Registry, table string) (*Mapping, error) {
	m, err := NewMapping[T](table)
	if err != nil {
		return nil, err
	}
	r.Add(m)
	return m, nil
}

// MustRegister is Register that panics on error. Intended for wiring at startup.
func MustRegister[T any](r *Registry, table string) *Mapping {
	m, err := Register[T](r, table)
	if err != nil {
		panic(err)
	}
	return m
}

// Lookup returns the mapping of a record (struct or struct pointer).
func (r *Registry) Lookup(record any) (*Mapping, error) {
	if record == nil {
		return nil, fmt.Errorf("lookup mapping: nil record")
	}
	return r.lookupType(reflect.TypeOf(record))
}

func (r *Registry) lookupType(t reflect.Type) (*Mapping, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	m, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("type %s is not mapped", t)
	}
	return m, nil
}
