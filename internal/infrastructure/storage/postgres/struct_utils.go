package postgres

import (
	"fmt"
	"reflect"
	"sync"
)

// ExtractDBColumns extracts all column names from struct "db" tags.
// It handles embedded structs (like entity.Entity) recursively.
// This function is called once at registration time, so reflection overhead is acceptable.
//
// Usage:
//
//	columns := ExtractDBColumns[Product]()
//	// Returns: ["id", "created_at", ..., "row_version", "code", "name", "price"]
func ExtractDBColumns[T any]() []string {
	var zero T
	return extractColumnsFromType(reflect.TypeOf(zero))
}

// extractColumnsFromType recursively extracts column names from a type.
func extractColumnsFromType(t reflect.Type) []string {
	meta := getOrCreateTypeMetadata(t)
	cols := make([]string, 0, len(meta.fields))
	for _, fi := range meta.fields {
		cols = append(cols, fi.column)
	}
	return cols
}

// fieldInfo contains pre-computed metadata about a struct field.
type fieldInfo struct {
	column string
	index  []int // path through embedded structs
	typ    reflect.Type
}

// typeMetadata contains cached reflection metadata for a type.
type typeMetadata struct {
	fields   []fieldInfo
	byColumn map[string]int
}

// Global cache for type metadata (thread-safe).
var typeCache sync.Map // map[reflect.Type]*typeMetadata

// getOrCreateTypeMetadata returns cached metadata or creates it if not exists.
// This function is called once per type, then metadata is reused.
func getOrCreateTypeMetadata(t reflect.Type) *typeMetadata {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if cached, ok := typeCache.Load(t); ok {
		return cached.(*typeMetadata)
	}

	meta := &typeMetadata{byColumn: make(map[string]int)}
	if t.Kind() == reflect.Struct {
		collectFields(t, nil, meta)
	}

	typeCache.Store(t, meta)
	return meta
}

func collectFields(t reflect.Type, prefix []int, meta *typeMetadata) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		path := append(append([]int(nil), prefix...), i)

		// Embedded structs contribute their columns (entity.Entity, entity.Base, ...)
		if field.Anonymous && field.Type.Kind() == reflect.Struct && field.Tag.Get("db") == "" {
			collectFields(field.Type, path, meta)
			continue
		}

		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		if _, dup := meta.byColumn[tag]; dup {
			continue
		}

		meta.byColumn[tag] = len(meta.fields)
		meta.fields = append(meta.fields, fieldInfo{column: tag, index: path, typ: field.Type})
	}
}

func structValue(v any) (reflect.Value, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, false
		}
		rv = rv.Elem()
	}
	return rv, rv.Kind() == reflect.Struct
}

// StructToMap converts a struct to a map using "db" tags.
// It only includes fields that have a "db" tag and are not ignored ("-").
//
// Uses cached type metadata, so only the first call for a type pays for reflection.
func StructToMap(v any) map[string]any {
	rv, ok := structValue(v)
	if !ok {
		return nil
	}

	meta := getOrCreateTypeMetadata(rv.Type())
	res := make(map[string]any, len(meta.fields))
	for _, fi := range meta.fields {
		res[fi.column] = rv.FieldByIndex(fi.index).Interface()
	}
	return res
}

// MapToStruct writes values into the struct pointed to by dst, matching "db" tags.
// Columns the struct does not map are ignored. A nil value resets the field to its zero value.
func MapToStruct(dst any, values map[string]any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("MapToStruct: %T is not a struct pointer", dst)
	}
	rv = rv.Elem()

	meta := getOrCreateTypeMetadata(rv.Type())
	for col, val := range values {
		idx, ok := meta.byColumn[col]
		if !ok {
			continue
		}
		fi := meta.fields[idx]
		if err := assign(rv.FieldByIndex(fi.index), val); err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
	}
	return nil
}

func assign(field reflect.Value, val any) error {
	if val == nil {
		field.SetZero()
		return nil
	}

	v := reflect.ValueOf(val)
	ft := field.Type()

	switch {
	case v.Type().AssignableTo(ft):
		field.Set(v)
	case v.Kind() == reflect.Pointer && v.IsNil():
		field.SetZero()
	case v.Kind() == reflect.Pointer && v.Elem().Type().AssignableTo(ft):
		field.Set(v.Elem())
	case ft.Kind() == reflect.Pointer && v.Type().AssignableTo(ft.Elem()):
		p := reflect.New(ft.Elem())
		p.Elem().Set(v)
		field.Set(p)
	case v.Type().ConvertibleTo(ft) && (ft.Kind() != reflect.String || v.Kind() == reflect.String):
		field.Set(v.Convert(ft))
	default:
		return fmt.Errorf("cannot assign %s to %s", v.Type(), ft)
	}
	return nil
}

// ValuesEqual compares two column values. Types with an Equal method (time.Time,
// decimal.Decimal, entity.VersionToken) are compared with it; pointers are dereferenced.
func ValuesEqual(a, b any) bool {
	av, aNull := deref(a)
	bv, bNull := deref(b)
	if aNull || bNull {
		return aNull == bNull
	}
	if av.Type() != bv.Type() {
		return false
	}

	if m := av.MethodByName("Equal"); m.IsValid() {
		mt := m.Type()
		if mt.NumIn() == 1 && mt.NumOut() == 1 && mt.Out(0).Kind() == reflect.Bool && bv.Type().AssignableTo(mt.In(0)) {
			return m.Call([]reflect.Value{bv})[0].Bool()
		}
	}
	return reflect.DeepEqual(av.Interface(), bv.Interface())
}

// deref unwraps pointers and reports SQL NULL (nil, nil pointer, nil slice).
func deref(v any) (reflect.Value, bool) {
	if v == nil {
		return reflect.Value{}, true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, true
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return reflect.Value{}, true
	}
	return rv, false
}
