package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitykit/internal/core/entity"
	"entitykit/internal/core/id"
)

type mockProduct struct {
	entity.Entity
	Code     string          `db:"code"`
	Name     string          `db:"name"`
	Price    decimal.Decimal `db:"price"`
	Note     *string         `db:"note"`
	internal string
	Ignored  string `db:"-"`
}

func TestExtractDBColumns_Facets(t *testing.T) {
	cols := ExtractDBColumns[mockProduct]()

	assert.Equal(t, []string{
		"id",
		"created_at", "created_by",
		"last_updated_at", "last_updated_by",
		"deleted_at", "deleted_by",
		"row_version",
		"code", "name", "price", "note",
	}, cols)
}

func TestStructToMap_Facets(t *testing.T) {
	now := time.Now().UTC()
	p := mockProduct{Entity: entity.NewEntity(), Code: "TEST", Name: "Test Name", Price: decimal.RequireFromString("9.50")}
	p.MarkDeleted(now, "alice")
	p.Version = entity.NewVersionToken()

	m := StructToMap(&p)

	assert.Equal(t, p.ID, m["id"])
	assert.Equal(t, &now, m["deleted_at"])
	assert.Equal(t, p.Version, m["row_version"])
	assert.Equal(t, "TEST", m["code"])
	assert.Nil(t, m["note"])
	assert.NotContains(t, m, "internal")
	assert.NotContains(t, m, "Ignored")

	assert.Nil(t, StructToMap(42))
	assert.Nil(t, StructToMap((*mockProduct)(nil)))
}

func TestMapToStruct(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	key := id.New()
	p := &mockProduct{}
	p.MarkDeleted(at, "bob")

	err := MapToStruct(p, map[string]any{
		"id":              key,
		"code":            "USD",
		"note":            "fragile", // value into pointer field
		"last_updated_at": at,
		"deleted_at":      nil,
		"deleted_by":      (*string)(nil),
		"row_version":     []byte{1, 2, 3},
		"unknown":         "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, key, p.ID)
	assert.Equal(t, "USD", p.Code)
	require.NotNil(t, p.Note)
	assert.Equal(t, "fragile", *p.Note)
	require.NotNil(t, p.LastUpdatedAt)
	assert.Equal(t, at, *p.LastUpdatedAt)
	assert.Nil(t, p.DeletedAt)
	assert.Nil(t, p.DeletedBy)
	assert.Equal(t, entity.VersionToken{1, 2, 3}, p.Version)
}

func TestMapToStruct_Errors(t *testing.T) {
	assert.Error(t, MapToStruct(mockProduct{}, nil))
	assert.Error(t, MapToStruct(&mockProduct{}, map[string]any{"code": 12}))
}

func TestMapToStruct_RoundTrip(t *testing.T) {
	src := &mockProduct{Entity: entity.NewEntity(), Code: "A", Price: decimal.NewFromInt(3)}
	src.SetCreated(time.Now().UTC(), "carol")

	dst := &mockProduct{}
	require.NoError(t, MapToStruct(dst, StructToMap(src)))
	assert.Equal(t, src, dst)
}

func TestValuesEqual(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sameInstant := at.In(time.FixedZone("X", 3600))
	s := "x"

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil and nil pointer", nil, (*string)(nil), true},
		{"nil and value", nil, "x", false},
		{"pointer and value", &s, "x", true},
		{"time zones", at, sameInstant, true},
		{"time pointers", &at, &sameInstant, true},
		{"decimal scale", decimal.RequireFromString("1.0"), decimal.RequireFromString("1.00"), true},
		{"decimal differs", decimal.NewFromInt(1), decimal.NewFromInt(2), false},
		{"tokens", entity.VersionToken{1}, entity.VersionToken{1}, true},
		{"nil token", entity.VersionToken(nil), nil, true},
		{"types differ", int32(1), int64(1), false},
		{"strings", "a", "b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValuesEqual(tt.a, tt.b))
		})
	}
}
