package filter

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/Masterminds/squirrel"

	"entitykit/internal/core/apperror"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Columns whitelists the fields a filter may reference. A nil set accepts any
// snake_case identifier.
type Columns map[string]struct{}

// NewColumns builds a whitelist.
func NewColumns(cols ...string) Columns {
	set := make(Columns, len(cols))
	for _, c := range cols {
		set[c] = struct{}{}
	}
	return set
}

func (c Columns) allows(field string) bool {
	if !identifier.MatchString(field) {
		return false
	}
	if c == nil {
		return true
	}
	_, ok := c[field]
	return ok
}

// ToPredicate compiles items into one AND predicate. It returns nil for no items.
func ToPredicate(items []Item, allowed Columns) (squirrel.Sqlizer, error) {
	if len(items) == 0 {
		return nil, nil
	}
	and := make(squirrel.And, 0, len(items))
	for _, item := range items {
		p, err := compile(item, allowed)
		if err != nil {
			return nil, err
		}
		and = append(and, p)
	}
	return and, nil
}

func compile(item Item, allowed Columns) (squirrel.Sqlizer, error) {
	if !allowed.allows(item.Field) {
		return nil, apperror.NewValidation(fmt.Sprintf("invalid filter column: %s", item.Field)).
			WithDetail("field", item.Field)
	}

	switch item.Operator {
	case Equal:
		return squirrel.Eq{item.Field: item.Value}, nil
	case NotEqual:
		return squirrel.NotEq{item.Field: item.Value}, nil
	case Less:
		return squirrel.Lt{item.Field: item.Value}, nil
	case LessOrEqual:
		return squirrel.LtOrEq{item.Field: item.Value}, nil
	case Greater:
		return squirrel.Gt{item.Field: item.Value}, nil
	case GreaterOrEqual:
		return squirrel.GtOrEq{item.Field: item.Value}, nil
	case InList, NotInList:
		if !isList(item.Value) {
			return nil, apperror.NewValidation(fmt.Sprintf("operator %s expects a list", item.Operator)).
				WithDetail("field", item.Field)
		}
		if item.Operator == InList {
			return squirrel.Eq{item.Field: item.Value}, nil
		}
		return squirrel.NotEq{item.Field: item.Value}, nil
	case IsNull:
		return squirrel.Eq{item.Field: nil}, nil
	case IsNotNull:
		return squirrel.NotEq{item.Field: nil}, nil
	case Contains:
		return squirrel.ILike{item.Field: fmt.Sprintf("%%%v%%", item.Value)}, nil
	case NotContains:
		return squirrel.NotILike{item.Field: fmt.Sprintf("%%%v%%", item.Value)}, nil
	default:
		return nil, apperror.NewValidation(fmt.Sprintf("unknown filter operator: %s", item.Operator)).
			WithDetail("field", item.Field)
	}
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
