package store

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FilterOp is a comparison operator
type FilterOp string

const (
	OpEq     FilterOp = "eq"
	OpNeq    FilterOp = "neq"
	OpIn     FilterOp = "in"
	OpGt     FilterOp = "gt"
	OpGte    FilterOp = "gte"
	OpLt     FilterOp = "lt"
	OpLte    FilterOp = "lte"
	OpIsNull FilterOp = "is_null"

	// OpContains is a case-insensitive substring match on text columns
	OpContains FilterOp = "icontains"
)

// Filter is one predicate on a column. Filters in a list are ANDed.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

func Eq(column string, value any) Filter  { return Filter{Column: column, Op: OpEq, Value: value} }
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }
func Gt(column string, value any) Filter  { return Filter{Column: column, Op: OpGt, Value: value} }
func Gte(column string, value any) Filter { return Filter{Column: column, Op: OpGte, Value: value} }
func Lt(column string, value any) Filter  { return Filter{Column: column, Op: OpLt, Value: value} }
func Lte(column string, value any) Filter { return Filter{Column: column, Op: OpLte, Value: value} }
func IsNull(column string) Filter         { return Filter{Column: column, Op: OpIsNull} }

func Contains(column, substr string) Filter {
	return Filter{Column: column, Op: OpContains, Value: substr}
}

// In matches rows whose column equals any of values.
// An empty list matches nothing.
func In[T any](column string, values []T) Filter {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Filter{Column: column, Op: OpIn, Value: vs}
}

func (f Filter) String() string {
	if f.Op == OpIsNull {
		return f.Column + " is null"
	}
	return fmt.Sprintf("%s %s %v", f.Column, f.Op, f.Value)
}

// Match evaluates the filter against a row. A missing column reads as null.
func (f Filter) Match(row Row) bool {
	v := normalize(row[f.Column])
	switch f.Op {
	case OpIsNull:
		return v == nil
	case OpContains:
		text, ok := v.(string)
		sub, _ := normalize(f.Value).(string)
		return ok && strings.Contains(strings.ToLower(text), strings.ToLower(sub))
	case OpEq:
		return equal(v, normalize(f.Value))
	case OpNeq:
		return v != nil && !equal(v, normalize(f.Value))
	case OpIn:
		for _, candidate := range inValues(f.Value) {
			if equal(v, normalize(candidate)) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := compare(v, normalize(f.Value))
		if !ok {
			return false
		}
		switch f.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

// MatchAll reports whether every filter matches the row
func MatchAll(row Row, filters []Filter) bool {
	for _, f := range filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

func inValues(v any) []any {
	if vs, ok := v.([]any); ok {
		return vs
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// normalize folds the many shapes a value can take (typed ids, pointers,
// named string types, JSON-decoded numbers) into string, int64, float64,
// bool, time.Time or nil.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case uuid.UUID:
		return x.String()
	case *uuid.UUID:
		if x == nil {
			return nil
		}
		return x.String()
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case bool:
		return x
	case *bool:
		if x == nil {
			return nil
		}
		return *x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	}
	return v
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compare(a, b)
	return ok && c == 0
}

// compare orders two normalized values. ok is false when they are not comparable.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	switch x := a.(type) {
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), true
		case time.Time:
			if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return t.Compare(y), true
			}
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y), true
		case string:
			if t, err := time.Parse(time.RFC3339Nano, y); err == nil {
				return x.Compare(t), true
			}
		}
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmpOrdered(x, y), true
		case int64:
			return cmpOrdered(x, float64(y)), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
