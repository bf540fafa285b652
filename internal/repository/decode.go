package repository

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/quocanhngo/convo/internal/store"
)

var (
	uuidType = reflect.TypeOf(uuid.UUID{})
	timeType = reflect.TypeOf(time.Time{})
)

// timeLayouts are tried in order when a timestamp arrives as text, which
// happens for events that crossed a broker as JSON.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
}

// decodeRow maps a store row onto T using the json tags of its fields
func decodeRow[T any](row store.Row) (*T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			uuidHook(),
			timeHook(),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(map[string]any(row)); err != nil {
		return nil, fmt.Errorf("decode %T: %w", out, err)
	}
	return &out, nil
}

func decodeRows[T any](rows []store.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := decodeRow[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func uuidHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != uuidType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return uuid.Parse(v)
		case [16]byte:
			return uuid.UUID(v), nil
		case []byte:
			if len(v) == 16 {
				return uuid.FromBytes(v)
			}
			return uuid.ParseBytes(v)
		}
		return data, nil
	}
}

func timeHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != timeType {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("unrecognized timestamp %q", s)
	}
}

// Row field readers for the few places a whole struct is not needed

func rowUUID(r store.Row, col string) uuid.UUID {
	switch v := r[col].(type) {
	case uuid.UUID:
		return v
	case string:
		id, _ := uuid.Parse(v)
		return id
	case [16]byte:
		return uuid.UUID(v)
	case []byte:
		if id, err := uuid.FromBytes(v); err == nil {
			return id
		}
		id, _ := uuid.ParseBytes(v)
		return id
	}
	return uuid.Nil
}

func rowTime(r store.Row, col string) *time.Time {
	switch v := r[col].(type) {
	case time.Time:
		t := v.UTC()
		return &t
	case *time.Time:
		return v
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

// Decode maps a row carried by a change event onto T
func Decode[T any](row store.Row) (*T, error) { return decodeRow[T](row) }
