package domain

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Timestamp is a backend-assigned instant in unix microseconds. Every ordering
// and cursor decision in the sync engine is made on this type; raw backend
// datetime shapes are converted with ParseTimestamp at the gateway boundary.
type Timestamp int64

// TimestampOf converts a time.Time.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Time returns the timestamp as a UTC time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t == 0
}

// Before reports whether t is strictly earlier than o.
func (t Timestamp) Before(o Timestamp) bool {
	return t < o
}

func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts the datetime representations seen on the wire:
// time.Time and anything embedding it (SurrealDB's CustomDateTime), RFC 3339
// strings, unix milliseconds as numbers or numeric strings, and
// {seconds, nanoseconds} objects.
func ParseTimestamp(v any) (Timestamp, error) {
	if isNilValue(v) {
		return 0, ErrInvalidTimestamp
	}

	switch x := v.(type) {
	case Timestamp:
		return x, nil
	case interface{ UnixMicro() int64 }:
		return Timestamp(x.UnixMicro()), nil
	case string:
		return parseTimestampString(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, ErrInvalidTimestamp
		}
		return Timestamp(int64(x * 1000)), nil
	case float32:
		return ParseTimestamp(float64(x))
	case int64:
		return Timestamp(x * 1000), nil
	case int:
		return Timestamp(int64(x) * 1000), nil
	case uint64:
		return Timestamp(int64(x) * 1000), nil
	case map[string]any:
		return parseTimestampObject(x)
	}

	return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, v)
}

func parseTimestampString(s string) (Timestamp, error) {
	if s == "" {
		return 0, ErrInvalidTimestamp
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return TimestampOf(t), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Timestamp(ms * 1000), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

func parseTimestampObject(m map[string]any) (Timestamp, error) {
	secs, ok := numberField(m, "seconds", "_seconds")
	if !ok {
		return 0, fmt.Errorf("%w: object without seconds", ErrInvalidTimestamp)
	}
	nanos, _ := numberField(m, "nanoseconds", "_nanoseconds")
	return TimestampOf(time.Unix(secs, nanos)), nil
}

func numberField(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return int64(n), true
		case int64:
			return n, true
		case int:
			return int64(n), true
		case uint64:
			return int64(n), true
		}
	}
	return 0, false
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
