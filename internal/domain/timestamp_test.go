package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddedTime struct {
	time.Time
}

func TestParseTimestamp(t *testing.T) {
	ref := time.Date(2024, 3, 9, 12, 30, 45, 123000000, time.UTC)
	want := TimestampOf(ref)

	tests := []struct {
		name  string
		input any
	}{
		{"time.Time", ref},
		{"embedded time", embeddedTime{ref}},
		{"pointer to time", &ref},
		{"rfc3339 string", ref.Format(time.RFC3339Nano)},
		{"millis float", float64(ref.UnixMilli())},
		{"millis int64", ref.UnixMilli()},
		{"millis string", "1709987445123"},
		{"seconds object", map[string]any{"seconds": float64(ref.Unix()), "nanoseconds": float64(123000000)}},
		{"firestore object", map[string]any{"_seconds": float64(ref.Unix()), "_nanoseconds": float64(123000000)}},
		{"timestamp", want},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseTimestampRejects(t *testing.T) {
	var nilTime *time.Time
	for _, v := range []any{nil, nilTime, "", "yesterday", map[string]any{"nanos": 1}, []int{1}} {
		_, err := ParseTimestamp(v)
		assert.ErrorIs(t, err, ErrInvalidTimestamp, "input %#v", v)
	}
}

func TestKeyLessBreaksTiesOnID(t *testing.T) {
	a := Key{At: 10, ID: "a"}
	b := Key{At: 10, ID: "b"}
	c := Key{At: 9, ID: "z"}

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, c.Less(a))
	assert.False(t, a.Less(a))
}
