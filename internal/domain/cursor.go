package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor references the oldest message currently held in a client buffer and
// is the exclusive upper bound of the next backward page request.
type Cursor Key

// CursorOf returns the cursor pointing at m.
func CursorOf(m Message) *Cursor {
	c := Cursor(m.Key())
	return &c
}

// Key returns the cursor as an ordering key.
func (c Cursor) Key() Key {
	return Key(c)
}

// Encode returns an opaque string form of the cursor.
func (c Cursor) Encode() string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses the output of Cursor.Encode. An empty string yields nil.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ID == "" {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}
