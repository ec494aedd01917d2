package database

import (
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordID builds a SurrealDB record ID from a table and key. A key that
// already carries the table prefix is accepted.
func RecordID(table, key string) models.RecordID {
	key = strings.TrimPrefix(key, table+":")
	return models.NewRecordID(table, key)
}

// ParseRecordID splits "table:key" into a record ID.
func ParseRecordID(id string) (models.RecordID, error) {
	table, key, ok := strings.Cut(id, ":")
	if !ok || table == "" || key == "" {
		return models.RecordID{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return models.NewRecordID(table, key), nil
}

// RecordKey returns the key part of a record ID as a string.
func RecordKey(id *models.RecordID) string {
	if id == nil {
		return ""
	}
	if s, ok := id.ID.(string); ok {
		return s
	}
	return fmt.Sprint(id.ID)
}
