package database

import (
	"database/sql"
	"fmt"

	"github.com/samber/lo"
)

// SchemaValidator checks that an opened database carries the message store schema.
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var (
	requiredTables  = []string{"messages", "schema_migrations"}
	requiredIndexes = []string{"idx_messages_room_created", "idx_messages_sender"}

	messageColumns = map[string]string{
		"id":          "TEXT",
		"room":        "TEXT",
		"content":     "TEXT",
		"sender_id":   "TEXT",
		"sender_name": "TEXT",
		"timestamp":   "DATETIME",
		"created_at":  "DATETIME",
	}
)

// Validate runs every schema check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateTableStructure()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateIndexes verifies the history lookup indexes exist.
// FUNCTIONAL DISCOVERY: Room history is always read newest-first by room, so a
// missing idx_messages_room_created turns every history call into a table scan
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateTableStructure verifies the messages columns and their declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	found, err := v.columns("messages")
	if err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}

	for column, expectedType := range messageColumns {
		foundType, ok := found[column]
		if !ok {
			return fmt.Errorf("messages table structure invalid: column %s not found", column)
		}
		if foundType != expectedType {
			return fmt.Errorf("messages table structure invalid: column %s has type %s, expected %s",
				column, foundType, expectedType)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?", kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) columns(table string) (map[string]string, error) {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type column struct{ name, dataType string }
	var cols []column
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, column{name, dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return lo.SliceToMap(cols, func(c column) (string, string) { return c.name, c.dataType }), nil
}
