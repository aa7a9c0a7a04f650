package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies a database against the structure the arena
// stores expect.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"question_sets":     "Question set catalog",
		"questions":         "Ordered questions per set",
		"room_results":      "Final results of finished rooms",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"question_sets": {
			"id":         "TEXT",
			"title":      "TEXT",
			"created_at": "DATETIME",
		},
		"questions": {
			"set_id":   "TEXT",
			"position": "INTEGER",
			"id":       "TEXT",
			"prompt":   "TEXT",
			"options":  "TEXT",
			"answer":   "TEXT",
		},
		"room_results": {
			"id":           "TEXT",
			"room_code":    "TEXT",
			"question_set": "TEXT",
			"rounds":       "INTEGER",
			"finished_at":  "DATETIME",
			"ranking":      "TEXT",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_questions_set_id":       "Question id uniqueness per set",
		"idx_room_results_code_time": "Latest results per room code",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that foreign key and check constraints are
// enforced. It needs a connection with foreign_keys enabled.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO questions (set_id, position, id, prompt, answer)
		VALUES ('__missing_set__', 0, 'q', 'p', 'a')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM questions WHERE set_id = '__missing_set__'")
		return fmt.Errorf("foreign key constraint not enforced: questions.set_id")
	}

	_, err = v.db.Exec(`
		INSERT INTO room_results (id, room_code, question_set, rounds, finished_at, ranking)
		VALUES ('__check__', 'ABC234', 'set', -1, CURRENT_TIMESTAMP, '[]')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM room_results WHERE id = '__check__'")
		return fmt.Errorf("check constraint not enforced: room_results.rounds")
	}

	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err = rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err = rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
