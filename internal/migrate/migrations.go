// Package migrate applies the embedded schema migrations in version order.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	upSQL   string
}

// Migrate brings the database to the latest embedded schema version. All
// pending steps run in a single transaction; a failure leaves the schema
// where it was.
func Migrate(db *sql.DB) error {
	steps, err := readSteps()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := ensureVersionTable(tx)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.upSQL); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record version %d: %w", s.version, err)
		}
		current = s.version
	}
	return tx.Commit()
}

func readSteps() ([]step, error) {
	files, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []step
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration filename %q lacks a numeric prefix: %w", f.Name(), err)
		}
		steps = append(steps, step{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func ensureVersionTable(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return current, nil
}
