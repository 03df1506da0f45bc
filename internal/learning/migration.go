package learning

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all schema migrations. The initial
// schema is the embedded schema.sql; later versions extend it.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial outcomes log",
		SQL:         schemaSQL,
	},
	{
		Version:     2,
		Description: "Index for per-platform driver comparison",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_outcomes_kind_platform ON outcomes(action_kind, platform);
`,
	},
}

// applyMigrations applies all pending migrations. The serializable
// transaction keeps concurrent store openings from racing each other over
// initialization.
func (s *Store) applyMigrations() error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    description TEXT
)`); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}

	rows, err := tx.Query(`SELECT version FROM schema_version ORDER BY version ASC`)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied versions: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if _, err := tx.Exec(migration.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO schema_version (version, description) VALUES (?, ?)`,
			migration.Version, migration.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// appliedVersions returns the migration versions recorded in the database,
// in ascending order.
func (s *Store) appliedVersions() ([]int, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_version ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
