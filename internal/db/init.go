package db

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"

	_ "github.com/lib/pq"

	"jobpilot/internal/constants"
	"jobpilot/internal/lock"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const schema = "jobpilot_schema"

type migration struct {
	Name string
	SQL  string
}

// Init connects to the ledger database and applies the embedded schema
// scripts. A distributed lock keeps concurrent orchestrator instances
// from racing the migration.
//
// Steps:
//  1. Open a connection with the given URL.
//  2. Acquire the migration advisory lock.
//  3. Ping to verify the connection.
//  4. Create the schema if it does not exist.
//  5. Execute the embedded SQL scripts in file-name order.
//
// The lock is released and the connection closed on return.
func Init(postgresURL string, distributedLock lock.DistributedLockManager) error {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	migrationLock := constants.MigrationLock

	if err = distributedLock.Acquire(migrationLock); err != nil {
		return err
	}
	defer distributedLock.Release(migrationLock)

	if err = db.Ping(); err != nil {
		return err
	}

	_, err = db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema))
	if err != nil {
		return err
	}

	scripts, err := migrationScripts()
	if err != nil {
		return err
	}
	for _, m := range scripts {
		slog.Debug("applying migration", "script", m.Name)
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
	}

	return nil
}

// migrationScripts returns the embedded migrations sorted by file name
// so the numeric prefixes are honored.
func migrationScripts() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	scripts := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, migration{Name: name, SQL: string(content)})
	}

	return scripts, nil
}
