package notify

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// MigrationFiles contains the SQL migrations embedded in the binary, one
// directory per dialect: migrations/mysql, migrations/postgres, migrations/sqlite.
// Users can apply them with their preferred migration tool, or with ApplyMigrations.
//
// Example with goose:
//
//	goose.SetBaseFS(notify.MigrationFiles)
//	if err := goose.Up(db, "migrations/postgres"); err != nil {
//	    log.Fatal(err)
//	}
//
//go:embed migrations/*/*.sql
var MigrationFiles embed.FS

// Dialects lists the dialects MigrationFiles has migrations for.
func Dialects() []string {
	return []string{"mysql", "postgres", "sqlite"}
}

// ApplyMigrations runs every migration of the dialect in file name order.
// Tables use IF NOT EXISTS; the mysql indexes do not, so apply once per database there.
func ApplyMigrations(ctx context.Context, db *sql.DB, dialect string) error {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(MigrationFiles, dir)
	if err != nil {
		return NewErrorWithCause(ErrCodeConfiguration, fmt.Sprintf("unknown migration dialect: %q", dialect), err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := MigrationFiles.ReadFile(dir + "/" + name)
		if err != nil {
			return NewErrorWithCause(ErrCodeConfiguration, "failed to read migration "+name, err)
		}
		for _, stmt := range splitStatements(string(data)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return NewErrorWithCause(ErrCodeDatabase, "migration "+name+" failed", err)
			}
		}
	}
	return nil
}

// splitStatements splits a migration file on ";" and drops "--" comments.
func splitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
