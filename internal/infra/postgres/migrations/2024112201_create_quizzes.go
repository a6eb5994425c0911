package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_quizzes.sql
var createQuizzesSQL string

// Migrations holds every schema change. bun names each one after the registering file.
var Migrations = migrate.NewMigrations()

// exec returns a migration step running one SQL script.
func exec(script string) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, script)
		return err
	}
}

func init() {
	Migrations.MustRegister(exec(createQuizzesSQL), exec(`DROP TABLE IF EXISTS quizzes`))
}
