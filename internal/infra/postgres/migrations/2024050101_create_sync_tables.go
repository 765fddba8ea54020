package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_sync_tables.sql
var createSyncTablesSQL string

var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, createSyncTablesSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `
DROP TRIGGER IF EXISTS questions_notify ON questions;
DROP FUNCTION IF EXISTS notify_question_change();
DROP TABLE IF EXISTS questions;
DROP TABLE IF EXISTS subjects;`)
			return err
		},
	)
}
