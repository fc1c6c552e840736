// Package migrations holds migrations related helpers
package migrations

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

const usageText = `Usage:
  go run ./cmd/settlement/migrate [-config path] <command>

Commands:
  init    creates the bun_migrations bookkeeping tables
  up      applies every pending migration
  down    reverts the last migration group
  status  prints applied and pending migrations

Examples:
  go run ./cmd/settlement/migrate -config config.yaml init
  go run ./cmd/settlement/migrate -config config.yaml up
`

// ErrNoCommand is returned by RunMigrations when no command is given
var ErrNoCommand = errors.New("no command provided")

// Usage prints command usage
func Usage() {
	fmt.Print(usageText)
	flag.PrintDefaults()
	os.Exit(2)
}

// Exitf prints the message followed by usage and exits
func Exitf(s string, args ...any) {
	fmt.Fprintf(os.Stderr, s+"\n", args...)
	Usage()
}

// CreateSchema creates the tables of the given models if they do not exist
func CreateSchema(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		table, err := tableName(db, model)
		if err != nil {
			return err
		}
		log.Printf("creating table %s", table)
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	return nil
}

// DropTables drops the tables of the given models, in order
func DropTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		table, err := tableName(db, model)
		if err != nil {
			return err
		}
		log.Printf("dropping table %s", table)
		if _, err := db.NewDropTable().Model(model).IfExists().Cascade().Exec(ctx); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
	}
	return nil
}

// CreateModelIndexes creates one idx_<table>_<column> index per column.
func CreateModelIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	return createModelIndexes(ctx, db, model, false, columns)
}

// CreateModelUniqueIndexes is CreateModelIndexes with unique indexes.
func CreateModelUniqueIndexes(ctx context.Context, db bun.IDB, model any, columns ...string) error {
	return createModelIndexes(ctx, db, model, true, columns)
}

func createModelIndexes(ctx context.Context, db bun.IDB, model any, unique bool, columns []string) error {
	table, err := tableName(db, model)
	if err != nil {
		return err
	}
	for _, column := range columns {
		q := db.NewCreateIndex().
			Model(model).
			Index(fmt.Sprintf("idx_%s_%s", table, column)).
			Column(column).
			IfNotExists()
		if unique {
			q = q.Unique()
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("index %s.%s: %w", table, column, err)
		}
	}
	return nil
}

// CreatePartialUniqueIndex creates a unique index over column restricted to rows whose status
// is not one of the excluded values. Rows that leave the live set stop competing for the key.
func CreatePartialUniqueIndex(ctx context.Context, db bun.IDB, model any, name, column string, excluded ...string) error {
	if len(excluded) == 0 {
		return fmt.Errorf("partial index %s needs at least one excluded status", name)
	}
	_, err := db.NewCreateIndex().
		Model(model).
		Index(name).
		Column(column).
		Unique().
		IfNotExists().
		Where("status NOT IN (?)", bun.In(excluded)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("partial index %s: %w", name, err)
	}
	return nil
}

func tableName(db bun.IDB, model any) (string, error) {
	if model == nil {
		return "", fmt.Errorf("model cannot be nil")
	}
	name := db.NewCreateIndex().Model(model).GetTableName()
	if name == "" {
		return "", fmt.Errorf("failed to resolve table name for model %T", model)
	}
	return strings.NewReplacer(`"`, "", ".", "_").Replace(name), nil
}

// RunMigrations runs the migrate command named by args[0]
func RunMigrations(migrator *migrate.Migrator, args ...string) error {
	if len(args) == 0 {
		return ErrNoCommand
	}
	ctx := context.Background()

	switch args[0] {
	case "init":
		if err := migrator.Init(ctx); err != nil {
			return err
		}
		log.Println("migration tables created")
		return nil

	case "up":
		return withLock(ctx, migrator, func() error {
			group, err := migrator.Migrate(ctx)
			if err != nil {
				return err
			}
			if group.IsZero() {
				log.Println("database is up to date")
				return nil
			}
			log.Printf("migrated to %s", group)
			return nil
		})

	case "down":
		return withLock(ctx, migrator, func() error {
			group, err := migrator.Rollback(ctx)
			if err != nil {
				return err
			}
			if group.IsZero() {
				log.Println("nothing to roll back")
				return nil
			}
			log.Printf("rolled back %s", group)
			return nil
		})

	case "status":
		ms, err := migrator.MigrationsWithStatus(ctx)
		if err != nil {
			return err
		}
		log.Printf("applied: %s", ms.Applied())
		log.Printf("pending: %s", ms.Unapplied())
		log.Printf("last group: %s", ms.LastGroup())
		return nil

	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// withLock serialises concurrent migrate runs against the same database.
func withLock(ctx context.Context, migrator *migrate.Migrator, fn func() error) error {
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			log.Printf("failed to release migration lock: %v", err)
		}
	}()
	return fn()
}
