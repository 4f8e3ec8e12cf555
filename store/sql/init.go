package sql

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

func createTables(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*jobModel)(nil),
		(*dependencyModel)(nil),
		(*workerModel)(nil),
		(*leaseModel)(nil),
		(*historyModel)(nil),
		(*dlqModel)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func createIndexes(ctx context.Context, db bun.IDB) error {
	steps := []func() error{
		func() error {
			_, err := db.NewCreateIndex().Model((*jobModel)(nil)).
				Index("idx_jobs_status").Column("status").IfNotExists().Exec(ctx)
			return err
		},
		func() error {
			_, err := db.NewCreateIndex().Model((*jobModel)(nil)).
				Index("idx_jobs_status_scheduled").Column("status", "scheduled_at").IfNotExists().Exec(ctx)
			return err
		},
		func() error {
			_, err := db.NewCreateIndex().Model((*dependencyModel)(nil)).
				Index("idx_dependencies_child").Column("child").IfNotExists().Exec(ctx)
			return err
		},
		func() error {
			_, err := db.NewCreateIndex().Model((*leaseModel)(nil)).
				Index("idx_leases_deadline").Column("deadline").IfNotExists().Exec(ctx)
			return err
		},
		func() error {
			_, err := db.NewCreateIndex().Model((*historyModel)(nil)).
				Index("idx_history_job").Column("job_id").IfNotExists().Exec(ctx)
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func initDB(ctx context.Context, db *bun.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := createTables(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createIndexes(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// InitDB creates every table and index the store needs, inside a single
// transaction. It is idempotent and performs no destructive migration.
func InitDB(ctx context.Context, db *bun.DB) error {
	return initDB(ctx, db)
}

// MustInitDB behaves like InitDB but panics on failure, for use during
// application bootstrap where a broken schema is unrecoverable.
func MustInitDB(ctx context.Context, db *bun.DB) {
	if err := initDB(ctx, db); err != nil {
		panic(err)
	}
}
