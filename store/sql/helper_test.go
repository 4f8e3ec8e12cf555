package sql_test

import (
	gosql "database/sql"
	"context"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"

	lsql "github.com/ovidian/loom/store/sql"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	sqlDB, err := gosql.Open("sqlite", "file::memory:?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	ctx := context.Background()
	if err := lsql.InitDB(ctx, db); err != nil {
		t.Fatal(err)
	}
	return db
}
