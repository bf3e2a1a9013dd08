package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"

	"github.com/haatos/simple-dispatch/internal/settings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func InitDatabase(s *settings.AppSettings, readonly bool) (*sql.DB, error) {
	db, err := sql.Open(s.DBDriver, s.DataSourceName(readonly))
	if err != nil {
		return nil, fmt.Errorf("error opening %s database: %w", s.DBDriver, err)
	}
	if s.IsPostgres() {
		return db, nil
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			db.Close()
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}

	return db, nil
}
