package database

import (
	"context"
	"database/sql"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	_ "github.com/lib/pq"
)

const dateLayout = "2006-01-02"

// DB wraps the database connection
type DB struct {
	*sqlx.DB
}

// Connect establishes a connection to the database
func Connect(ctx context.Context, connectionString string) (*DB, error) {
	db, err := sqlx.Open("postgres", connectionString)
	if err != nil {
		return nil, xerrors.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// RunMigrations executes every .sql file of fsys in lexical order. The
// migrations are idempotent and run on every start.
func (db *DB) RunMigrations(ctx context.Context, logger slog.Logger, fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return xerrors.Errorf("read migrations: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		content, err := fs.ReadFile(fsys, filename)
		if err != nil {
			return xerrors.Errorf("read migration %s: %w", filename, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return xerrors.Errorf("execute migration %s: %w", filename, err)
		}
		logger.Debug(ctx, "applied migration", slog.F("file", filename))
	}

	logger.Info(ctx, "migrations complete", slog.F("count", len(sqlFiles)))
	return nil
}

// getOne runs a single-row query and maps sql.ErrNoRows to (false, nil).
func (db *DB) getOne(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	err := db.GetContext(ctx, dest, query, args...)
	if xerrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
