package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL backend.
type Dialect string

// Supported backends.
const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// Error wraps any failure inside the audit store. The engine treats
// every landscape error as fatal for the run: an audit trail that
// cannot be written is worse than a stopped pipeline.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("landscape: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DB is a handle to the audit database.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// Open connects to the audit database and applies the schema.
//
// For SQLite, dsn is a file path or ":memory:"; the connection is
// configured with WAL journaling, foreign key enforcement, and a busy
// timeout so concurrent readers do not starve the single writer.
// For MySQL, dsn is a go-sql-driver DSN; parseTime and multi-statement
// support are not required.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	var (
		handle *sql.DB
		err    error
	)
	switch dialect {
	case DialectSQLite:
		handle, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// The modernc driver is not safe for concurrent writes on
			// separate connections to the same file.
			handle.SetMaxOpenConns(1)
		}
	case DialectMySQL:
		handle, err = sql.Open("mysql", dsn)
		if err == nil {
			handle.SetMaxOpenConns(16)
			handle.SetMaxIdleConns(4)
			handle.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		return nil, &Error{Op: "open", Err: fmt.Errorf("unsupported dialect %q", dialect)}
	}
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("pinging database: %w", err)}
	}

	db := &DB{sql: handle, dialect: dialect}
	if err := db.Migrate(ctx); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// sqliteDSN appends the pragmas the audit store depends on.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
}

// Close releases the underlying connection pool.
func (db *DB) Close() error { return db.sql.Close() }

// Dialect reports which backend this handle talks to.
func (db *DB) Dialect() Dialect { return db.dialect }

// withTx runs fn in a transaction, committing on success and rolling
// back on error. Every recorder write uses this so each audit
// operation is atomic.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if _, ok := err.(*Error); ok {
			return err
		}
		return &Error{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("committing transaction: %w", err)}
	}
	return nil
}

// execMigration runs one schema statement, papering over the MySQL
// gap: MySQL has no CREATE INDEX IF NOT EXISTS, so duplicate-index
// errors (1061) on re-migration are benign.
func (db *DB) execMigration(ctx context.Context, stmt string) error {
	if db.dialect == DialectMySQL && strings.HasPrefix(stmt, "CREATE INDEX IF NOT EXISTS") {
		stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		_, err := db.sql.ExecContext(ctx, stmt)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1061 {
			return nil
		}
		return err
	}
	_, err := db.sql.ExecContext(ctx, stmt)
	return err
}

// timestamp formats t the way the schema stores instants: UTC,
// millisecond precision, RFC 3339.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// parseTimestamp is the inverse of timestamp.
func parseTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z", s)
}
