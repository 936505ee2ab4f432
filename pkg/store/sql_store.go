package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mattyonweb/tbsm/pkg/contracts"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	Name        string
	dollarBinds bool
	lockSuffix  string
	decimalType string
	boolType    string
	serialType  string
}

var (
	// Postgres serializes settlements with row locks taken by SELECT ... FOR UPDATE.
	Postgres = Dialect{
		Name:        "postgres",
		dollarBinds: true,
		lockSuffix:  " FOR UPDATE",
		decimalType: "NUMERIC",
		boolType:    "BOOLEAN",
		serialType:  "BIGSERIAL PRIMARY KEY",
	}
	// SQLite relies on a single writer connection.
	SQLite = Dialect{
		Name:        "sqlite",
		decimalType: "TEXT",
		boolType:    "INTEGER",
		serialType:  "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
)

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d Dialect) rebind(query string) string {
	if !d.dollarBinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// OpenPostgres connects with lib/pq and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(db, Postgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a database file with modernc.org/sqlite.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: writers are serialized and :memory: stays a single database
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, SQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqlTx{tx: tx, d: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) DueObligations(ctx context.Context, t time.Time) ([]*contracts.Obligation, error) {
	query := s.dialect.rebind(`SELECT ` + obligationColumns + ` FROM tbsm_obligations
		WHERE status = ? AND due_at <= ? ORDER BY due_at, id`)
	rows, err := s.db.QueryContext(ctx, query, string(contracts.StatusPending), toMicros(t))
	if err != nil {
		return nil, fmt.Errorf("list due obligations: %w", err)
	}
	return collectObligations(rows)
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

// isUniqueViolation recognises duplicate key errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
