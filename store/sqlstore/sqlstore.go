// Package sqlstore implements store.Store on top of database/sql, with SQLite
// and PostgreSQL dialects.
//
// Entries live in a single table keyed by (namespace, key). Keys are BLOB/BYTEA
// so ordering is bytewise on both databases.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nickpoorman/http-requeue/store"
	"github.com/pkg/errors"
)

// DefaultTable is the table entries are written to.
const DefaultTable = "requeue_entries"

type dialect struct {
	driver string
	// placeholder returns the i'th (1 based) bind parameter.
	placeholder func(i int) string
	keyType     string
	quote       func(string) string
}

var (
	sqliteDialect = dialect{
		driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
		keyType:     "BLOB",
		quote:       quoteIdentifier,
	}
	postgresDialect = dialect{
		driver:      "postgres",
		placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
		keyType:     "BYTEA",
		quote:       pq.QuoteIdentifier,
	}
)

type Store struct {
	db    *sql.DB
	table string

	putSQL    string
	getSQL    string
	deleteSQL string
	listSQL   string
}

// OpenSQLite creates or opens a SQLite database at path. Applies WAL pragmas
// and creates the table when missing.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: opening sqlite")
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s, err := newStore(ctx, db, sqliteDialect, DefaultTable)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to dsn and creates table when missing. An empty table
// means DefaultTable.
func OpenPostgres(ctx context.Context, dsn, table string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("sqlstore: empty postgres dsn")
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: opening postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlstore: connecting to postgres")
	}
	s, err := newStore(ctx, db, postgresDialect, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "sqlstore: executing %q", pragma)
		}
	}
	return nil
}

func newStore(ctx context.Context, db *sql.DB, d dialect, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	t := d.quote(table)
	p := d.placeholder

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			k %s NOT NULL,
			v %s NOT NULL,
			PRIMARY KEY (namespace, k)
		)`, t, d.keyType, d.keyType)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, errors.Wrapf(err, "sqlstore: creating table %s", table)
	}

	return &Store{
		db:    db,
		table: table,
		putSQL: fmt.Sprintf(`
			INSERT INTO %s (namespace, k, v) VALUES (%s, %s, %s)
			ON CONFLICT (namespace, k) DO UPDATE SET v = excluded.v`, t, p(1), p(2), p(3)),
		getSQL:    fmt.Sprintf(`SELECT v FROM %s WHERE namespace = %s AND k = %s`, t, p(1), p(2)),
		deleteSQL: fmt.Sprintf(`DELETE FROM %s WHERE namespace = %s AND k = %s`, t, p(1), p(2)),
		listSQL:   fmt.Sprintf(`SELECT k FROM %s WHERE namespace = %s AND k >= %s ORDER BY k`, t, p(1), p(2)),
	}, nil
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Table is the name of the entries table.
func (s *Store) Table() string {
	return s.table
}

// nonNil keeps empty keys from binding as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (s *Store) Put(ctx context.Context, namespace string, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.putSQL, namespace, nonNil(key), nonNil(value))
	return errors.Wrap(err, "sqlstore: put")
}

func (s *Store) Get(ctx context.Context, namespace string, key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.getSQL, namespace, nonNil(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: get")
	}
	return v, nil
}

func (s *Store) Delete(ctx context.Context, namespace string, key []byte) error {
	_, err := s.db.ExecContext(ctx, s.deleteSQL, namespace, nonNil(key))
	return errors.Wrap(err, "sqlstore: delete")
}

func (s *Store) ListKeys(ctx context.Context, namespace string, prefix []byte) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.listSQL, namespace, nonNil(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: list keys")
	}
	defer rows.Close()

	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "sqlstore: scanning key")
		}
		// Rows are ordered, so the first key past the prefix ends the range.
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlstore: list keys")
	}
	return keys, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

var _ store.Store = (*Store)(nil)
