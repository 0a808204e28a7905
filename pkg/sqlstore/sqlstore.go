// Package sqlstore opens the relational databases behind the ledger and the
// answer log. SQLite (modernc) is the default; PostgreSQL is reached through
// the pgx stdlib driver when the DSN looks like a Postgres connection string.
package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB is a *sql.DB tagged with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// DetectDialect infers the dialect from a DSN. Anything that is not a
// Postgres URL or keyword/value string is treated as a SQLite path.
func DetectDialect(dsn string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres
	case strings.Contains(lower, "host=") && (strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=")):
		return DialectPostgres
	default:
		return DialectSQLite
	}
}

// SQLiteDSN appends the settings every SQLite handle in this module needs.
// WAL journaling and a busy timeout let several handles share one file, and
// immediate transactions take the write lock up front so a read-then-update
// transaction never fails on lock upgrade.
func SQLiteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// Open connects to dsn and pings it.
func Open(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("open db: empty dsn")
	}

	dialect := DetectDialect(dsn)
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		db, err = sql.Open("sqlite", SQLiteDSN(dsn))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", dialect, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// OpenSQLite opens a SQLite file regardless of what the path looks like.
func OpenSQLite(path string) (*DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	return &DB{DB: db, Dialect: DialectSQLite}, nil
}

// Rebind rewrites ? placeholders to $n for Postgres. Queries in this module
// never contain literal question marks.
func (d *DB) Rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ForUpdate returns the row-locking suffix for SELECTs inside a transaction.
// SQLite serializes writers itself, so it gets nothing.
func (d *DB) ForUpdate() string {
	if d.Dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// SerialKey returns the column definition of an auto-incrementing primary key.
func (d *DB) SerialKey() string {
	if d.Dialect == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
