package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect holds the engine-specific statements for the registry table.
type Dialect struct {
	Name   string
	Driver string

	createTable string
	lockTable   string // empty when the engine has no table locks
	indexExists string
	createIndex string
	deleteName  string
	insertHead  string
	collect     string
	selectAll   string

	placeholder     func(n int) string
	uniqueViolation func(err error) bool
}

// Postgres stores the registry in an unlogged table: it is liveness data and
// is rebuilt within one advertising cycle after a database crash.
var Postgres = &Dialect{
	Name:   "postgres",
	Driver: "postgres",

	createTable: `CREATE UNLOGGED TABLE IF NOT EXISTS eventloops (
  name          TEXT NOT NULL,
  address       INET NOT NULL,
  port          INTEGER NOT NULL,
  updated       TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
  CHECK (port > 0 AND port <= 65535),
  UNIQUE (name, address, port),
  UNIQUE (address, port)
)`,
	lockTable: `LOCK TABLE eventloops IN EXCLUSIVE MODE`,
	indexExists: `SELECT 1 FROM pg_catalog.pg_indexes
 WHERE schemaname = CURRENT_SCHEMA()
   AND tablename = 'eventloops'
   AND indexname = 'eventloops_name_idx'`,
	createIndex: `CREATE INDEX eventloops_name_idx ON eventloops (name)`,
	deleteName:  `DELETE FROM eventloops WHERE name = $1`,
	insertHead:  `INSERT INTO eventloops (name, address, port) VALUES `,
	collect:     `DELETE FROM eventloops WHERE updated < (NOW() - $1::float8 * INTERVAL '1 second')`,
	selectAll:   `SELECT name, host(address), port FROM eventloops ORDER BY name, address, port`,

	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	uniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// SQLite has no unlogged tables, so the registry is a regular table with
// updated kept as unix seconds. Open makes every transaction IMMEDIATE; the
// database write lock taken at BEGIN stands in for the table lock.
var SQLite = &Dialect{
	Name:   "sqlite",
	Driver: "sqlite",

	createTable: `CREATE TABLE IF NOT EXISTS eventloops (
  name          TEXT NOT NULL,
  address       TEXT NOT NULL,
  port          INTEGER NOT NULL,
  updated       INTEGER NOT NULL DEFAULT (CAST(strftime('%s', 'now') AS INTEGER)),
  CHECK (port > 0 AND port <= 65535),
  UNIQUE (name, address, port),
  UNIQUE (address, port)
)`,
	indexExists: `SELECT 1 FROM sqlite_master
 WHERE type = 'index'
   AND tbl_name = 'eventloops'
   AND name = 'eventloops_name_idx'`,
	createIndex: `CREATE INDEX eventloops_name_idx ON eventloops (name)`,
	deleteName:  `DELETE FROM eventloops WHERE name = ?`,
	insertHead:  `INSERT INTO eventloops (name, address, port) VALUES `,
	collect:     `DELETE FROM eventloops WHERE updated < CAST(strftime('%s', 'now') AS INTEGER) - ?`,
	selectAll:   `SELECT name, address, port FROM eventloops ORDER BY name, address, port`,

	placeholder: func(int) string { return "?" },
	uniqueViolation: func(err error) bool {
		var se *sqlite.Error
		if errors.As(err, &se) {
			switch se.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return true
			}
		}
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (*Dialect, error) {
	switch driver {
	case Postgres.Driver, "postgresql", "pq":
		return Postgres, nil
	case SQLite.Driver, "sqlite3":
		return SQLite, nil
	default:
		return nil, fmt.Errorf("registry: unsupported database driver %q", driver)
	}
}

// insertStatement builds a single multi-row insert for n rows.
func (d *Dialect) insertStatement(n int) string {
	var b strings.Builder
	b.WriteString(d.insertHead)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(%s, %s, %s)", d.placeholder(3*i+1), d.placeholder(3*i+2), d.placeholder(3*i+3))
	}
	return b.String()
}
