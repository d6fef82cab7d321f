//go:build !cgo_sqlite

package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver used by OpenDB.
const DriverName = "sqlite"

// OpenDB opens a SQLite database using the pure-Go driver.
func OpenDB(dataSource string) (*sql.DB, error) {
	return sql.Open(DriverName, dataSource)
}
