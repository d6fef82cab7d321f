//go:build cgo_sqlite

package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver used by OpenDB.
const DriverName = "sqlite3"

// OpenDB opens a SQLite database using the cgo driver.
func OpenDB(dataSource string) (*sql.DB, error) {
	return sql.Open(DriverName, dataSource)
}
