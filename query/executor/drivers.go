package executor

import (
	// Drivers for the supported deployment targets.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens a SQLite database at the given path.
func OpenSQLite(path string) (*DB, error) {
	return Open("sqlite3", path)
}

// OpenMySQL opens a MySQL database with the given DSN.
func OpenMySQL(dsn string) (*DB, error) {
	return Open("mysql", dsn)
}
