package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:     "sqlite",
	idColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
}

// NewSQLiteStore opens (creating if needed) the database file at path.
func NewSQLiteStore(path string, tables Tables) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	store, err := newSQLStore(db, sqliteDialect, tables)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}
