package database

import (
	"database/sql"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:        "postgres",
	idColumn:    "id BIGSERIAL PRIMARY KEY",
	asyncCommit: "SET LOCAL synchronous_commit TO OFF",
}

func NewPostgresStore(dsn string, tables Tables) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	store, err := newSQLStore(db, postgresDialect, tables)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}
