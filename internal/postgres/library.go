package postgres

import (
	"database/sql"
	"encoding/json"

	"nendo-server/internal/config"
)

// Library is the Postgres-backed Nendo library store.
type Library struct {
	DB  *DB
	DSN string
}

// NewLibrary builds a store from the server config.
func NewLibrary(cfg config.PostgresConfig) (*Library, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	return &Library{DB: NewDB(), DSN: dsn}, nil
}

func (l *Library) get() (*sql.DB, error) {
	return l.DB.Get(l.DSN)
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw []byte) map[string]interface{} {
	m := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}
