package storage

import (
	"context"
	"database/sql"
	"errors"
	"log"

	_ "github.com/lib/pq"
)

var (
	// ErrAccountNotFound возвращается, когда записи с таким id нет.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists возвращается при попытке вставить аккаунт с занятым id.
	ErrAccountExists = errors.New("account already exists")
)

type DB struct {
	Conn *sql.DB
}

func NewDB(conn *sql.DB) *DB {
	return &DB{Conn: conn}
}

// Open подключается к PostgreSQL и проверяет соединение,
// чтобы процесс не стартовал с неработающей БД.
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return NewDB(conn), nil
}

// schema создаёт таблицы, если их ещё нет. Изменения схемы добавляются
// только новыми IF NOT EXISTS-запросами.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		webhook_url        TEXT,
		status             TEXT NOT NULL DEFAULT 'INIT',
		phone_number       TEXT,
		qr_code            TEXT,
		last_snapshot      TEXT,
		snapshot_timestamp TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen          TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS account_session (
		account   TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
		data_json TEXT NOT NULL,
		date_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sos (
		id         SERIAL PRIMARY KEY,
		account_id TEXT,
		msg        TEXT NOT NULL,
		date_time  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema выполняет миграции при старте.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, q := range schema {
		if _, err := db.Conn.ExecContext(ctx, q); err != nil {
			log.Printf("[DB ERROR] миграция не выполнена: %v", err)
			return err
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.Conn.Close()
}
