package storage

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/gotd/td/session"
)

// SessionStorage хранит и загружает данные авторизации движка из таблицы account_session.
// Формат данных определяет движок, хранилище работает с ними как с текстом.
type SessionStorage struct {
	DB        *sql.DB
	AccountID string
}

// SessionStorage возвращает хранилище авторизации для аккаунта.
func (db *DB) SessionStorage(accountID string) *SessionStorage {
	return &SessionStorage{DB: db.Conn, AccountID: accountID}
}

// LoadSession загружает текст сессии из БД.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil || s.DB == nil {
		return nil, session.ErrNotFound
	}

	var data string
	// В таблице account_session хранится не более одной записи на аккаунт,
	// поэтому достаточно выбрать её без сортировки.
	err := s.DB.QueryRowContext(ctx, "SELECT data_json FROM account_session WHERE account = $1", s.AccountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		log.Printf("[SessionStorage] ошибка чтения сессии %s: %v", s.AccountID, err)
		return nil, err
	}
	return []byte(data), nil
}

// StoreSession сохраняет текст сессии в БД.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	if s == nil || s.DB == nil {
		return session.ErrNotFound
	}
	// Обновляем существующую запись сессии, чтобы не создавать дубликаты
	_, err := s.DB.ExecContext(
		ctx,
		"INSERT INTO account_session (account, data_json) VALUES ($1, $2) "+
			"ON CONFLICT (account) DO UPDATE SET data_json = EXCLUDED.data_json, date_time = NOW()",
		s.AccountID,
		string(data),
	)
	if err != nil {
		log.Printf("[SessionStorage] ошибка сохранения сессии %s: %v", s.AccountID, err)
		return err
	}
	return nil
}

// DeleteSession удаляет сохранённую авторизацию; отсутствие записи ошибкой не считается.
func (s *SessionStorage) DeleteSession(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, "DELETE FROM account_session WHERE account = $1", s.AccountID)
	return err
}
