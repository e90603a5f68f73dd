package storage

import (
	"context"
	"database/sql"

	"wsm_go/models"
)

const defaultSosLimit = 50

// SaveSos сохраняет сообщение о критичном событии в таблице sos.
// Фиксируем только текст и аккаунт, время добавляет сама БД через DEFAULT NOW().
func (db *DB) SaveSos(ctx context.Context, accountID, msg string) error {
	_, err := db.Conn.ExecContext(ctx, `INSERT INTO sos (account_id, msg) VALUES ($1, $2)`, accountID, msg)
	return err
}

// ListSos возвращает последние инциденты аккаунта, новые первыми.
func (db *DB) ListSos(ctx context.Context, accountID string, limit int) ([]models.Sos, error) {
	if limit <= 0 {
		limit = defaultSosLimit
	}
	rows, err := db.Conn.QueryContext(ctx,
		`SELECT id, account_id, date_time, msg FROM sos WHERE account_id = $1 ORDER BY date_time DESC, id DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]models.Sos, 0)
	for rows.Next() {
		var (
			s       models.Sos
			account sql.NullString
		)
		if err := rows.Scan(&s.ID, &account, &s.DateTime, &s.Msg); err != nil {
			return nil, err
		}
		s.AccountID = account.String
		list = append(list, s)
	}
	return list, rows.Err()
}
