package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"wsm_go/models"

	"github.com/lib/pq"
)

const accountColumns = `id, name, webhook_url, status, phone_number, qr_code, last_snapshot,
       snapshot_timestamp, created_at, updated_at, last_seen`

// updatableColumns перечисляет поля, которые можно менять через UpdateAccountFields.
// id и created_at неизменяемы, updated_at проставляется автоматически.
var updatableColumns = map[string]struct{}{
	"name":               {},
	"webhook_url":        {},
	"status":             {},
	"phone_number":       {},
	"qr_code":            {},
	"last_snapshot":      {},
	"snapshot_timestamp": {},
	"last_seen":          {},
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAccount переносит строку выборки в модель, разбирая NULL-поля.
func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		account           models.Account
		status            string
		webhookURL        sql.NullString
		phoneNumber       sql.NullString
		qrCode            sql.NullString
		lastSnapshot      sql.NullString
		snapshotTimestamp sql.NullTime
		lastSeen          sql.NullTime
	)
	if err := row.Scan(
		&account.ID,
		&account.Name,
		&webhookURL,
		&status,
		&phoneNumber,
		&qrCode,
		&lastSnapshot,
		&snapshotTimestamp,
		&account.CreatedAt,
		&account.UpdatedAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	account.Status = models.AccountStatus(status)
	if webhookURL.Valid {
		account.WebhookURL = &webhookURL.String
	}
	if phoneNumber.Valid {
		account.PhoneNumber = &phoneNumber.String
	}
	if qrCode.Valid {
		account.QRCode = &qrCode.String
	}
	if lastSnapshot.Valid {
		account.LastSnapshot = &lastSnapshot.String
	}
	if snapshotTimestamp.Valid {
		account.SnapshotTimestamp = &snapshotTimestamp.Time
	}
	if lastSeen.Valid {
		account.LastSeen = &lastSeen.Time
	}
	return &account, nil
}

// CreateAccount сохраняет новый аккаунт. id генерирует вызывающая сторона.
func (db *DB) CreateAccount(ctx context.Context, account models.Account) (*models.Account, error) {
	query := `
              INSERT INTO accounts (id, name, webhook_url, status)
              VALUES ($1, $2, $3, $4)
              RETURNING ` + accountColumns

	created, err := scanAccount(db.Conn.QueryRowContext(ctx, query,
		account.ID,
		account.Name,
		account.WebhookURL,
		string(account.Status),
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrAccountExists
		}
		log.Printf("[DB ERROR] Ошибка при создании аккаунта: %v", err)
		return nil, err
	}

	log.Printf("[DB INFO] Аккаунт создан с ID=%s", created.ID)
	return created, nil
}

// GetAccountByID возвращает аккаунт или ErrAccountNotFound.
func (db *DB) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(db.Conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccounts возвращает все аккаунты в порядке создания.
// Проблемные строки пропускаются, чтобы одна битая запись не ломала весь список.
func (db *DB) GetAccounts(ctx context.Context) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at, id`

	rows, err := db.Conn.QueryContext(ctx, query)
	if err != nil {
		log.Printf("[DB ERROR] Failed to get accounts: %v", err)
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	accounts := make([]models.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			log.Printf("[DB WARN] Failed to scan account: %v", err)
			continue
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// UpdateAccountFields обновляет перечисленные поля аккаунта и updated_at.
// Незнакомые поля отклоняются, чтобы имя колонки никогда не приходило извне.
func (db *DB) UpdateAccountFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	columns := make([]string, 0, len(fields))
	for column := range fields {
		if _, ok := updatableColumns[column]; !ok {
			return fmt.Errorf("column %q is not updatable", column)
		}
		columns = append(columns, column)
	}
	// Порядок колонок фиксируем, чтобы текст запроса был стабильным
	sort.Strings(columns)

	sets := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	for i, column := range columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, i+1))
		args = append(args, fields[column])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE accounts SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := db.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DeleteAccount удаляет аккаунт вместе с сохранённой сессией (ON DELETE CASCADE).
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	res, err := db.Conn.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", id)
	if err != nil {
		log.Printf("[DB ERROR] удаление аккаунта %s: %v", id, err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// TouchLastSeen отмечает, что сессии перечисленных аккаунтов живы.
func (db *DB) TouchLastSeen(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Conn.ExecContext(ctx,
		"UPDATE accounts SET last_seen = NOW() WHERE id = ANY($1) AND status = 'READY'",
		pq.Array(ids),
	)
	return err
}
