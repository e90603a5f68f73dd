package models

import "time"

// Sos фиксирует критическое событие по аккаунту: потерю авторизации,
// повторное использование одного номера разными аккаунтами и т.п.
// Время записи проставляет БД.
type Sos struct {
	ID        int       `json:"id"`
	AccountID string    `json:"account_id"`
	DateTime  time.Time `json:"date_time"`
	Msg       string    `json:"msg"`
}
