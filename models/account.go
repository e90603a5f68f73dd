package models

import "time"

// AccountStatus хранит в БД проекцию состояния сессии аккаунта.
// Живое состояние хранит менеджер сессий, в БД оно попадает с задержкой.
type AccountStatus string

const (
	StatusInit         AccountStatus = "INIT"
	StatusQR           AccountStatus = "QR"
	StatusAuth         AccountStatus = "AUTH"
	StatusReady        AccountStatus = "READY"
	StatusDisconnected AccountStatus = "DISCONNECTED"
)

// Valid сообщает, входит ли статус в допустимый набор значений.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusInit, StatusQR, StatusAuth, StatusReady, StatusDisconnected:
		return true
	}
	return false
}

// Account описывает отслеживаемый аккаунт мессенджера.
// qr_code заполнен только пока статус равен QR.
type Account struct {
	ID                string        `json:"id"`                 // Неизменяемый идентификатор (uuid)
	Name              string        `json:"name"`               // Отображаемое имя
	WebhookURL        *string       `json:"webhook_url"`        // Куда пересылать входящие сообщения
	Status            AccountStatus `json:"status"`             // Последний сохранённый статус сессии
	PhoneNumber       *string       `json:"phone_number"`       // Номер, появляется после READY
	QRCode            *string       `json:"qr_code"`            // Картинка для привязки (data URL)
	LastSnapshot      *string       `json:"last_snapshot"`      // Последний снимок экрана (data URL)
	SnapshotTimestamp *time.Time    `json:"snapshot_timestamp"` // Время снимка
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LastSeen          *time.Time    `json:"last_seen"` // Последний раз, когда сессия была готова
}

// Webhook возвращает адрес вебхука или пустую строку.
func (a Account) Webhook() string {
	if a.WebhookURL == nil {
		return ""
	}
	return *a.WebhookURL
}
