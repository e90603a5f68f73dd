// Package engine описывает контракт движка автоматизации, через который
// менеджер сессий управляет подключениями к сети мессенджера.
// Сам протокол сети (привязка по QR, формат сообщений, управление браузером)
// реализуют драйверы в отдельных пакетах.
package engine

import (
	"context"
	"errors"
)

// ErrNoSurface возвращается драйвером, у сессий которого нет поверхности отрисовки.
var ErrNoSurface = errors.New("engine has no rendering surface")

// Identity — учётная запись сети, под которой авторизовалась сессия.
type Identity struct {
	ID    string // Идентификатор в сети (wid, user id)
	Phone string // Номер телефона без домена
	Name  string
}

// Message описывает нормализованное входящее сообщение.
type Message struct {
	ID          string
	From        string
	To          string
	Body        string
	Type        string
	Timestamp   int64 // Unix-время отправки
	HasMedia    bool
	IsForwarded bool
	IsStatus    bool
	IsStarred   bool
	Broadcast   bool
}

// Events — обработчики событий жизненного цикла сессии.
// Драйвер вызывает их последовательно, в порядке возникновения,
// и никогда не вызывает после завершения Destroy.
type Events struct {
	OnPairingCode   func(code string)
	OnAuthenticated func()
	OnReady         func(id Identity)
	OnMessage       func(msg Message)
	OnDisconnected  func(reason string)
	OnAuthFailure   func(reason string)
}

// Client управляет одним автоматизированным подключением аккаунта.
type Client interface {
	// Initialize поднимает подключение и запускает привязку.
	// Возвращается, когда подключение установлено; дальнейшее приходит событиями.
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, body string) error
	// Screenshot снимает PNG текущего состояния на уже открытой поверхности.
	Screenshot(ctx context.Context) ([]byte, error)
	// Destroy закрывает подключение; повторный вызов ничего не делает.
	Destroy(ctx context.Context) error
}

// Driver создаёт клиентов конкретной сети.
type Driver interface {
	Name() string
	// DefaultDomain дописывается к идентификаторам получателей без домена.
	DefaultDomain() string
	NewClient(accountID string, events Events) (Client, error)
	// PurgeAuth удаляет сохранённые данные авторизации аккаунта.
	PurgeAuth(ctx context.Context, accountID string) error
}
