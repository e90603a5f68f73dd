package sessions

import (
	"errors"

	"wsm_go/pkg/browser"
)

var (
	// У аккаунта нет живой сессии.
	ErrSessionNotFound = errors.New("session not found")
	// Сессия есть, но ещё не дошла до READY.
	ErrSessionNotReady = errors.New("session not ready")
	// Достигнут лимит одновременных аккаунтов.
	ErrCapacityExceeded = errors.New("maximum account limit reached")
	// ErrLaunch — не удалось поднять подключение или общий ресурс автоматизации.
	// Совпадает с browser.ErrLaunch, повторная попытка допустима.
	ErrLaunch = browser.ErrLaunch
	// ErrAuthFailure — сеть отклонила авторизацию, экземпляр сессии завершён.
	ErrAuthFailure = errors.New("authentication failure")

	ErrInvalidRecipient = errors.New("invalid recipient")
)
