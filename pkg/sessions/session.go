package sessions

import (
	"context"
	"sync"
	"time"

	"wsm_go/pkg/engine"
)

// State — живое состояние экземпляра сессии.
type State string

const (
	StateInitializing   State = "INITIALIZING"
	StateQR             State = "QR"
	StateAuthenticating State = "AUTHENTICATING"
	StateReady          State = "READY"
	StateDisconnected   State = "DISCONNECTED"
)

// SessionState — то, что видит слой маршрутов: есть ли сессия и готова ли она.
type SessionState string

const (
	NotInitialized SessionState = "NOT_INITIALIZED"
	Connecting     SessionState = "CONNECTING"
	Ready          SessionState = "READY"
)

// QRCode хранит последнюю картинку для привязки и время её получения.
type QRCode struct {
	Image     string    `json:"qr_code"`
	Timestamp time.Time `json:"timestamp"`
}

type Snapshot struct {
	Image     string    `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

// Session — хэндл живой сессии. Существует от Initialize до отключения
// или Destroy и никогда не сохраняется.
type Session struct {
	AccountID string
	CreatedAt time.Time

	deliveries *serial

	mu         sync.RWMutex
	client     engine.Client
	cancel     context.CancelFunc // Прерывает незавершённый запуск движка
	state      State
	webhookURL string
	identity   *engine.Identity
}

func newSession(accountID, webhookURL string, group *taskGroup) *Session {
	return &Session{
		AccountID:  accountID,
		CreatedAt:  time.Now(),
		deliveries: newSerial(group),
		state:      StateInitializing,
		webhookURL: webhookURL,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) WebhookURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL
}

// Identity возвращает учётную запись сети после READY.
func (s *Session) Identity() (engine.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return engine.Identity{}, false
	}
	return *s.identity, true
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setWebhookURL(url string) {
	s.mu.Lock()
	s.webhookURL = url
	s.mu.Unlock()
}

func (s *Session) setClient(c engine.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Session) setLaunchCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// stopLaunch прерывает запуск, если он ещё идёт.
func (s *Session) stopLaunch() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) engineClient() engine.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Session) markReady(id engine.Identity) {
	s.mu.Lock()
	s.identity = &id
	s.state = StateReady
	s.mu.Unlock()
}
