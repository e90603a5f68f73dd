package sessions

import (
	"context"
	"fmt"
	"log"
	"time"

	"wsm_go/models"
	"wsm_go/pkg/engine"
)

// events связывает обработчики движка с конкретным хэндлом.
func (m *Manager) events(s *Session) engine.Events {
	return engine.Events{
		OnPairingCode:   func(code string) { m.onPairingCode(s, code) },
		OnAuthenticated: func() { m.onAuthenticated(s) },
		OnReady:         func(id engine.Identity) { m.onReady(s, id) },
		OnMessage:       func(msg engine.Message) { m.onMessage(s, msg) },
		OnDisconnected:  func(reason string) { m.onDisconnected(s, reason) },
		OnAuthFailure:   func(reason string) { m.onAuthFailure(s, reason) },
	}
}

func (m *Manager) onPairingCode(s *Session, code string) {
	if !m.isCurrent(s) {
		return
	}
	if s.State() == StateReady {
		log.Printf("[SESSIONS] QR-код для готовой сессии %s проигнорирован", s.AccountID)
		return
	}
	image, err := engine.RenderQR(code)
	if err != nil {
		log.Printf("[SESSIONS ERROR] Не удалось отрисовать QR-код аккаунта %s: %v", s.AccountID, err)
		return
	}

	m.mu.Lock()
	if m.sessions[s.AccountID] != s {
		m.mu.Unlock()
		return
	}
	m.qrCodes[s.AccountID] = QRCode{Image: image, Timestamp: time.Now().UTC()}
	m.mu.Unlock()

	s.setState(StateQR)
	m.persistAsync(s.AccountID, map[string]any{
		"status":  models.StatusQR,
		"qr_code": image,
	})
	log.Printf("[SESSIONS] Получен QR-код для аккаунта %s", s.AccountID)
}

func (m *Manager) onAuthenticated(s *Session) {
	m.mu.Lock()
	if m.sessions[s.AccountID] != s {
		m.mu.Unlock()
		return
	}
	delete(m.qrCodes, s.AccountID)
	m.mu.Unlock()

	s.setState(StateAuthenticating)
	m.persistAsync(s.AccountID, map[string]any{
		"status":  models.StatusAuth,
		"qr_code": nil,
	})
	log.Printf("[SESSIONS] Аккаунт %s авторизован", s.AccountID)
}

func (m *Manager) onReady(s *Session, id engine.Identity) {
	m.mu.Lock()
	if m.sessions[s.AccountID] != s {
		m.mu.Unlock()
		return
	}
	delete(m.qrCodes, s.AccountID)
	var twins []string
	for otherID, other := range m.sessions {
		if other == s || id.Phone == "" {
			continue
		}
		if oid, ok := other.Identity(); ok && oid.Phone == id.Phone {
			twins = append(twins, otherID)
		}
	}
	m.mu.Unlock()

	s.markReady(id)
	m.persistAsync(s.AccountID, map[string]any{
		"status":       models.StatusReady,
		"phone_number": id.Phone,
		"qr_code":      nil,
		"last_seen":    time.Now().UTC(),
	})
	log.Printf("[SESSIONS] Аккаунт %s готов (%s)", s.AccountID, id.Phone)

	for _, other := range twins {
		msg := fmt.Sprintf("номер %s уже привязан к аккаунту %s", id.Phone, other)
		log.Printf("[SESSIONS WARN] Аккаунт %s: %s", s.AccountID, msg)
		m.saveSosAsync(s.AccountID, msg)
	}
}

func (m *Manager) onMessage(s *Session, msg engine.Message) {
	if !m.isCurrent(s) {
		return
	}
	url := s.WebhookURL()
	if url == "" {
		return
	}
	s.deliveries.Enqueue(func() {
		m.relay.Forward(context.Background(), s.AccountID, url, msg)
	})
}

func (m *Manager) onDisconnected(s *Session, reason string) {
	if !m.terminate(s) {
		return
	}
	m.stats.disconnects.Add(1)
	m.persistAsync(s.AccountID, map[string]any{
		"status":  models.StatusDisconnected,
		"qr_code": nil,
	})
	log.Printf("[SESSIONS] Аккаунт %s отключён: %s", s.AccountID, reason)
}

func (m *Manager) onAuthFailure(s *Session, reason string) {
	if !m.terminate(s) {
		return
	}
	m.stats.authFailures.Add(1)
	m.persistAsync(s.AccountID, map[string]any{
		"status":  models.StatusDisconnected,
		"qr_code": nil,
	})
	m.saveSosAsync(s.AccountID, fmt.Sprintf("%v: %s", ErrAuthFailure, reason))
	log.Printf("[SESSIONS ERROR] Ошибка авторизации аккаунта %s: %s", s.AccountID, reason)
}

// terminate снимает хэндл с учёта и освобождает клиента в фоне.
// Возвращает false, если хэндл уже не текущий.
func (m *Manager) terminate(s *Session) bool {
	if !m.abort(s) {
		return false
	}
	s.setState(StateDisconnected)
	if client := s.engineClient(); client != nil {
		m.destroyClientAsync(s.AccountID, client)
	}
	return true
}
