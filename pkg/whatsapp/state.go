package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"

	"wsm_go/pkg/engine"
)

// Состояния страницы, которые различает stateScript.
const (
	pageLoading = "loading"
	pageQR      = "qr"
	pageReady   = "ready"
)

// pageState содержит результат одного опроса страницы.
type pageState struct {
	State string `json:"state"`
	QR    string `json:"qr"`
	Wid   string `json:"wid"`
	Name  string `json:"name"`
}

type actionKind int

const (
	actPairing actionKind = iota + 1
	actAuthenticated
	actReady
	actDisconnected
	actAuthFailure
)

type action struct {
	kind     actionKind
	code     string
	identity engine.Identity
	reason   string
}

// tracker превращает последовательность опросов страницы в события сессии.
// Не потокобезопасен, работает только в цикле клиента.
type tracker struct {
	restored bool // при старте была подставлена сохранённая авторизация
	lastQR   string
	authed   bool
	ready    bool
	done     bool
}

func (t *tracker) observe(s pageState) []action {
	if t.done {
		return nil
	}
	switch s.State {
	case pageQR:
		if s.QR == "" {
			return nil
		}
		if t.ready {
			// Телефон отвязал сессию
			t.done = true
			return []action{{kind: actDisconnected, reason: "LOGOUT"}}
		}
		if t.restored && t.lastQR == "" {
			t.done = true
			return []action{{kind: actAuthFailure, reason: "stored session was rejected"}}
		}
		if s.QR == t.lastQR {
			return nil
		}
		t.lastQR = s.QR
		return []action{{kind: actPairing, code: s.QR}}

	case pageLoading:
		// Экран загрузки после QR значит, что код отсканирован.
		if !t.authed && (t.lastQR != "" || t.restored) && !t.ready {
			t.authed = true
			return []action{{kind: actAuthenticated}}
		}
		return nil

	case pageReady:
		if t.ready {
			return nil
		}
		id, ok := parseWid(s.Wid)
		if !ok {
			// Главный экран отрисован раньше, чем записан wid
			return nil
		}
		id.Name = s.Name
		var out []action
		if !t.authed {
			t.authed = true
			out = append(out, action{kind: actAuthenticated})
		}
		t.ready = true
		return append(out, action{kind: actReady, identity: id})
	}
	return nil
}

// parseWid разбирает значение last-wid-md из localStorage:
// "79990001122:12@c.us" или "79990001122@c.us", иногда в кавычках JSON.
func parseWid(raw string) (engine.Identity, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return engine.Identity{}, false
	}
	local, domain := engine.SplitChatID(raw)
	if domain == "" {
		domain = "c.us"
	}
	if i := strings.IndexByte(local, ':'); i >= 0 {
		local = local[:i]
	}
	if local == "" {
		return engine.Identity{}, false
	}
	return engine.Identity{ID: local + "@" + domain, Phone: local}, true
}

// inbound — сообщение в том виде, в каком его передаёт hookScript.
type inbound struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Body        string `json:"body"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	HasMedia    bool   `json:"hasMedia"`
	IsForwarded bool   `json:"isForwarded"`
	IsStatus    bool   `json:"isStatus"`
	IsStarred   bool   `json:"isStarred"`
	Broadcast   bool   `json:"broadcast"`
}

func parseInbound(payload string) (engine.Message, error) {
	var in inbound
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return engine.Message{}, fmt.Errorf("decode inbound message: %w", err)
	}
	if in.From == "" {
		return engine.Message{}, fmt.Errorf("inbound message %q without sender", in.ID)
	}
	return engine.Message{
		ID:          in.ID,
		From:        in.From,
		To:          in.To,
		Body:        in.Body,
		Type:        in.Type,
		Timestamp:   in.Timestamp,
		HasMedia:    in.HasMedia,
		IsForwarded: in.IsForwarded,
		IsStatus:    in.IsStatus,
		IsStarred:   in.IsStarred,
		Broadcast:   in.Broadcast,
	}, nil
}
