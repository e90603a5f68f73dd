package telegram

import (
	"strconv"

	"wsm_go/pkg/engine"

	"github.com/gotd/td/tg"
)

const (
	domain      = "t.me"
	groupDomain = "g.t.me"
)

// peerID превращает собеседника в идентификатор вида local@domain.
// Для пользователей предпочитаем username, затем телефон.
func peerID(e tg.Entities, peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		if u, ok := e.Users[p.UserID]; ok {
			if u.Username != "" {
				return u.Username + "@" + domain
			}
			if u.Phone != "" {
				return u.Phone + "@" + domain
			}
		}
		return strconv.FormatInt(p.UserID, 10) + "@" + domain
	case *tg.PeerChat:
		return strconv.FormatInt(p.ChatID, 10) + "@" + groupDomain
	case *tg.PeerChannel:
		return strconv.FormatInt(p.ChannelID, 10) + "@" + groupDomain
	}
	return ""
}

func isBroadcast(e tg.Entities, peer tg.PeerClass) bool {
	p, ok := peer.(*tg.PeerChannel)
	if !ok {
		return false
	}
	ch, ok := e.Channels[p.ChannelID]
	return ok && ch.Broadcast
}

// convertMessage приводит входящее сообщение к общему виду.
// Исходящие и пустые сообщения пропускаются.
func convertMessage(e tg.Entities, msg tg.MessageClass, self string) (engine.Message, bool) {
	m, ok := msg.(*tg.Message)
	if !ok || m.Out {
		return engine.Message{}, false
	}

	// В личных чатах FromID не заполняется, отправителем считается сам чат
	sender := m.PeerID
	if from, ok := m.GetFromID(); ok {
		sender = from
	}
	out := engine.Message{
		ID:        strconv.Itoa(m.ID),
		From:      peerID(e, sender),
		To:        self,
		Body:      m.Message,
		Type:      "chat",
		Timestamp: int64(m.Date),
		Broadcast: isBroadcast(e, m.PeerID),
	}
	if _, ok := m.PeerID.(*tg.PeerUser); !ok {
		// Для групп получателем считается группа
		out.To = peerID(e, m.PeerID)
	}
	if m.Media != nil {
		out.HasMedia = true
		out.Type = "media"
	}
	if _, ok := m.GetFwdFrom(); ok {
		out.IsForwarded = true
	}
	if out.From == "" {
		return engine.Message{}, false
	}
	return out, true
}

// selfIdentity собирает учётную запись из tg.User текущего аккаунта.
func selfIdentity(u *tg.User) engine.Identity {
	id := engine.Identity{
		ID:    strconv.FormatInt(u.ID, 10) + "@" + domain,
		Phone: u.Phone,
		Name:  u.FirstName,
	}
	if u.LastName != "" {
		id.Name += " " + u.LastName
	}
	return id
}
