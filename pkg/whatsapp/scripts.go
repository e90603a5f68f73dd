package whatsapp

import (
	"encoding/json"
	"fmt"
)

// bindingName — имя CDP-привязки, через которую страница отдаёт входящие сообщения.
const bindingName = "__wsmInbound"

// hookScript ставится до загрузки приложения и подписывается на новые сообщения,
// как только модули веб-клиента становятся доступны.
var hookScript = fmt.Sprintf(`(() => {
  const bind = %q;
  const ser = (v) => (v && v._serialized) || (v ? String(v) : '');
  const install = () => {
    if (typeof window.require !== 'function' || typeof window[bind] !== 'function') return false;
    let Msg;
    try { Msg = window.require('WAWebCollections').Msg; } catch (e) { return false; }
    if (!Msg) return false;
    Msg.on('add', (m) => {
      if (!m || !m.isNewMsg || (m.id && m.id.fromMe)) return;
      window[bind](JSON.stringify({
        id: m.id ? ser(m.id) : '',
        from: ser(m.from),
        to: ser(m.to),
        body: m.body || '',
        type: m.type || '',
        timestamp: m.t || 0,
        hasMedia: !!(m.mediaData || m.isMedia),
        isForwarded: !!m.isForwarded,
        isStatus: !!(m.id && m.id.remote && m.id.remote.user === 'status'),
        isStarred: !!m.star,
        broadcast: !!m.broadcast,
      }));
    });
    return true;
  };
  const timer = setInterval(() => { if (install()) clearInterval(timer); }, 1000);
})();`, bindingName)

// stateScript определяет, что сейчас показывает страница.
const stateScript = `(() => {
  let wid = '';
  try { wid = JSON.parse(localStorage.getItem('last-wid-md') || localStorage.getItem('last-wid') || '""') || ''; } catch (e) {}
  if (document.querySelector('#pane-side')) {
    let name = '';
    try { name = JSON.parse(localStorage.getItem('me-display-name') || '""') || ''; } catch (e) {}
    return { state: 'ready', qr: '', wid: String(wid), name: String(name) };
  }
  const qr = document.querySelector('div[data-ref]');
  if (qr && qr.getAttribute('data-ref')) {
    return { state: 'qr', qr: qr.getAttribute('data-ref'), wid: '', name: '' };
  }
  return { state: 'loading', qr: '', wid: String(wid), name: '' };
})()`

// dumpAuthScript сериализует localStorage, в котором веб-клиент хранит авторизацию.
const dumpAuthScript = `JSON.stringify(Object.assign({}, window.localStorage))`

// restoreScript возвращает скрипт, который один раз на вкладку подставляет
// сохранённый localStorage до запуска приложения.
func restoreScript(data []byte) (string, error) {
	var items map[string]string
	if err := json.Unmarshal(data, &items); err != nil {
		return "", fmt.Errorf("stored auth is not a local storage dump: %w", err)
	}
	normalized, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
  if (location.hostname !== 'web.whatsapp.com' || sessionStorage.getItem('wsm-restored')) return;
  const items = %s;
  for (const k of Object.keys(items)) localStorage.setItem(k, items[k]);
  sessionStorage.setItem('wsm-restored', '1');
})();`, normalized), nil
}

// sendScript отправляет текст через модули самого веб-клиента.
func sendScript(chatID, body string) (string, error) {
	to, err := json.Marshal(chatID)
	if err != nil {
		return "", err
	}
	text, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(async () => {
  const wid = window.require('WAWebWidFactory').createWid(%s);
  const found = await window.require('WAWebFindChatAction').findOrCreateLatestChat(wid);
  const chat = (found && found.chat) || found;
  if (!chat) throw new Error('chat not found');
  await window.require('WAWebSendTextMsgChatAction').sendTextMsgToChat(chat, %s);
  return true;
})()`, to, text), nil
}
