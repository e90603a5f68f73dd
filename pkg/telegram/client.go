package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"wsm_go/pkg/engine"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

var phoneRe = regexp.MustCompile(`^\d{5,15}$`)

// Client — MTProto-подключение одного аккаунта.
type Client struct {
	accountID string
	events    engine.Events
	opts      Options
	resolver  dcs.Resolver
	store     engine.AuthStore
	logger    *zap.Logger

	// emitMu упорядочивает события; после closed они больше не вызываются.
	emitMu sync.Mutex
	closed bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sender  *message.Sender
	self    string
	runErr  error
	done    chan struct{}
}

func (c *Client) emit(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed {
		return
	}
	fn()
}

// terminal вызывает последнее событие сессии.
func (c *Client) terminal(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	fn()
}

// Initialize подключается к Telegram и возвращается, как только соединение
// установлено. Вход по QR и дальнейшая работа идут в фоне.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	_, err := c.store.LoadSession(ctx)
	restored := err == nil

	d := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(d)
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.onMessage(e, u.Message)
		return nil
	})

	opts := telegram.Options{
		SessionStorage: c.store,
		UpdateHandler:  d,
		Logger:         c.logger,
	}
	if c.resolver != nil {
		opts.Resolver = c.resolver
	}
	client := telegram.NewClient(c.opts.AppID, c.opts.AppHash, opts)

	connected := make(chan struct{})
	go func() {
		defer close(c.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			c.mu.Lock()
			c.sender = message.NewSender(client.API())
			c.mu.Unlock()
			close(connected)
			return c.session(ctx, client, loggedIn, restored)
		})
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		if err != nil && runCtx.Err() == nil {
			log.Printf("[TELEGRAM] %s: соединение завершилось: %v", c.accountID, err)
			c.terminal(func() { c.events.OnDisconnected(err.Error()) })
		}
	}()

	select {
	case <-connected:
		log.Printf("[TELEGRAM] %s: подключение установлено (restored=%v)", c.accountID, restored)
		return nil
	case <-c.done:
		c.mu.Lock()
		err := c.runErr
		c.mu.Unlock()
		if err == nil {
			err = errors.New("telegram client stopped before connecting")
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (c *Client) session(ctx context.Context, client *telegram.Client, loggedIn <-chan struct{}, restored bool) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		if restored {
			c.terminal(func() { c.events.OnAuthFailure("stored session was rejected") })
			return nil
		}
		if err := c.pair(ctx, client, loggedIn); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.terminal(func() { c.events.OnAuthFailure(err.Error()) })
			return nil
		}
	}
	c.emit(c.events.OnAuthenticated)

	self, err := client.Self(ctx)
	if err != nil {
		return fmt.Errorf("get self: %w", err)
	}
	id := selfIdentity(self)
	c.mu.Lock()
	c.self = id.ID
	c.mu.Unlock()
	c.emit(func() { c.events.OnReady(id) })
	log.Printf("[TELEGRAM] %s: аккаунт %s готов", c.accountID, self.Phone)

	return c.watch(ctx, client)
}

// pair проводит вход по QR-коду; токен обновляется, пока его не отсканируют.
func (c *Client) pair(ctx context.Context, client *telegram.Client, loggedIn <-chan struct{}) error {
	_, err := client.QR().Auth(ctx, loggedIn, func(ctx context.Context, token qrlogin.Token) error {
		c.emit(func() { c.events.OnPairingCode(token.URL()) })
		return nil
	})
	if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
		if c.opts.Password == "" {
			return errors.New("account requires 2FA password")
		}
		_, err = client.Auth().Password(ctx, c.opts.Password)
	}
	return err
}

// watch периодически проверяет, что авторизацию не отозвали с другого устройства.
func (c *Client) watch(ctx context.Context, client *telegram.Client) error {
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		status, err := client.Auth().Status(ctx)
		if err != nil && !auth.IsUnauthorized(err) {
			log.Printf("[TELEGRAM] %s: проверка авторизации: %v", c.accountID, err)
			continue
		}
		if err != nil || !status.Authorized {
			c.terminal(func() { c.events.OnDisconnected("LOGOUT") })
			return nil
		}
	}
}

func (c *Client) onMessage(e tg.Entities, msg tg.MessageClass) {
	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	converted, ok := convertMessage(e, msg, self)
	if !ok {
		return
	}
	c.emit(func() { c.events.OnMessage(converted) })
}

func (c *Client) SendMessage(ctx context.Context, chatID, body string) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return errors.New("client is not connected")
	}

	local, dom := engine.SplitChatID(chatID)
	var b *message.RequestBuilder
	switch {
	case dom == groupDomain:
		return fmt.Errorf("sending to groups is not supported: %s", chatID)
	case phoneRe.MatchString(local):
		b = sender.ResolvePhone(local)
	default:
		b = sender.Resolve(local)
	}
	if _, err := b.Text(ctx, body); err != nil {
		return fmt.Errorf("send to %s: %w", chatID, err)
	}
	return nil
}

func (c *Client) Screenshot(context.Context) ([]byte, error) {
	return nil, engine.ErrNoSurface
}

// Destroy отключает клиента. Сохранённая сессия не удаляется.
func (c *Client) Destroy(ctx context.Context) error {
	c.emitMu.Lock()
	c.closed = true
	c.emitMu.Unlock()

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
