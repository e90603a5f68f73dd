// Package telegram подключает аккаунты Telegram через MTProto (gotd/td).
// Привязка идёт по QR-коду, как у веб-клиентов, поверхности для снимков нет.
package telegram

import (
	"context"
	"errors"
	"time"

	"wsm_go/models"
	"wsm_go/pkg/engine"

	"github.com/gotd/td/telegram/dcs"
	"go.uber.org/zap"
)

const DefaultCheckInterval = 5 * time.Minute

type Options struct {
	AppID    int
	AppHash  string
	Password string // Облачный пароль для аккаунтов с 2FA
	Auth     engine.AuthStores
	Proxy    *models.Proxy
	Logger   *zap.Logger
	// Как часто проверять, что авторизация не отозвана.
	CheckInterval time.Duration
}

type Driver struct {
	opts     Options
	resolver dcs.Resolver
}

func NewDriver(opts Options) (*Driver, error) {
	if opts.AppID == 0 || opts.AppHash == "" {
		return nil, errors.New("telegram app id and hash are required")
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Driver{opts: opts}
	if opts.Proxy != nil {
		r, err := proxyResolver(opts.Proxy)
		if err != nil {
			return nil, err
		}
		d.resolver = r
	}
	return d, nil
}

func (d *Driver) Name() string          { return "telegram" }
func (d *Driver) DefaultDomain() string { return domain }

func (d *Driver) NewClient(accountID string, events engine.Events) (engine.Client, error) {
	return &Client{
		accountID: accountID,
		events:    events,
		opts:      d.opts,
		resolver:  d.resolver,
		store:     d.opts.Auth.For(accountID),
		logger:    d.opts.Logger.With(zap.String("account", accountID)),
		done:      make(chan struct{}),
	}, nil
}

func (d *Driver) PurgeAuth(ctx context.Context, accountID string) error {
	return d.opts.Auth.Purge(ctx, accountID)
}
