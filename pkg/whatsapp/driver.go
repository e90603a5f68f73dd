// Package whatsapp управляет веб-клиентом WhatsApp в общем браузере.
// Каждый аккаунт получает изолированный контекст браузера и одну вкладку,
// на которой идёт привязка по QR, отправка сообщений и снимки экрана.
package whatsapp

import (
	"context"
	"time"

	"wsm_go/pkg/browser"
	"wsm_go/pkg/engine"
)

const (
	DefaultURL          = "https://web.whatsapp.com"
	DefaultPollInterval = time.Second
	domain              = "c.us"
)

type Options struct {
	Pool         *browser.Pool
	Auth         engine.AuthStores
	URL          string
	UserAgent    string
	PollInterval time.Duration
}

type Driver struct {
	opts Options
}

func NewDriver(opts Options) *Driver {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Driver{opts: opts}
}

func (d *Driver) Name() string          { return "whatsapp" }
func (d *Driver) DefaultDomain() string { return domain }

func (d *Driver) NewClient(accountID string, events engine.Events) (engine.Client, error) {
	return newClient(accountID, events, d.opts), nil
}

func (d *Driver) PurgeAuth(ctx context.Context, accountID string) error {
	return d.opts.Auth.Purge(ctx, accountID)
}
