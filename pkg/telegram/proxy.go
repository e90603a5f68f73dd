package telegram

import (
	"fmt"
	"log"

	"wsm_go/models"

	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"
)

// proxyResolver направляет соединения с дата-центрами через SOCKS5.
func proxyResolver(p *models.Proxy) (dcs.Resolver, error) {
	var auth *proxy.Auth
	if p.Login != "" || p.Password != "" {
		auth = &proxy.Auth{User: p.Login, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", p.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy dialer: %w", err)
	}
	dc, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer missing context")
	}
	log.Printf("[PROXY] telegram через %s", p.Addr())
	return dcs.Plain(dcs.PlainOptions{Dial: dc.DialContext}), nil
}
