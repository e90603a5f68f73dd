package browser

import (
	"context"
	"fmt"
	"log"

	"wsm_go/models"

	"github.com/chromedp/chromedp"
)

// ChromeOptions задаёт параметры запуска общего браузера.
type ChromeOptions struct {
	ExecPath string // Если пусто, Chrome ищется в системе
	Headless bool
	Proxy    *models.Proxy
}

// LaunchChrome возвращает функцию запуска headless Chrome через chromedp.
func LaunchChrome(opts ChromeOptions) LaunchFunc {
	return func(ctx context.Context) (*Instance, error) {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.NoSandbox,
			chromedp.DisableGPU,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-accelerated-2d-canvas", true),
			chromedp.Flag("no-zygote", true),
			chromedp.WindowSize(1280, 900),
		)
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.Proxy != nil {
			// Chrome не умеет авторизацию на SOCKS5, логин и пароль здесь не используются
			if opts.Proxy.Login != "" {
				log.Printf("[PROXY] браузер не поддерживает логин для SOCKS5, %s используется без авторизации", opts.Proxy.Addr())
			}
			allocOpts = append(allocOpts, chromedp.ProxyServer("socks5://"+opts.Proxy.Addr()))
			log.Printf("[PROXY] браузер через %s", opts.Proxy.Addr())
		}

		// Процесс живёт дольше ctx запуска, поэтому аллокатор строится от Background
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		cancelAll := func() {
			browserCancel()
			allocCancel()
		}

		started := make(chan error, 1)
		go func() {
			// Первый Run без действий запускает процесс
			started <- chromedp.Run(browserCtx)
		}()
		select {
		case err := <-started:
			if err != nil {
				cancelAll()
				return nil, err
			}
		case <-ctx.Done():
			cancelAll()
			return nil, fmt.Errorf("browser start: %w", ctx.Err())
		}

		c := chromedp.FromContext(browserCtx)
		pid := 0
		if proc := c.Browser.Process(); proc != nil {
			pid = proc.Pid
		}

		lost := make(chan struct{})
		go func() {
			select {
			case <-c.Browser.LostConnection:
			case <-browserCtx.Done():
			}
			close(lost)
		}()

		closeFn := func(ctx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- chromedp.Cancel(browserCtx) }()
			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
			allocCancel()
			return err
		}
		return NewInstance(browserCtx, pid, lost, closeFn), nil
	}
}
