package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"wsm_go/pkg/browser"
	"wsm_go/pkg/engine"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const (
	pollTimeout = 10 * time.Second
	saveTimeout = 10 * time.Second
)

var errDestroyed = errors.New("client destroyed")

// Client управляет вкладкой веб-клиента одного аккаунта.
type Client struct {
	accountID string
	events    engine.Events
	opts      Options
	auth      engine.AuthStore

	mu        sync.Mutex
	inst      *browser.Instance
	contextID cdp.BrowserContextID
	targetID  target.ID
	tabCtx    context.Context
	tabCancel context.CancelFunc
	started   bool
	looping   bool
	destroyed bool
	stop      chan struct{}
	done      chan struct{}

	inboxMu sync.Mutex
	inbox   []string
	wake    chan struct{}
}

func newClient(accountID string, events engine.Events, opts Options) *Client {
	return &Client{
		accountID: accountID,
		events:    events,
		opts:      opts,
		auth:      opts.Auth.For(accountID),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

// Initialize получает общий браузер, открывает изолированную вкладку
// и загружает веб-клиент. Привязка дальше идёт в фоновом цикле.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errDestroyed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	inst, err := c.opts.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	browserExec := cdp.WithExecutor(inst.Ctx, chromedp.FromContext(inst.Ctx).Browser)

	contextID, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(browserExec)
	if err != nil {
		return &browser.LaunchError{Err: fmt.Errorf("create browser context: %w", err)}
	}
	targetID, err := target.CreateTarget("about:blank").WithBrowserContextID(contextID).Do(browserExec)
	if err != nil {
		_ = target.DisposeBrowserContext(contextID).Do(browserExec)
		return &browser.LaunchError{Err: fmt.Errorf("create tab: %w", err)}
	}
	tabCtx, tabCancel := chromedp.NewContext(inst.Ctx, chromedp.WithTargetID(targetID))

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		tabCancel()
		_ = target.CloseTarget(targetID).Do(browserExec)
		_ = target.DisposeBrowserContext(contextID).Do(browserExec)
		return errDestroyed
	}
	c.inst = inst
	c.contextID = contextID
	c.targetID = targetID
	c.tabCtx = tabCtx
	c.tabCancel = tabCancel
	c.mu.Unlock()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == bindingName {
			c.push(e.Payload)
		}
	})

	restored := false
	actions := []chromedp.Action{
		runtime.AddBinding(bindingName),
		addScript(hookScript),
	}
	if c.opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(c.opts.UserAgent))
	}
	data, err := c.auth.LoadSession(ctx)
	switch {
	case err == nil:
		script, serr := restoreScript(data)
		if serr != nil {
			log.Printf("[WHATSAPP] %s: сохранённая авторизация повреждена: %v", c.accountID, serr)
			break
		}
		actions = append(actions, addScript(script))
		restored = true
	case errors.Is(err, engine.ErrNoAuth):
	default:
		log.Printf("[WHATSAPP] %s: не удалось прочитать авторизацию: %v", c.accountID, err)
	}
	actions = append(actions, chromedp.Navigate(c.opts.URL))

	if err := runWithin(ctx, tabCtx, actions...); err != nil {
		return fmt.Errorf("open web client: %w", err)
	}
	log.Printf("[WHATSAPP] %s: веб-клиент открыт (restored=%v)", c.accountID, restored)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errDestroyed
	}
	c.looping = true
	c.mu.Unlock()
	go c.loop(inst, tabCtx, &tracker{restored: restored})
	return nil
}

func addScript(src string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	})
}

// runWithin выполняет действия во вкладке tabCtx, но ограничивает ожидание ctx.
// Отмена производного контекста не закрывает саму вкладку.
func runWithin(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) push(payload string) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, payload)
	c.inboxMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) drainInbox() []string {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out
}

// Обработчики событий вызываются только из loop.
func (c *Client) loop(inst *browser.Instance, tabCtx context.Context, t *tracker) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-inst.Lost():
			if !c.stopping() {
				c.events.OnDisconnected("BROWSER_CLOSED")
			}
			return
		case <-tabCtx.Done():
			if !c.stopping() {
				c.events.OnDisconnected("TAB_CLOSED")
			}
			return
		case <-c.wake:
			for _, payload := range c.drainInbox() {
				msg, err := parseInbound(payload)
				if err != nil {
					log.Printf("[WHATSAPP] %s: %v", c.accountID, err)
					continue
				}
				if c.stopping() {
					return
				}
				c.events.OnMessage(msg)
			}
		case <-ticker.C:
			if c.poll(tabCtx, t) {
				return
			}
		}
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// poll опрашивает страницу и рассылает события. Возвращает true, если сессия завершена.
func (c *Client) poll(tabCtx context.Context, t *tracker) bool {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	var st pageState
	if err := runWithin(ctx, tabCtx, chromedp.Evaluate(stateScript, &st)); err != nil {
		if !c.stopping() {
			log.Printf("[WHATSAPP] %s: опрос страницы: %v", c.accountID, err)
		}
		return false
	}

	for _, a := range t.observe(st) {
		if c.stopping() {
			return true
		}
		switch a.kind {
		case actPairing:
			c.events.OnPairingCode(a.code)
		case actAuthenticated:
			c.events.OnAuthenticated()
		case actReady:
			c.saveAuth(tabCtx)
			c.events.OnReady(a.identity)
		case actDisconnected:
			c.events.OnDisconnected(a.reason)
			return true
		case actAuthFailure:
			c.events.OnAuthFailure(a.reason)
			return true
		}
	}
	return false
}

// saveAuth сохраняет localStorage вкладки, чтобы после перезапуска не сканировать QR заново.
func (c *Client) saveAuth(tabCtx context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	var dump string
	if err := runWithin(ctx, tabCtx, chromedp.Evaluate(dumpAuthScript, &dump)); err != nil {
		log.Printf("[WHATSAPP] %s: не удалось прочитать авторизацию: %v", c.accountID, err)
		return
	}
	if err := c.auth.StoreSession(ctx, []byte(dump)); err != nil {
		log.Printf("[WHATSAPP] %s: не удалось сохранить авторизацию: %v", c.accountID, err)
	}
}

func (c *Client) tab() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, errDestroyed
	}
	if c.tabCtx == nil {
		return nil, errors.New("client is not initialized")
	}
	return c.tabCtx, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID, body string) error {
	tabCtx, err := c.tab()
	if err != nil {
		return err
	}
	script, err := sendScript(chatID, body)
	if err != nil {
		return err
	}
	var ok bool
	return runWithin(ctx, tabCtx, chromedp.Evaluate(script, &ok, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	tabCtx, err := c.tab()
	if err != nil {
		return nil, err
	}
	var png []byte
	err = runWithin(ctx, tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		png, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		return err
	}))
	return png, err
}

// Destroy останавливает цикл событий, закрывает вкладку и её контекст браузера.
// Сам браузер остаётся работать для остальных сессий.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	started, looping := c.tabCtx != nil, c.looping
	inst, contextID, targetID, tabCancel := c.inst, c.contextID, c.targetID, c.tabCancel
	close(c.stop)
	c.mu.Unlock()

	if !started {
		return nil
	}

	if looping {
		select {
		case <-c.done:
		case <-ctx.Done():
			tabCancel()
			return ctx.Err()
		}
	}

	var errs []error
	if inst.Alive() {
		browserExec := cdp.WithExecutor(inst.Ctx, chromedp.FromContext(inst.Ctx).Browser)
		if err := target.CloseTarget(targetID).Do(browserExec); err != nil {
			errs = append(errs, fmt.Errorf("close tab: %w", err))
		}
		if err := target.DisposeBrowserContext(contextID).Do(browserExec); err != nil {
			errs = append(errs, fmt.Errorf("dispose browser context: %w", err))
		}
	}
	tabCancel()
	log.Printf("[WHATSAPP] %s: вкладка закрыта", c.accountID)
	return errors.Join(errs...)
}
