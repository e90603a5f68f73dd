// Package browser владеет общим процессом браузера, который делят все сессии.
// Процесс запускается лениво, одновременные запросы ждут один и тот же запуск.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrLaunch — общий признак неудачного запуска ресурса автоматизации.
var ErrLaunch = errors.New("automation resource launch failed")

// LaunchError оборачивает причину неудачного запуска и совпадает с ErrLaunch.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("%v: %v", ErrLaunch, e.Err) }

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// Instance описывает запущенный процесс браузера.
type Instance struct {
	// Контекст chromedp, привязанный к браузеру. От него создаются вкладки.
	Ctx   context.Context
	PID   int
	lost  <-chan struct{}
	close func(ctx context.Context) error
	once  sync.Once
	err   error
}

// NewInstance собирает Instance из контекста браузера, канала потери
// соединения и функции закрытия. Нужен драйверам запуска и тестам.
func NewInstance(ctx context.Context, pid int, lost <-chan struct{}, closeFn func(ctx context.Context) error) *Instance {
	return &Instance{Ctx: ctx, PID: pid, lost: lost, close: closeFn}
}

// Lost закрывается, когда процесс завершился или соединение с ним потеряно.
func (i *Instance) Lost() <-chan struct{} { return i.lost }

// Alive сообщает, работает ли процесс.
func (i *Instance) Alive() bool {
	select {
	case <-i.lost:
		return false
	default:
		return true
	}
}

// Close завершает процесс; повторные вызовы возвращают результат первого.
func (i *Instance) Close(ctx context.Context) error {
	i.once.Do(func() {
		if i.close != nil {
			i.err = i.close(ctx)
		}
	})
	return i.err
}

// LaunchFunc запускает новый процесс. ctx ограничивает только сам запуск.
type LaunchFunc func(ctx context.Context) (*Instance, error)

// Pool выдаёт всем сессиям один живой процесс браузера.
type Pool struct {
	launch        LaunchFunc
	launchTimeout time.Duration

	group singleflight.Group

	mu       sync.Mutex
	current  *Instance
	launches int
	closed   bool
}

// NewPool создаёт пул. launchTimeout <= 0 снимает ограничение на время запуска.
func NewPool(launch LaunchFunc, launchTimeout time.Duration) *Pool {
	return &Pool{launch: launch, launchTimeout: launchTimeout}
}

// Acquire возвращает текущий процесс, если он жив, иначе запускает новый.
// Все одновременные вызывающие ждут один и тот же запуск. Отмена ctx
// прекращает ожидание, но не прерывает общий запуск.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	if inst := p.live(); inst != nil {
		return inst, nil
	}

	ch := p.group.DoChan("browser", func() (any, error) {
		if inst := p.live(); inst != nil {
			return inst, nil
		}
		return p.start()
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Instance), nil
	}
}

func (p *Pool) live() *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.Alive() {
		return p.current
	}
	return nil
}

func (p *Pool) start() (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &LaunchError{Err: errors.New("pool is shut down")}
	}
	p.launches++
	p.mu.Unlock()

	ctx := context.Background()
	if p.launchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.launchTimeout)
		defer cancel()
	}

	log.Printf("[BROWSER] запуск браузера")
	inst, err := p.launch(ctx)
	if err != nil {
		log.Printf("[BROWSER] запуск не удался: %v", err)
		return nil, &LaunchError{Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = inst.Close(context.Background())
		return nil, &LaunchError{Err: errors.New("pool is shut down")}
	}
	p.current = inst
	p.mu.Unlock()

	go p.watch(inst)
	log.Printf("[BROWSER] браузер запущен, pid=%d", inst.PID)
	return inst, nil
}

// watch сбрасывает текущий процесс, когда тот завершился снаружи,
// чтобы следующий Acquire запустил новый.
func (p *Pool) watch(inst *Instance) {
	<-inst.Lost()
	p.mu.Lock()
	if p.current == inst {
		p.current = nil
	}
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		log.Printf("[BROWSER] браузер отключился, pid=%d", inst.PID)
	}
}

// Launches возвращает число попыток запуска за время жизни пула.
func (p *Pool) Launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

// Shutdown завершает процесс. Вызывается только при остановке сервиса:
// сессии делят один процесс, подсчёта ссылок нет.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	inst := p.current
	p.current = nil
	p.mu.Unlock()

	if inst == nil {
		return nil
	}
	log.Printf("[BROWSER] остановка браузера, pid=%d", inst.PID)
	return inst.Close(ctx)
}
