// Package heartbeat периодически отмечает last_seen у готовых аккаунтов.
package heartbeat

import (
	"context"
	"log"
	"time"
)

// Source возвращает аккаунты, чьи сессии сейчас в состоянии READY.
type Source interface {
	ReadyAccounts() []string
}

// Toucher обновляет last_seen у перечисленных аккаунтов.
type Toucher interface {
	TouchLastSeen(ctx context.Context, ids []string) error
}

// Start запускает цикл до отмены ctx. Возвращённый канал закрывается,
// когда цикл завершился.
func Start(ctx context.Context, interval time.Duration, src Source, db Toucher) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				Beat(ctx, src, db)
			}
		}
	}()
	return done
}

// Beat выполняет одну отметку.
func Beat(ctx context.Context, src Source, db Toucher) {
	ids := src.ReadyAccounts()
	if len(ids) == 0 {
		return
	}
	if err := db.TouchLastSeen(ctx, ids); err != nil {
		// Фиксируем ошибку, чтобы отслеживать проблемы
		log.Printf("[HEARTBEAT] ошибка обновления last_seen: %v", err)
		return
	}
	log.Printf("[HEARTBEAT] активных сессий: %d", len(ids))
}
