package common

import (
	"context"
	"math/rand"
	"time"
)

// RandomDuration возвращает случайную длительность в диапазоне [min, max].
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// WaitWithCancellation ждёт delay или отмены контекста, смотря что наступит раньше.
func WaitWithCancellation(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// Возвращаем ошибку контекста, чтобы вызвать обработку прерывания выше по стеку.
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
