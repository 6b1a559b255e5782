package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// RetryConfig конфигурация повторов операций с хранилищем.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию: три попытки с короткой фиксированной паузой.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 1.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	return c
}

// next возвращает задержку перед следующей попыткой.
func (c RetryConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * c.BackoffFactor)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// shouldRetry определяет, стоит ли повторять операцию при данной ошибке.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrTerminalIDRequired) {
		return false
	}
	// По умолчанию повторяем: повреждённый файл чаще всего означает чужую запись в процессе.
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
