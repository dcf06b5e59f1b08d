// Package startup: подключение к внешним зависимостям при старте процесса с повторами.
package startup

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// startupBackOff: 2s, 4s, ... до 30s.
func startupBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	return b
}
