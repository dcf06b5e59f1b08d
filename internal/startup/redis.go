package startup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/phonemesh/internal/logger"
	redisstorage "github.com/phonemesh/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами. Неверный URL не повторяется.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	client, err := backoff.Retry(ctx, func() (*redisstorage.Client, error) {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := redisstorage.New(connCtx, redisURL)
		if errors.Is(err, redisstorage.ErrBadURL) {
			return nil, backoff.Permanent(err)
		}
		return client, err
	},
		backoff.WithBackOff(startupBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, d, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%sredis (gave up after %v): %w", logPrefix, maxWait, err)
	}
	return client, nil
}
