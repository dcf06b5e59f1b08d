package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phonemesh/internal/logger"
)

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не сдаётся сразу.
// logPrefix добавляется к сообщениям лога (например "api: ").
func ConnectDBWithRetry(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) (*pgxpool.Pool, error) {
	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(connCtx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(connCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	},
		backoff.WithBackOff(startupBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Errorf("%sdb connect failed, retry in %v: %v", logPrefix, d, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%sconnect to db (gave up after %v): %w", logPrefix, maxWait, err)
	}
	return pool, nil
}
