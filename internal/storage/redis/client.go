package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/storage"
	"github.com/redis/go-redis/v9"
)

// ErrBadURL — строка подключения не разбирается; повторять бессмысленно.
var ErrBadURL = errors.New("redis: bad url")

// Client: авторитетное хранилище снимка в Redis (одна строка под storage.StateKey).
type Client struct {
	cli *redis.Client
	key string
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadURL, err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, key: storage.StateKey}, nil
}

// WithKey меняет ключ снимка (изоляция тестов и нескольких сессий на одном Redis).
func (c *Client) WithKey(key string) *Client {
	return &Client{cli: c.cli, key: key}
}

// Raw отдаёт низкоуровневый клиент (pub/sub доставки использует то же соединение).
func (c *Client) Raw() *redis.Client { return c.cli }

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Load(ctx context.Context) (*model.Snapshot, error) {
	defer logger.DeferLogDuration("redis.Load", time.Now())()
	data, err := c.cli.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Load: %w: %w", storage.ErrSyncUnavailable, err)
	}
	return storage.DecodeSnapshot(data)
}

func (c *Client) Save(ctx context.Context, snap *model.Snapshot) error {
	defer logger.DeferLogDuration("redis.Save", time.Now())()
	data, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := c.cli.Set(ctx, c.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis.Save: %w: %w", storage.ErrSyncUnavailable, err)
	}
	return nil
}

// Drop удаляет снимок (сброс сессии и тесты).
func (c *Client) Drop(ctx context.Context) error {
	return c.cli.Del(ctx, c.key).Err()
}
