// Package redis: транспорт событий через Redis Pub/Sub: общий канал сессии и
// личный канал каждого клиента для адресных отправок (подтверждения ведущего).
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/phonemesh/internal/delivery"
	"github.com/phonemesh/internal/event"
	"github.com/phonemesh/internal/logger"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "phonemesh:events"

type Bus struct {
	cli      *redis.Client
	clientID string
	prefix   string

	mu       sync.Mutex
	handlers delivery.Handlers

	sub    *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ delivery.Publisher = (*Bus)(nil)

func (b *Bus) broadcastChannel() string { return b.prefix + ":all" }

func (b *Bus) clientChannel(id string) string { return b.prefix + ":client:" + id }

// New подписывается на общий и личный каналы. prefix пустой: по умолчанию.
func New(ctx context.Context, cli *redis.Client, clientID, prefix string) (*Bus, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	b := &Bus{cli: cli, clientID: clientID, prefix: prefix}
	sub := cli.Subscribe(ctx, b.broadcastChannel(), b.clientChannel(clientID))
	// Дожидаемся подтверждения подписки, иначе первые события потеряются.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis.New subscribe: %w", err)
	}
	b.sub = sub
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.loop(loopCtx, sub.Channel())
	return b, nil
}

func (b *Bus) loop(ctx context.Context, ch <-chan *redis.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := event.Decode([]byte(msg.Payload))
			if err != nil {
				logger.Errorf("redis bus %s: decode on %s: %v", b.clientID, msg.Channel, err)
				continue
			}
			if env.OriginID == b.clientID {
				continue
			}
			b.mu.Lock()
			handlers := b.handlers.Snapshot()
			b.mu.Unlock()
			for _, h := range handlers {
				h(ctx, env)
			}
		}
	}
}

func (b *Bus) publish(ctx context.Context, channel string, env event.Envelope) (int64, error) {
	data, err := event.Encode(env)
	if err != nil {
		return 0, err
	}
	n, err := b.cli.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", delivery.ErrDeliveryDropped, err)
	}
	return n, nil
}

// Publish — в общий канал; сам отправитель своё эхо отбрасывает.
func (b *Bus) Publish(ctx context.Context, env event.Envelope) error {
	if _, err := b.publish(ctx, b.broadcastChannel(), env); err != nil {
		return fmt.Errorf("redis.Publish %s: %w", env.Type, err)
	}
	return nil
}

// SendTo публикует в личный канал клиента. Без подписчиков событие теряется.
func (b *Bus) SendTo(ctx context.Context, clientID string, env event.Envelope) error {
	n, err := b.publish(ctx, b.clientChannel(clientID), env)
	if err != nil {
		return fmt.Errorf("redis.SendTo %s: %w", clientID, err)
	}
	if n == 0 {
		return fmt.Errorf("redis.SendTo %s: %w", clientID, delivery.ErrDeliveryDropped)
	}
	return nil
}

func (b *Bus) Subscribe(h delivery.Handler) func() {
	b.mu.Lock()
	id := b.handlers.Add(h)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.handlers.Remove(id)
		b.mu.Unlock()
	}
}

// Close отписывается; клиент Redis остаётся за вызывающим.
func (b *Bus) Close() error {
	b.cancel()
	err := b.sub.Close()
	b.wg.Wait()
	return err
}
