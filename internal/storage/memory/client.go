package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/storage"
)

// Client — авторитетное хранилище в памяти процесса (режим -dev и тесты).
// Хранит сериализованный blob, чтобы читатели не делили память с писателем.
type Client struct {
	mu          sync.RWMutex
	blob        []byte
	unavailable bool
	saves       int
}

func New() *Client {
	return &Client{}
}

func (c *Client) Close() error { return nil }

// SetAvailable имитирует недоступность хранилища.
func (c *Client) SetAvailable(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = !ok
}

// Saves: число успешных записей.
func (c *Client) Saves() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saves
}

func (c *Client) Load(ctx context.Context) (*model.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.unavailable {
		return nil, fmt.Errorf("memory.Load: %w", storage.ErrSyncUnavailable)
	}
	return storage.DecodeSnapshot(c.blob)
}

func (c *Client) Save(ctx context.Context, snap *model.Snapshot) error {
	data, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return fmt.Errorf("memory.Save: %w", storage.ErrSyncUnavailable)
	}
	c.blob = data
	c.saves++
	return nil
}
