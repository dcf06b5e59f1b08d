// Package pebble: локальный кеш клиента поверх cockroachdb/pebble.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/storage"
)

const (
	keyPrefix   = "device:"
	registryKey = "registry"
)

type Cache struct {
	db *pebble.DB
}

// Open открывает (или создаёт) кеш в каталоге dir. opts может быть nil.
func Open(dir string, opts *pebble.Options) (*Cache, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble.Open %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

func deviceKey(id model.DeviceID) []byte {
	return []byte(keyPrefix + string(id))
}

func (c *Cache) LoadDevice(ctx context.Context, id model.DeviceID) (model.DeviceState, bool, error) {
	val, closer, err := c.db.Get(deviceKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return model.NewDeviceState(), false, nil
	}
	if err != nil {
		return model.DeviceState{}, false, fmt.Errorf("pebble.LoadDevice: %w", err)
	}
	defer closer.Close()
	// val живёт только до closer.Close; DecodeDeviceState копирует данные.
	st, err := storage.DecodeDeviceState(val)
	if err != nil {
		return model.DeviceState{}, false, err
	}
	return st, true, nil
}

func (c *Cache) SaveDevice(ctx context.Context, id model.DeviceID, st model.DeviceState) error {
	data, err := storage.EncodeDeviceState(st)
	if err != nil {
		return err
	}
	if err := c.db.Set(deviceKey(id), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble.SaveDevice: %w", err)
	}
	return nil
}

func (c *Cache) DeleteDevice(ctx context.Context, id model.DeviceID) error {
	if err := c.db.Delete(deviceKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("pebble.DeleteDevice: %w", err)
	}
	return nil
}

func (c *Cache) LoadRegistry(ctx context.Context) ([]model.Device, error) {
	val, closer, err := c.db.Get([]byte(registryKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebble.LoadRegistry: %w", err)
	}
	defer closer.Close()
	var out []model.Device
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, fmt.Errorf("pebble.LoadRegistry: %w", err)
	}
	return out, nil
}

func (c *Cache) SaveRegistry(ctx context.Context, devices []model.Device) error {
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("pebble.SaveRegistry: %w", err)
	}
	if err := c.db.Set([]byte(registryKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble.SaveRegistry: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
