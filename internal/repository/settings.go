package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/storage"
)

var ErrNotFound = errors.New("not found")

// SettingsRepository — авторитетное хранилище снимка в Postgres: таблица settings(key, value jsonb).
type SettingsRepository struct {
	pool *pgxpool.Pool
	key  string
}

func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{pool: pool, key: storage.StateKey}
}

// WithKey: тот же пул, другой ключ снимка.
func (r *SettingsRepository) WithKey(key string) *SettingsRepository {
	return &SettingsRepository{pool: r.pool, key: key}
}

// Close не закрывает пул: им владеет main.
func (r *SettingsRepository) Close() error { return nil }

func (r *SettingsRepository) Load(ctx context.Context) (*model.Snapshot, error) {
	defer logger.DeferLogDuration("settings.Load", time.Now())()
	data, err := r.Get(ctx, r.key)
	if errors.Is(err, ErrNotFound) {
		return model.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("settingsRepo.Load: %w: %w", storage.ErrSyncUnavailable, err)
	}
	return storage.DecodeSnapshot(data)
}

func (r *SettingsRepository) Save(ctx context.Context, snap *model.Snapshot) error {
	defer logger.DeferLogDuration("settings.Save", time.Now())()
	data, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := r.Put(ctx, r.key, data); err != nil {
		return fmt.Errorf("settingsRepo.Save: %w: %w", storage.ErrSyncUnavailable, err)
	}
	return nil
}

// Get читает значение произвольного ключа.
func (r *SettingsRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settingsRepo.Get: %w", err)
	}
	return data, nil
}

// Put — upsert значения.
func (r *SettingsRepository) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("settingsRepo.Put: %w", err)
	}
	return nil
}

// Delete удаляет ключ (сброс сессии).
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key); err != nil {
		return fmt.Errorf("settingsRepo.Delete: %w", err)
	}
	return nil
}
