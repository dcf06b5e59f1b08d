package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phonemesh/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const createSettings = `CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func testRepo(t *testing.T) *SettingsRepository {
	t.Helper()
	url := os.Getenv("DATABASE_TEST_URL")
	if url == "" {
		t.Skip("DATABASE_TEST_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, createSettings)
	require.NoError(t, err)

	r := NewSettingsRepository(pool).WithKey("phonemesh:test:" + uuid.NewString())
	t.Cleanup(func() { _ = r.Delete(context.Background(), r.key) })
	return r
}

func TestSettings_LoadMissingIsEmpty(t *testing.T) {
	r := testRepo(t)
	snap, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Devices)
	assert.Empty(t, snap.States)
}

func TestSettings_SaveLoadOverwrite(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()

	snap := model.NewSnapshot()
	snap.Devices = []model.Device{{ID: "d1", OwnerID: "alice", Address: "555-0001"}}
	require.NoError(t, r.Save(ctx, snap))

	snap.Devices = append(snap.Devices, model.Device{ID: "d2", OwnerID: "bob", Address: "555-0002"})
	require.NoError(t, r.Save(ctx, snap))

	got, err := r.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Devices, 2)
	assert.Equal(t, model.DeviceID("d2"), got.Devices[1].ID)
}

func TestSettings_GetMissing(t *testing.T) {
	r := testRepo(t)
	_, err := r.Get(context.Background(), "phonemesh:nope:"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
