package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/common"
)

var backupTime = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func testBackup(device string, id string, offset time.Duration) common.ConfigBackup {
	return common.ConfigBackup{
		ID:         id,
		Device:     device,
		DeviceType: common.DeviceTypeCiscoIOS,
		Config:     "hostname " + device,
		Checksum:   "c-" + id,
		Time:       backupTime.Add(offset),
	}
}

// Behaviour every backup store shares
func testBackupStore(t *testing.T, store common.BackupStore) {
	ctx := context.Background()

	first, err := store.Save(ctx, testBackup("r1", "r1-1", 0))
	require.NoError(t, err)
	second, err := store.Save(ctx, testBackup("r1", "r1-2", time.Minute))
	require.NoError(t, err)
	_, err = store.Save(ctx, testBackup("r10", "r10-1", 2*time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	loaded, err := store.Load(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "r1-2", loaded.ID)
	assert.Equal(t, second, loaded.Location)
	assert.Equal(t, "hostname r1", loaded.Config)
	assert.True(t, backupTime.Add(time.Minute).Equal(loaded.Time))

	backups, err := store.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "r1-2", backups[0].ID, "newest first")
	assert.Equal(t, "r1-1", backups[1].ID)

	none, err := store.List(ctx, "r2")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.Delete(ctx, first))
	_, err = store.Load(ctx, first)
	assert.ErrorIs(t, err, common.ErrBackupNotFound)
	assert.ErrorIs(t, store.Delete(ctx, first), common.ErrBackupNotFound)
	backups, err = store.List(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	_, err = store.Save(ctx, common.ConfigBackup{Device: "r1"})
	assert.Error(t, err, "no ID")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.List(cancelled, "r1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBackupStore(t *testing.T) {
	testBackupStore(t, NewMemoryBackupStore())
}

func TestBadgerBackupStore(t *testing.T) {
	store, err := OpenBadgerBackupStore("")
	require.NoError(t, err)
	defer store.Close()
	testBackupStore(t, store)

	_, err = store.Load(context.Background(), "elsewhere")
	assert.ErrorIs(t, err, common.ErrBackupNotFound)
}

func TestBadgerBackupStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBadgerBackupStore(dir)
	require.NoError(t, err)
	location, err := store.Save(context.Background(), testBackup("r1", "r1-1", 0))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenBadgerBackupStore(dir)
	require.NoError(t, err)
	defer store.Close()
	backup, err := store.Load(context.Background(), location)
	require.NoError(t, err)
	assert.Equal(t, "c-r1-1", backup.Checksum)
}

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	sample := func(device string, name string, minute int) common.MetricSample {
		return common.MetricSample{Device: device, Name: name, Value: float64(minute), Time: backupTime.Add(time.Duration(minute) * time.Minute)}
	}
	require.NoError(t, sink.Store(ctx, []common.MetricSample{
		sample("r1", "cpu_percent", 2),
		sample("r1", "cpu_percent", 0),
		sample("r1", "memory_percent", 1),
		sample("r2", "cpu_percent", 1),
	}))
	assert.Equal(t, 4, sink.Len())

	all, err := sink.Query(ctx, "r1", "cpu_percent", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 0.0, all[0].Value, "sorted by time")

	bounded, err := sink.Query(ctx, "r1", "cpu_percent", backupTime.Add(time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, 2.0, bounded[0].Value)
}
