package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dev.hon.one/niobium/common"
)

// MemorySink - Metric sink keeping samples in memory.
type MemorySink struct {
	mutex   sync.RWMutex
	samples []common.MetricSample
}

// NewMemorySink - Create an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Store - Append samples.
func (sink *MemorySink) Store(ctx context.Context, samples []common.MetricSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sink.mutex.Lock()
	sink.samples = append(sink.samples, samples...)
	sink.mutex.Unlock()
	return nil
}

// Query - Samples of a device metric within [from, to], oldest first. A zero bound is open.
func (sink *MemorySink) Query(ctx context.Context, deviceID string, metricName string, from time.Time, to time.Time) ([]common.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sink.mutex.RLock()
	var matched []common.MetricSample
	for _, sample := range sink.samples {
		if sample.Device != deviceID || sample.Name != metricName {
			continue
		}
		if !from.IsZero() && sample.Time.Before(from) {
			continue
		}
		if !to.IsZero() && sample.Time.After(to) {
			continue
		}
		matched = append(matched, sample)
	}
	sink.mutex.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Time.Before(matched[j].Time) })
	return matched, nil
}

// Len - Number of stored samples.
func (sink *MemorySink) Len() int {
	sink.mutex.RLock()
	defer sink.mutex.RUnlock()
	return len(sink.samples)
}

// MemoryBackupStore - Backup store keeping backups in memory.
type MemoryBackupStore struct {
	mutex   sync.RWMutex
	backups map[string]common.ConfigBackup
}

// NewMemoryBackupStore - Create an empty store.
func NewMemoryBackupStore() *MemoryBackupStore {
	return &MemoryBackupStore{backups: make(map[string]common.ConfigBackup)}
}

// Save - Store a backup. The location is derived from the backup ID.
func (store *MemoryBackupStore) Save(ctx context.Context, backup common.ConfigBackup) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if backup.ID == "" {
		return "", fmt.Errorf("backup of %v has no ID", backup.Device)
	}
	backup.Location = "memory:" + backup.ID
	store.mutex.Lock()
	store.backups[backup.Location] = backup
	store.mutex.Unlock()
	return backup.Location, nil
}

// Load - A backup by location.
func (store *MemoryBackupStore) Load(ctx context.Context, location string) (*common.ConfigBackup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutex.RLock()
	backup, found := store.backups[location]
	store.mutex.RUnlock()
	if !found {
		return nil, fmt.Errorf("%v: %w", location, common.ErrBackupNotFound)
	}
	return &backup, nil
}

// List - Backups of a device, newest first.
func (store *MemoryBackupStore) List(ctx context.Context, deviceID string) ([]common.ConfigBackup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutex.RLock()
	var backups []common.ConfigBackup
	for _, backup := range store.backups {
		if backup.Device == deviceID {
			backups = append(backups, backup)
		}
	}
	store.mutex.RUnlock()
	sortNewestFirst(backups)
	return backups, nil
}

// Delete - Remove a backup by location.
func (store *MemoryBackupStore) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, found := store.backups[location]; !found {
		return fmt.Errorf("%v: %w", location, common.ErrBackupNotFound)
	}
	delete(store.backups, location)
	return nil
}

func sortNewestFirst(backups []common.ConfigBackup) {
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].Time.Equal(backups[j].Time) {
			return backups[i].Time.After(backups[j].Time)
		}
		return backups[i].ID > backups[j].ID
	})
}
