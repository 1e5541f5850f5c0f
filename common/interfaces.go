package common

import (
	"context"
	"errors"
	"time"
)

// CredentialSource - Secret lookup. Credentials are fetched per connection attempt and not kept.
type CredentialSource interface {
	GetCredentials(deviceID string) (Credential, error)
}

// MetricSink - Append-only metric storage.
type MetricSink interface {
	Store(ctx context.Context, samples []MetricSample) error
	Query(ctx context.Context, deviceID string, metricName string, from time.Time, to time.Time) ([]MetricSample, error)
}

// NotificationSink - Delivers finalized alerts.
type NotificationSink interface {
	Notify(ctx context.Context, alert Alert) error
}

// BackupStore - Configuration backup persistence.
type BackupStore interface {
	Save(ctx context.Context, backup ConfigBackup) (string, error)
	Load(ctx context.Context, location string) (*ConfigBackup, error)
	// List returns the backups of a device, newest first.
	List(ctx context.Context, deviceID string) ([]ConfigBackup, error)
	Delete(ctx context.Context, location string) error
}

// ErrBackupNotFound - Returned by backup stores for unknown locations.
var ErrBackupNotFound = errors.New("backup not found")
