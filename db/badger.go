package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
)

// Keys are "backup/<device>/<id>"; the location of a backup is its key.
const backupKeyPrefix = "backup/"

// BadgerBackupStore - Backup store in a Badger database.
type BadgerBackupStore struct {
	db *badger.DB
}

// OpenBadgerBackupStore - Open or create the database in the directory. An empty path opens an
// in-memory database.
func OpenBadgerBackupStore(path string) (*BadgerBackupStore, error) {
	var options badger.Options
	if path == "" {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create backup directory %v: %w", path, err)
		}
		options = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	options = options.WithLogger(log.StandardLogger()).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open backup store: %w", err)
	}
	log.WithFields(log.Fields{
		"path": path,
	}).Debug("Opened backup store")
	return &BadgerBackupStore{db: db}, nil
}

// Close - Close the database.
func (store *BadgerBackupStore) Close() error {
	return store.db.Close()
}

func backupKey(deviceID string, id string) string {
	return backupKeyPrefix + deviceID + "/" + id
}

// Save - Store a backup under its device and ID, replacing an earlier one with the same ID.
func (store *BadgerBackupStore) Save(ctx context.Context, backup common.ConfigBackup) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if backup.ID == "" || backup.Device == "" {
		return "", fmt.Errorf("backup without ID or device")
	}
	location := backupKey(backup.Device, backup.ID)
	backup.Location = location
	value, err := json.Marshal(backup)
	if err != nil {
		return "", err
	}
	err = store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(location), value)
	})
	if err != nil {
		return "", fmt.Errorf("save backup %v: %w", backup.ID, err)
	}
	return location, nil
}

// Load - The backup at a location.
func (store *BadgerBackupStore) Load(ctx context.Context, location string) (*common.ConfigBackup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var backup common.ConfigBackup
	err := store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(location))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &backup)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) || !strings.HasPrefix(location, backupKeyPrefix) {
		return nil, fmt.Errorf("%v: %w", location, common.ErrBackupNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load backup %v: %w", location, err)
	}
	return &backup, nil
}

// List - Backups of a device, newest first.
func (store *BadgerBackupStore) List(ctx context.Context, deviceID string) ([]common.ConfigBackup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(backupKeyPrefix + deviceID + "/")
	var backups []common.ConfigBackup
	err := store.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iterator.Close()
		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			var backup common.ConfigBackup
			err := iterator.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &backup)
			})
			if err != nil {
				return fmt.Errorf("decode %v: %w", string(iterator.Item().Key()), err)
			}
			backups = append(backups, backup)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list backups of %v: %w", deviceID, err)
	}
	sortNewestFirst(backups)
	return backups, nil
}

// Delete - Remove the backup at a location.
func (store *BadgerBackupStore) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := store.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(location)); err != nil {
			return err
		}
		return txn.Delete([]byte(location))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%v: %w", location, common.ErrBackupNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete backup %v: %w", location, err)
	}
	return nil
}
