// Package configmgr backs up, deploys and rolls back device configurations.
package configmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/classify"
	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
	"dev.hon.one/niobium/execution"
)

// BackupIDTimeFormat - Timestamp part of backup IDs, always UTC. A random suffix follows it.
const BackupIDTimeFormat = "20060102T150405.000Z"

// ApplyOptions - Deployment options.
type ApplyOptions struct {
	// BackupFirst takes a fresh backup. Otherwise the latest stored backup is the rollback point.
	BackupFirst bool
	// Save persists the running configuration after a successful verification.
	Save bool
}

// Manager - Configuration backup, deployment and rollback.
type Manager struct {
	pool        *connection.Manager
	engine      *execution.Engine
	classifier  *classify.Classifier
	store       common.BackupStore
	credentials common.CredentialSource

	now func() time.Time
}

// NewManager - Create a configuration manager.
func NewManager(pool *connection.Manager, engine *execution.Engine, classifier *classify.Classifier,
	store common.BackupStore, credentials common.CredentialSource) *Manager {
	return &Manager{
		pool:        pool,
		engine:      engine,
		classifier:  classifier,
		store:       store,
		credentials: credentials,
		now:         time.Now,
	}
}

// Acquire, profile, escalate and disable paging around fn. Privilege is dropped and the connection
// released on every path.
func (manager *Manager) withSession(ctx context.Context, device common.Device,
	fn func(conn *connection.Connection, profile *common.DeviceProfile) error) error {
	conn, err := manager.pool.Acquire(ctx, device)
	if err != nil {
		return err
	}
	defer manager.pool.Release(conn)

	profile, err := manager.classifier.EnsureProfile(ctx, conn)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.engine.DeescalatePrivilege(ctx, conn); err != nil {
			log.WithFields(log.Fields{
				"device": device.ID(),
			}).WithError(err).Warn("Failed to drop privilege")
		}
	}()
	if err := manager.prepare(ctx, conn, profile); err != nil {
		return err
	}
	return fn(conn, profile)
}

func (manager *Manager) prepare(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) error {
	deviceID := conn.Device.ID()
	if manager.engine.Dialect().Escalation(conn.DeviceType()) != nil {
		credential, err := manager.credentials.GetCredentials(deviceID)
		if err != nil {
			return err
		}
		if _, err := manager.engine.EscalatePrivilege(ctx, conn, credential.EnableSecret); err != nil {
			return err
		}
	}

	return manager.classifier.DisablePaging(ctx, conn, profile)
}

// BackupConfig - Read the running configuration and persist it.
func (manager *Manager) BackupConfig(ctx context.Context, device common.Device) (*common.ConfigBackup, error) {
	deviceID := device.ID()
	var backup *common.ConfigBackup
	err := manager.withSession(ctx, device, func(conn *connection.Connection, profile *common.DeviceProfile) error {
		text, err := manager.readConfig(ctx, conn, profile)
		if err != nil {
			return err
		}
		now := manager.now().UTC()
		backup = &common.ConfigBackup{
			ID:         fmt.Sprintf("%v-%v-%v", deviceID, now.Format(BackupIDTimeFormat), uuid.New().String()[:8]),
			Device:     deviceID,
			DeviceType: profile.Type,
			Config:     text,
			Checksum:   Checksum(text),
			Time:       now,
		}
		return nil
	})
	if err != nil {
		return nil, common.NewError(common.ErrConfiguration, deviceID, "backup", err)
	}

	location, err := manager.store.Save(ctx, *backup)
	if err != nil {
		return nil, common.NewError(common.ErrConfiguration, deviceID, "backup", err)
	}
	backup.Location = location
	log.WithFields(log.Fields{
		"device":   deviceID,
		"backup":   backup.ID,
		"checksum": backup.Checksum,
		"location": location,
	}).Info("Backed up configuration")
	return backup, nil
}

func (manager *Manager) readConfig(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) (string, error) {
	command, err := manager.classifier.ResolveCommand(profile, classify.OpBackupConfig, nil)
	if err != nil {
		return "", err
	}
	result, err := manager.engine.ExecuteStrict(ctx, conn, command, 0)
	if err != nil {
		return "", err
	}
	text := CleanConfig(result.Output)
	if text == "" {
		return "", common.Errorf(common.ErrConfiguration, conn.Device.ID(), "read configuration", "%q returned nothing", command)
	}
	return text, nil
}

// ValidateConfigSyntax - See ValidateSyntax. Uses the engine deny list.
func (manager *Manager) ValidateConfigSyntax(text string, deviceType common.DeviceType) ValidationResult {
	return ValidateSyntax(text, deviceType, manager.engine.Validator())
}

// ListBackups - Stored backups of a device, newest first.
func (manager *Manager) ListBackups(ctx context.Context, deviceID string) ([]common.ConfigBackup, error) {
	backups, err := manager.store.List(ctx, deviceID)
	if err != nil {
		return nil, common.NewError(common.ErrConfiguration, deviceID, "list backups", err)
	}
	return backups, nil
}

// LatestBackup - The newest stored backup, nil if there is none.
func (manager *Manager) LatestBackup(ctx context.Context, deviceID string) (*common.ConfigBackup, error) {
	backups, err := manager.ListBackups(ctx, deviceID)
	if err != nil || len(backups) == 0 {
		return nil, err
	}
	return &backups[0], nil
}

// FindBackup - A stored backup of the device by ID.
func (manager *Manager) FindBackup(ctx context.Context, deviceID string, backupID string) (*common.ConfigBackup, error) {
	backups, err := manager.ListBackups(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	for i := range backups {
		if backups[i].ID == backupID {
			return &backups[i], nil
		}
	}
	return nil, common.NewError(common.ErrConfiguration, deviceID, "find backup", fmt.Errorf("%v: %w", backupID, common.ErrBackupNotFound))
}

// PruneBackups - Delete all but the newest keep backups of a device. Returns the number deleted.
func (manager *Manager) PruneBackups(ctx context.Context, deviceID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	backups, err := manager.ListBackups(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := keep; i < len(backups); i++ {
		if err := manager.store.Delete(ctx, backups[i].Location); err != nil {
			return deleted, common.NewError(common.ErrConfiguration, deviceID, "prune backups", err)
		}
		deleted++
	}
	if deleted > 0 {
		log.WithFields(log.Fields{
			"device":  deviceID,
			"deleted": deleted,
			"kept":    keep,
		}).Info("Pruned backups")
	}
	return deleted, nil
}

// ApplyConfig - Deploy a configuration. A stored or fresh backup is required before anything is sent.
// When applying or verifying fails, the backup is restored before the error is returned,
// and a failed restore gives a fatal error.
func (manager *Manager) ApplyConfig(ctx context.Context, device common.Device, text string, options ApplyOptions) (*Deployment, error) {
	deviceID := device.ID()
	deployment := newDeployment(deviceID, manager.now())
	fail := func(err error) (*Deployment, error) {
		deployment.transition(StateFailed, manager.now(), err.Error())
		log.WithFields(log.Fields{
			"device":     deviceID,
			"deployment": deployment.ID,
		}).WithError(err).Error("Deployment failed")
		return deployment, err
	}

	// Backup
	var backup *common.ConfigBackup
	var err error
	if options.BackupFirst {
		backup, err = manager.BackupConfig(ctx, device)
	} else {
		backup, err = manager.LatestBackup(ctx, deviceID)
	}
	if err != nil {
		return fail(common.NewError(common.ErrConfiguration, deviceID, "apply", err))
	}
	if backup == nil {
		return fail(common.Errorf(common.ErrConfiguration, deviceID, "apply", "no backup to roll back to, refusing to deploy"))
	}
	deployment.BackupID = backup.ID
	deployment.transition(StateBackedUp, manager.now(), backup.ID)

	// Validate
	deviceType := backup.DeviceType
	if profile := manager.classifier.Profile(deviceID); profile != nil {
		deviceType = profile.Type
	} else if deviceType == "" {
		deviceType = device.Type.OrGeneric()
	}
	validation := manager.ValidateConfigSyntax(text, deviceType)
	deployment.Warnings = validation.Warnings
	if !validation.Valid {
		return fail(common.Errorf(common.ErrConfiguration, deviceID, "validate", "%v", validation.Errors))
	}
	deployment.transition(StateValidated, manager.now(), "")

	lines := ConfigLines(text)
	verifyFresh := false
	var changeErr error
	err = manager.withSession(ctx, device, func(conn *connection.Connection, profile *common.DeviceProfile) error {
		// Connectivity before the change. Nothing is sent to the device if this fails.
		if err := manager.baseline(ctx, conn, profile); err != nil {
			return err
		}
		deployment.transition(StateConnectivityChecked, manager.now(), "")

		deployment.transition(StateDeploying, manager.now(), "")
		applied, err := manager.applyLines(ctx, conn, profile, lines)
		deployment.LinesApplied = applied
		if err != nil {
			changeErr = err
			return nil
		}

		deployment.transition(StateVerifying, manager.now(), "")
		if err := manager.baseline(ctx, conn, profile); err != nil {
			if conn.Usable() {
				changeErr = err
				return nil
			}
			log.WithFields(log.Fields{
				"device": deviceID,
			}).WithError(err).Warn("Verification session lost, verifying on a new connection")
			verifyFresh = true
			return nil
		}
		if options.Save {
			changeErr = manager.save(ctx, conn, profile)
		}
		return nil
	})
	if err != nil {
		// Failed before anything was changed
		return fail(common.NewError(common.ErrConfiguration, deviceID, "apply", err))
	}

	if changeErr == nil && verifyFresh {
		changeErr = manager.withSession(ctx, device, func(conn *connection.Connection, profile *common.DeviceProfile) error {
			if err := manager.baseline(ctx, conn, profile); err != nil {
				return err
			}
			if options.Save {
				return manager.save(ctx, conn, profile)
			}
			return nil
		})
	}

	if changeErr != nil {
		log.WithFields(log.Fields{
			"device":     deviceID,
			"deployment": deployment.ID,
			"backup":     backup.ID,
		}).WithError(changeErr).Warn("Deployment failed, rolling back")
		if rollbackErr := manager.RollbackConfig(ctx, device, backup); rollbackErr != nil {
			fatal := &common.Error{
				Kind:   common.ErrConfiguration,
				Device: deviceID,
				Op:     "apply",
				Detail: fmt.Sprintf("rollback after failed deployment (%v) failed", changeErr),
				Err:    rollbackErr,
				Fatal:  true,
			}
			return fail(fatal)
		}
		deployment.transition(StateRolledBack, manager.now(), changeErr.Error())
		return deployment, common.NewError(common.ErrConfiguration, deviceID, "apply", changeErr)
	}

	deployment.transition(StateCommitted, manager.now(), "")
	log.WithFields(log.Fields{
		"device":     deviceID,
		"deployment": deployment.ID,
		"lines":      deployment.LinesApplied,
	}).Info("Deployed configuration")
	return deployment, nil
}

// RollbackConfig - Re-apply a backup and compare the resulting running configuration with it.
// A failed rollback gives a fatal configuration error.
func (manager *Manager) RollbackConfig(ctx context.Context, device common.Device, backup *common.ConfigBackup) error {
	deviceID := device.ID()
	fatal := func(err error) error {
		log.WithFields(log.Fields{
			"device": deviceID,
		}).WithError(err).Error("Rollback failed, manual intervention needed")
		return &common.Error{Kind: common.ErrConfiguration, Device: deviceID, Op: "rollback", Err: err, Fatal: true}
	}
	if backup == nil {
		return fatal(errors.New("no backup given"))
	}

	err := manager.withSession(ctx, device, func(conn *connection.Connection, profile *common.DeviceProfile) error {
		if _, err := manager.applyLines(ctx, conn, profile, ConfigLines(backup.Config)); err != nil {
			return err
		}
		current, err := manager.readConfig(ctx, conn, profile)
		if err != nil {
			return err
		}
		if checksum := Checksum(current); checksum != backup.Checksum {
			log.WithFields(log.Fields{
				"device":   deviceID,
				"backup":   backup.ID,
				"expected": backup.Checksum,
				"actual":   checksum,
			}).Warn("Configuration after rollback differs from backup")
		}
		return nil
	})
	if err != nil {
		return fatal(err)
	}
	log.WithFields(log.Fields{
		"device": deviceID,
		"backup": backup.ID,
	}).Info("Rolled back configuration")
	return nil
}

func (manager *Manager) baseline(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) error {
	command, err := manager.classifier.ResolveCommand(profile, classify.OpBaseline, nil)
	if err != nil {
		return err
	}
	_, err = manager.engine.ExecuteStrict(ctx, conn, command, 0)
	return err
}

// Enter config mode, send lines, commit and leave. Returns the number of lines accepted.
// On failure config mode is left on a best-effort basis.
func (manager *Manager) applyLines(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile, lines []string) (int, error) {
	enter, err := manager.classifier.ResolveCommand(profile, classify.OpConfigEnter, nil)
	if err != nil {
		return 0, err
	}
	exit, err := manager.classifier.ResolveCommand(profile, classify.OpConfigExit, nil)
	if err != nil {
		return 0, err
	}
	if _, err := manager.engine.ExecuteStrict(ctx, conn, enter, 0); err != nil {
		return 0, err
	}

	applied := 0
	for _, line := range lines {
		if _, err := manager.engine.ExecuteStrict(ctx, conn, line, 0); err != nil {
			manager.leaveConfigMode(ctx, conn, exit)
			return applied, err
		}
		applied++
	}

	commit, err := manager.classifier.ResolveCommand(profile, classify.OpConfigCommit, nil)
	if err == nil {
		if _, err := manager.engine.ExecuteStrict(ctx, conn, commit, 0); err != nil {
			manager.leaveConfigMode(ctx, conn, exit)
			return applied, err
		}
	} else if !errors.Is(err, common.ErrUnsupportedOperation) {
		manager.leaveConfigMode(ctx, conn, exit)
		return applied, err
	}

	if _, err := manager.engine.ExecuteStrict(ctx, conn, exit, 0); err != nil {
		conn.MarkFailed()
		return applied, err
	}
	log.WithFields(log.Fields{
		"device": conn.Device.ID(),
		"lines":  applied,
	}).Debug("Applied configuration lines")
	return applied, nil
}

// A connection that may still be in config mode is not handed to anyone else.
func (manager *Manager) leaveConfigMode(ctx context.Context, conn *connection.Connection, exit string) {
	if !conn.Usable() {
		return
	}
	if _, err := manager.engine.ExecuteStrict(ctx, conn, exit, 0); err != nil {
		conn.MarkFailed()
	}
}

func (manager *Manager) save(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) error {
	command, err := manager.classifier.ResolveCommand(profile, classify.OpSaveConfig, nil)
	if errors.Is(err, common.ErrUnsupportedOperation) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = manager.engine.ExecuteStrict(ctx, conn, command, 0)
	return err
}
