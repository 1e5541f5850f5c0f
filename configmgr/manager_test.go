package configmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/classify"
	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection/connectiontest"
	"dev.hon.one/niobium/db"
	"dev.hon.one/niobium/execution"
	"dev.hon.one/niobium/transport"
	"dev.hon.one/niobium/transport/transporttest"
)

const changedConfig = "hostname r1\ninterface GigabitEthernet0/1\n description changed"

// Breaks reachability once applied
const unreachableConfig = "interface GigabitEthernet0/1\n ip address 10.9.9.9 255.255.255.0"

func newTestManager(t *testing.T) (*Manager, *connectiontest.Lab, *db.MemoryBackupStore) {
	t.Helper()
	registry := classify.NewRegistry()
	engine, err := execution.NewEngine(registry, execution.Options{DefaultTimeout: 2 * time.Second})
	require.NoError(t, err)
	lab := connectiontest.NewLab(t, 4)
	store := db.NewMemoryBackupStore()
	manager := NewManager(lab.Manager, engine, classify.NewClassifier(engine, registry, nil), store, lab)
	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return manager, lab, store
}

func TestBackupConfig(t *testing.T) {
	manager, lab, store := newTestManager(t)
	device, fake := lab.AddIOS("r1")

	backup, err := manager.BackupConfig(context.Background(), device)
	require.NoError(t, err)

	assert.Regexp(t, `^r1-20261014T120001\.000Z-[0-9a-f]{8}$`, backup.ID)
	assert.Equal(t, common.DeviceTypeCiscoIOS, backup.DeviceType)
	assert.Equal(t, fake.Config(), backup.Config, "device banners stripped")
	assert.Equal(t, Checksum(fake.Config()), backup.Checksum)
	assert.Equal(t, "memory:"+backup.ID, backup.Location)
	assert.Equal(t, []string{"show version", "terminal length 0", "enable", "s3cret", "show running-config", "disable"}, fake.Sent())
	assert.False(t, fake.Privileged())

	stored, err := store.Load(context.Background(), backup.Location)
	require.NoError(t, err)
	assert.Equal(t, backup.Checksum, stored.Checksum)
}

func TestBackupConfig_SameMillisecond(t *testing.T) {
	manager, lab, store := newTestManager(t)
	device, _ := lab.AddIOS("r1")
	manager.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }

	first, err := manager.BackupConfig(context.Background(), device)
	require.NoError(t, err)
	second, err := manager.BackupConfig(context.Background(), device)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, strings.HasPrefix(second.ID, "r1-20261014T120000.000Z-"))
	backups, err := store.List(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, backups, 2, "second backup must not overwrite the first")
}

func TestBackupConfig_EscalationFailure(t *testing.T) {
	manager, lab, store := newTestManager(t)
	fake := transporttest.NewIOSDevice("r1")
	device := lab.Add(common.Device{Name: "r1", Type: common.DeviceTypeCiscoIOS}, fake)
	fake.Handler = func(d *transporttest.Device, line string) (string, bool) {
		if line == "enable" {
			return "% Access denied", true
		}
		return "", false
	}

	_, err := manager.BackupConfig(context.Background(), device)
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.ErrorIs(t, err, common.ErrCommandExecution)
	assert.False(t, fake.SentCommand("show running-config"))
	backups, _ := store.List(context.Background(), "r1")
	assert.Empty(t, backups)
}

func TestApplyConfig_RefusedWithoutBackup(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	device, fake := lab.AddIOS("r1")

	deployment, err := manager.ApplyConfig(context.Background(), device, changedConfig, ApplyOptions{})
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.Equal(t, StateFailed, deployment.State())
	assert.Zero(t, fake.Dials(), "no connection opened")
	assert.Empty(t, fake.Sent())
}

func TestApplyConfig_Commit(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	device, fake := lab.AddIOS("r1")

	deployment, err := manager.ApplyConfig(context.Background(), device, changedConfig, ApplyOptions{BackupFirst: true, Save: true})
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateIdle, StateBackedUp, StateValidated, StateConnectivityChecked,
		StateDeploying, StateVerifying, StateCommitted,
	}, deployment.States())
	assert.Equal(t, 3, deployment.LinesApplied)
	assert.Equal(t, changedConfig, fake.Config())
	assert.True(t, fake.SentCommand("write memory"))
	assert.Equal(t, 1, fake.Dials(), "backup and deployment share the pooled connection")
}

func TestApplyConfig_UsesLatestStoredBackup(t *testing.T) {
	manager, lab, store := newTestManager(t)
	device, fake := lab.AddIOS("r1")
	for i := 1; i <= 2; i++ {
		_, err := store.Save(context.Background(), common.ConfigBackup{
			ID:         fmt.Sprintf("r1-%d", i),
			Device:     "r1",
			DeviceType: common.DeviceTypeCiscoIOS,
			Config:     fake.Config(),
			Checksum:   Checksum(fake.Config()),
			Time:       time.Date(2026, 10, i, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	deployment, err := manager.ApplyConfig(context.Background(), device, changedConfig, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "r1-2", deployment.BackupID)
	assert.False(t, fake.SentCommand("show running-config"))
}

func TestApplyConfig_InvalidConfigNotSent(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	device, fake := lab.AddIOS("r1")

	deployment, err := manager.ApplyConfig(context.Background(), device, "hostname r1\nreload", ApplyOptions{BackupFirst: true})
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.Equal(t, []State{StateIdle, StateBackedUp, StateFailed}, deployment.States())
	assert.Contains(t, deployment.Error, "deny pattern")
	assert.False(t, fake.SentCommand("configure terminal"))
}

func TestApplyConfig_VerifyFailureRollsBack(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	device, fake := lab.AddIOS("r1")
	original := fake.Config()
	fake.Handler = func(d *transporttest.Device, line string) (string, bool) {
		if line == "show clock" && strings.Contains(d.RunningConfig, "10.9.9.9") {
			return "% Error: no route to host", true
		}
		return "", false
	}

	deployment, err := manager.ApplyConfig(context.Background(), device, unreachableConfig, ApplyOptions{BackupFirst: true, Save: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.False(t, common.IsFatal(err))
	assert.Equal(t, StateRolledBack, deployment.State())
	assert.Equal(t, Checksum(original), Checksum(fake.Config()), "restored to the backup")
	assert.False(t, fake.SentCommand("write memory"), "never saved")
}

func TestApplyConfig_FailedRollbackIsFatal(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	device, fake := lab.AddIOS("r1")
	fake.Handler = func(d *transporttest.Device, line string) (string, bool) {
		if !strings.Contains(d.RunningConfig, "10.9.9.9") {
			return "", false
		}
		switch line {
		case "show clock":
			return "% Error: no route to host", true
		case "configure terminal":
			return "% Error: configuration locked", true
		}
		return "", false
	}

	deployment, err := manager.ApplyConfig(context.Background(), device, unreachableConfig, ApplyOptions{BackupFirst: true})
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.Contains(t, err.Error(), "no route to host", "original failure kept apart from the rollback failure")
	assert.Equal(t, StateFailed, deployment.State())
	assert.Contains(t, fake.Config(), "10.9.9.9")
}

func TestApplyConfig_VerifiesOnFreshConnection(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	fake := transporttest.NewIOSDevice("r1")
	device := lab.Add(common.Device{Name: "r1", CommandTimeoutSeconds: 0.2}, fake)
	armed := true
	fake.Handler = func(d *transporttest.Device, line string) (string, bool) {
		if line == "end" && armed {
			// The session in use stops answering after the change
			armed = false
			d.Hang["show clock"] = true
		}
		return "", false
	}
	fake.Hang = map[string]bool{}
	lab.Dialer.Fail = func(transport.Target) error {
		fake.SetHang("show clock", false)
		return nil
	}

	deployment, err := manager.ApplyConfig(context.Background(), device, changedConfig, ApplyOptions{BackupFirst: true})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, deployment.State())
	assert.Equal(t, 2, fake.Dials())
	assert.Equal(t, changedConfig, fake.Config())
}

func TestRollbackConfig_RoundTrip(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	device, fake := lab.AddIOS("r1")
	backup, err := manager.BackupConfig(context.Background(), device)
	require.NoError(t, err)
	_, err = manager.ApplyConfig(context.Background(), device, changedConfig, ApplyOptions{})
	require.NoError(t, err)
	require.NotEqual(t, backup.Checksum, Checksum(fake.Config()))

	require.NoError(t, manager.RollbackConfig(context.Background(), device, backup))
	assert.Equal(t, backup.Checksum, Checksum(fake.Config()))
}

func TestRollbackConfig_NoBackupIsFatal(t *testing.T) {
	manager, lab, _ := newTestManager(t)
	device, _ := lab.AddIOS("r1")

	err := manager.RollbackConfig(context.Background(), device, nil)
	assert.True(t, common.IsFatal(err))
}

func TestPruneBackups(t *testing.T) {
	manager, _, store := newTestManager(t)
	for i := 1; i <= 5; i++ {
		_, err := store.Save(context.Background(), common.ConfigBackup{
			ID:     fmt.Sprintf("r1-%d", i),
			Device: "r1",
			Time:   time.Date(2026, 10, i, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}
	_, err := store.Save(context.Background(), common.ConfigBackup{ID: "r2-1", Device: "r2"})
	require.NoError(t, err)

	deleted, err := manager.PruneBackups(context.Background(), "r1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	backups, err := manager.ListBackups(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "r1-5", backups[0].ID)
	assert.Equal(t, "r1-4", backups[1].ID)

	others, _ := manager.ListBackups(context.Background(), "r2")
	assert.Len(t, others, 1)

	found, err := manager.FindBackup(context.Background(), "r1", "r1-4")
	require.NoError(t, err)
	assert.Equal(t, "memory:r1-4", found.Location)
	_, err = manager.FindBackup(context.Background(), "r1", "r1-1")
	assert.ErrorIs(t, err, common.ErrBackupNotFound)
}
