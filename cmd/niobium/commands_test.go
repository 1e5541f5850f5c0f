package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/configmgr"
	"dev.hon.one/niobium/connection/connectiontest"
	"dev.hon.one/niobium/core"
	"dev.hon.one/niobium/db"
	"dev.hon.one/niobium/transport/transporttest"
)

type testCLI struct {
	deps  core.Dependencies
	fake  *transporttest.Device
	store *db.MemoryBackupStore
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	lab := connectiontest.NewLab(t, 2)
	_, fake := lab.AddIOS("r1")
	store := db.NewMemoryBackupStore()
	return &testCLI{
		deps:  core.Dependencies{Dialer: lab.Dialer, Credentials: lab, Devices: lab.Devices(), Backups: store},
		fake:  fake,
		store: store,
	}
}

func (c *testCLI) run(args ...string) (string, error) {
	root := newRootCommand(c.deps)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExec(t *testing.T) {
	c := newTestCLI(t)

	out, err := c.run("exec", "r1", "show", "clock")
	require.NoError(t, err)
	assert.Contains(t, out, "12:00:00.000 UTC Wed Oct 14 2026")

	_, err = c.run("exec", "r1", "show", "nothing")
	assert.ErrorIs(t, err, common.ErrCommandExecution)

	_, err = c.run("exec", "r1", "reload")
	assert.ErrorIs(t, err, common.ErrCommandValidation)
	assert.False(t, c.fake.SentCommand("reload"))

	_, err = c.run("exec", "r9", "show", "clock")
	assert.ErrorIs(t, err, common.ErrConfiguration)

	_, err = c.run("exec", "r1")
	assert.Error(t, err, "command missing")
}

func TestExec_PagedOutput(t *testing.T) {
	c := newTestCLI(t)
	c.fake.Paged = map[string]bool{"show interfaces": true}

	out, err := c.run("exec", "r1", "show", "interfaces")
	require.NoError(t, err)
	assert.Contains(t, out, "GigabitEthernet0/2 is administratively down")
	assert.NotContains(t, out, "--More--")
	assert.True(t, c.fake.SentCommand("terminal length 0"))
}

func TestClassify(t *testing.T) {
	c := newTestCLI(t)

	out, err := c.run("classify", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, `"type": "cisco_ios"`)
	assert.Contains(t, out, `"hostname": "r1"`)
}

func TestBackupDeployRollback(t *testing.T) {
	c := newTestCLI(t)
	original := configmgr.Checksum(c.fake.Config())

	out, err := c.run("backup", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, original)

	path := filepath.Join(t.TempDir(), "r1.cfg")
	require.NoError(t, os.WriteFile(path, []byte("hostname r1\ninterface GigabitEthernet0/1\n description changed"), 0o600))
	out, err = c.run("deploy", "r1", path, "--save")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "committed"`)
	assert.Contains(t, c.fake.Config(), "description changed")
	assert.True(t, c.fake.SentCommand("write memory"))

	out, err = c.run("backups", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count([]byte(out), []byte("\n")))

	out, err = c.run("rollback", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored r1-")
	assert.Equal(t, original, configmgr.Checksum(c.fake.Config()))

	_, err = c.run("rollback", "r1", "--backup", "r1-missing")
	assert.ErrorIs(t, err, common.ErrBackupNotFound)

	out, err = c.run("backups", "r1", "--prune", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 backups")
	backups, err := c.store.List(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRollback_NoBackups(t *testing.T) {
	c := newTestCLI(t)

	_, err := c.run("rollback", "r1")
	assert.ErrorIs(t, err, common.ErrConfiguration)
	assert.Zero(t, c.fake.Dials())
}

func TestDeploy_MissingFile(t *testing.T) {
	c := newTestCLI(t)

	_, err := c.run("deploy", "r1", filepath.Join(t.TempDir(), "missing.cfg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInvalidConfig(t *testing.T) {
	c := newTestCLI(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pool": {"max_size": -1}}`), 0o600))

	_, err := c.run("--config", path, "backups", "r1")
	assert.ErrorContains(t, err, "failed to load config")
}
