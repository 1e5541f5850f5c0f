package transporttest

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/common"
)

var anyPrompt = regexp.MustCompile(`r1[>#]$`)

func read(t *testing.T, session *Session, pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return session.ReadUntil(ctx, pattern)
}

func TestSession_EnableWaitsAtPasswordPrompt(t *testing.T) {
	session := NewSession(NewIOSDevice("r1"))
	_, err := read(t, session, anyPrompt, time.Second)
	require.NoError(t, err)

	require.NoError(t, session.Write("enable\n"))
	output, err := read(t, session, regexp.MustCompile(`Password: $`), time.Second)
	require.NoError(t, err)
	assert.NotContains(t, output, "r1>")

	_, err = read(t, session, anyPrompt, 20*time.Millisecond)
	assert.ErrorIs(t, err, common.ErrTimeout, "no prompt while the secret is awaited")

	require.NoError(t, session.Write("s3cret\n"))
	output, err = read(t, session, anyPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "\r\nr1#", output)
}

func TestSession_PagedUntilTerminalLengthZero(t *testing.T) {
	device := NewIOSDevice("r1")
	device.Paged = map[string]bool{"show interfaces": true}
	session := NewSession(device)
	_, err := read(t, session, anyPrompt, time.Second)
	require.NoError(t, err)

	require.NoError(t, session.Write("show interfaces\n"))
	output, err := read(t, session, regexp.MustCompile(`--More-- $`), time.Second)
	require.NoError(t, err)
	assert.NotContains(t, output, "GigabitEthernet0/2")

	session = NewSession(device)
	_, err = read(t, session, anyPrompt, time.Second)
	require.NoError(t, err)
	require.NoError(t, session.Write("terminal length 0\nshow interfaces\n"))
	output, err = read(t, session, regexp.MustCompile(`GigabitEthernet0/2[\s\S]*r1>$`), time.Second)
	require.NoError(t, err)
	assert.NotContains(t, output, "--More--")
}
