package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *config)
	assert.NoError(t, config.Validate())
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "http_endpoint": ":9000",
  "pool": {"max_size": 4},
  "retry": {"strategy": "fixed"},
  "monitoring": {"schedule": "@every 5m", "webhook_url": "http://hooks.lab/alerts"},
  "influxdb": {"url": "http://influx.lab:8086", "org": "lab"}
}`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", config.HTTPEndpoint)
	assert.Equal(t, 4, config.Pool.MaxSize)
	assert.Equal(t, 300.0, config.Pool.MaxIdleSeconds, "unset fields keep defaults")
	assert.Equal(t, "fixed", config.Retry.Strategy)
	assert.Equal(t, 3, config.Retry.MaxAttempts)
	assert.Equal(t, "@every 5m", config.Monitoring.Schedule)
	assert.True(t, config.Monitoring.Enabled)
	assert.Equal(t, PrometheusNamespace, config.InfluxDB.Bucket)
}

func TestLoadConfig_Invalid(t *testing.T) {
	for name, content := range map[string]string{
		"pool size": `{"pool": {"max_size": 0}}`,
		"strategy":  `{"retry": {"strategy": "random"}}`,
		"jitter":    `{"retry": {"jitter": 1.5}}`,
		"breaker":   `{"breaker": {"failure_threshold": -1}}`,
		"timeout":   `{"execution": {"default_timeout": 0}}`,
		"syntax":    `{"pool": `,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.json", content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Seconds(1.5))
}
