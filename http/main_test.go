package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/classify"
	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection/connectiontest"
	"dev.hon.one/niobium/db"
	"dev.hon.one/niobium/execution"
	"dev.hon.one/niobium/monitoring"
)

func newTestServer(t *testing.T) (*httptest.Server, *monitoring.Pipeline) {
	t.Helper()
	registry := classify.NewRegistry()
	engine, err := execution.NewEngine(registry, execution.Options{DefaultTimeout: 2 * time.Second})
	require.NoError(t, err)
	lab := connectiontest.NewLab(t, 4)
	r1, _ := lab.AddIOS("r1")
	evaluator, err := monitoring.NewEvaluator([]monitoring.Rule{{
		Name:      "busy",
		Metric:    monitoring.MetricCPUPercent,
		Operator:  monitoring.OperatorGreater,
		Threshold: 1,
	}})
	require.NoError(t, err)
	pipeline := monitoring.NewPipeline(lab.Manager, classify.NewClassifier(engine, registry, nil),
		monitoring.NewCollector(engine, registry), db.NewMemorySink(), evaluator, nil,
		[]common.Device{r1}, monitoring.Options{})
	result := pipeline.RunCycle(context.Background())
	require.Equal(t, 1, result.Succeeded)

	server := httptest.NewServer(NewServer(":0", lab.Manager, pipeline).Handler())
	t.Cleanup(server.Close)
	return server, pipeline
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	response, err := http.Get(url)
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, string(body)
}

func post(t *testing.T, url string) (int, string) {
	t.Helper()
	response, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, string(body)
}

func decodeAlerts(t *testing.T, body string) []common.Alert {
	t.Helper()
	var alerts []common.Alert
	require.NoError(t, json.Unmarshal([]byte(body), &alerts))
	return alerts
}

func TestIndex(t *testing.T) {
	server, _ := newTestServer(t)

	status, body := get(t, server.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, common.AppName+" version "+common.AppVersion)
	assert.Contains(t, body, "/metrics")

	status, _ = get(t, server.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetrics(t *testing.T) {
	server, _ := newTestServer(t)

	status, body := get(t, server.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)
	for _, line := range []string{
		`niobium_exporter_info{version="` + common.AppVersion + `"} 1`,
		`niobium_pool_max_size 4`,
		`niobium_pool_connections{state="idle"} 1`,
		`niobium_pool_device_connections{device="r1"} 1`,
		`niobium_monitoring_runs{device="r1"} 1`,
		`niobium_monitoring_failures{device="r1"} 0`,
		`niobium_alerts_open{severity="warning",state="active"} 1`,
		`niobium_alerts_open{severity="critical",state="active"} 0`,
		`niobium_device_cpu_percent{device="r1"} 5`,
		`niobium_device_memory_percent{device="r1"} 25`,
		`niobium_device_interface_in_bytes{device="r1",interface="GigabitEthernet0/1"} 64000`,
		`niobium_device_interface_oper_status{device="r1",interface="GigabitEthernet0/2",status="admin-down"} 1`,
		`niobium_breaker_open{breaker="ssh:r1"} 0`,
	} {
		assert.Contains(t, body, line)
	}
	assert.Contains(t, body, "go_goroutines")
}

func TestAlerts(t *testing.T) {
	server, pipeline := newTestServer(t)

	status, body := get(t, server.URL+"/api/alerts")
	require.Equal(t, http.StatusOK, status)
	alerts := decodeAlerts(t, body)
	require.Len(t, alerts, 1)
	id := alerts[0].ID
	assert.Equal(t, "busy", alerts[0].Rule)
	assert.Equal(t, common.AlertStateActive, alerts[0].State)

	status, body = post(t, server.URL+"/api/alerts/"+id+"/ack")
	require.Equal(t, http.StatusOK, status, body)
	var alert common.Alert
	require.NoError(t, json.Unmarshal([]byte(body), &alert))
	assert.Equal(t, common.AlertStateAcknowledged, alert.State)

	status, _ = post(t, server.URL+"/api/alerts/"+id+"/ack")
	assert.Equal(t, http.StatusConflict, status)

	status, body = post(t, server.URL+"/api/alerts/"+id+"/resolve")
	require.Equal(t, http.StatusOK, status, body)
	stored, found := pipeline.Evaluator().Get(id)
	require.True(t, found)
	assert.Equal(t, common.AlertStateResolved, stored.State)

	_, body = get(t, server.URL+"/api/alerts")
	assert.Empty(t, decodeAlerts(t, body))
	_, body = get(t, server.URL+"/api/alerts?all")
	assert.Len(t, decodeAlerts(t, body), 1)

	status, _ = post(t, server.URL+"/api/alerts/unknown/resolve")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = get(t, server.URL+"/api/alerts/"+id+"/ack")
	assert.Equal(t, http.StatusNotFound, status, "actions are POST only")
}

func TestWithoutMonitoring(t *testing.T) {
	server := httptest.NewServer(NewServer(":0", nil, nil).Handler())
	defer server.Close()

	status, body := get(t, server.URL+"/api/alerts")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeAlerts(t, body))

	status, _ = post(t, server.URL+"/api/alerts/x/ack")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = get(t, server.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "niobium_exporter_info")
	assert.NotContains(t, body, "niobium_pool_max_size")
}
