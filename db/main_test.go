package db

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/common"
)

const fluxResponse = `#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,dateTime:RFC3339,double,string,string,string,string,string
#group,false,false,true,true,false,false,true,true,true,true,true
#default,_result,,,,,,,,,,
,result,table,_start,_stop,_time,_value,_field,_measurement,device,interface,unit
,,0,2026-10-14T00:00:00Z,2026-10-15T00:00:00Z,2026-10-14T12:01:00Z,300,value,interface_in_errors,r1,Gi0/1,errors
,,0,2026-10-14T00:00:00Z,2026-10-15T00:00:00Z,2026-10-14T12:00:00Z,200,value,interface_in_errors,r1,Gi0/1,errors

`

type fakeInflux struct {
	mutex   sync.Mutex
	writes  []string
	queries []string
	healthy bool
}

func (influx *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	influx.mutex.Lock()
	defer influx.mutex.Unlock()
	switch r.URL.Path {
	case "/health":
		w.Header().Set("Content-Type", "application/json")
		if !influx.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"name":"influxdb","message":"starting","status":"fail","checks":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"influxdb","message":"ready for queries and writes","status":"pass","checks":[],"version":"v2.7.1","commit":"abc"}`))
	case "/api/v2/write":
		influx.writes = append(influx.writes, r.URL.Query().Get("bucket")+"\n"+string(body))
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/query":
		influx.queries = append(influx.queries, string(body))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte(strings.ReplaceAll(fluxResponse, "\n", "\r\n")))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestInflux(t *testing.T) (*InfluxSink, *fakeInflux) {
	t.Helper()
	influx := &fakeInflux{healthy: true}
	server := httptest.NewServer(influx)
	t.Cleanup(server.Close)
	sink := NewInfluxSink(common.InfluxDBConfig{URL: server.URL, Token: "token", Org: "lab"})
	t.Cleanup(sink.Close)
	return sink, influx
}

func TestInfluxSink_Store(t *testing.T) {
	sink, influx := newTestInflux(t)
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	err := sink.Store(context.Background(), []common.MetricSample{
		{Device: "r1", Name: "cpu_percent", Value: 5, Unit: "percent", Time: now},
		{Device: "r1", Name: "interface_oper_status", Text: "up", Labels: map[string]string{"interface": "Gi0/1"}, Time: now},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Store(context.Background(), nil))

	influx.mutex.Lock()
	defer influx.mutex.Unlock()
	require.Len(t, influx.writes, 1, "one batch, empty stores skipped")
	lines := strings.Split(strings.TrimSpace(influx.writes[0]), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, InfluxDBBucket, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "cpu_percent,device=r1,unit=percent value=5"), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], " 1791979200000000000"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], `interface_oper_status,device=r1,interface=Gi0/1 text="up"`), lines[2])
}

func TestInfluxSink_Query(t *testing.T) {
	sink, influx := newTestInflux(t)

	samples, err := sink.Query(context.Background(), "r1", "interface_in_errors", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "r1", samples[0].Device)
	assert.Equal(t, "interface_in_errors", samples[0].Name)
	assert.Equal(t, 200.0, samples[0].Value, "oldest first")
	assert.Equal(t, "errors", samples[0].Unit)
	assert.Equal(t, map[string]string{"interface": "Gi0/1"}, samples[0].Labels)
	assert.True(t, time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC).Equal(samples[0].Time))
	assert.Equal(t, 300.0, samples[1].Value)

	influx.mutex.Lock()
	defer influx.mutex.Unlock()
	require.Len(t, influx.queries, 1)
	assert.Contains(t, influx.queries[0], `r._measurement == \"interface_in_errors\"`)
	assert.Contains(t, influx.queries[0], "start: 1970-01-01T00:00:00Z")
}

func TestInfluxSink_WaitReady(t *testing.T) {
	sink, influx := newTestInflux(t)
	influx.healthy = false

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.WaitReady(ctx, 10*time.Millisecond), common.ErrMonitoring)

	influx.mutex.Lock()
	influx.healthy = true
	influx.mutex.Unlock()
	assert.NoError(t, sink.WaitReady(context.Background(), 10*time.Millisecond))
}

func TestInfluxSink_WriteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"unauthorized access"}`))
	}))
	defer server.Close()
	sink := NewInfluxSink(common.InfluxDBConfig{URL: server.URL, Org: "lab"})
	defer sink.Close()

	err := sink.Store(context.Background(), []common.MetricSample{{Device: "r1", Name: "cpu_percent", Value: 1, Time: time.Now()}})
	assert.ErrorIs(t, err, common.ErrMonitoring)
}
