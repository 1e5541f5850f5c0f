package monitoring

import (
	"context"
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

type testPipeline struct {
	lab        *connectiontest.Lab
	classifier *classify.Classifier
	collector  *Collector
	sink       *db.MemorySink
	notifier   *recordingNotifier
}

func newTestPipeline(t *testing.T, maxSize int) *testPipeline {
	t.Helper()
	registry := classify.NewRegistry()
	engine, err := execution.NewEngine(registry, execution.Options{DefaultTimeout: 2 * time.Second})
	require.NoError(t, err)
	return &testPipeline{
		lab:        connectiontest.NewLab(t, maxSize),
		classifier: classify.NewClassifier(engine, registry, nil),
		collector:  NewCollector(engine, registry),
		sink:       db.NewMemorySink(),
		notifier:   &recordingNotifier{},
	}
}

func (tp *testPipeline) pipeline(t *testing.T, devices []common.Device, options Options, rules ...Rule) *Pipeline {
	t.Helper()
	evaluator, err := NewEvaluator(rules)
	require.NoError(t, err)
	return NewPipeline(tp.lab.Manager, tp.classifier, tp.collector, tp.sink, evaluator, tp.notifier, devices, options)
}

func TestCollect_CiscoIOS(t *testing.T) {
	tp := newTestPipeline(t, 2)
	tp.lab.AddIOS("r1")
	conn := tp.lab.Acquire(t, "r1")
	defer tp.lab.Manager.Release(conn)
	profile, err := tp.classifier.EnsureProfile(context.Background(), conn)
	require.NoError(t, err)

	samples, err := tp.collector.Collect(context.Background(), conn, profile)
	require.NoError(t, err)
	require.Len(t, samples, 13)

	byKey := make(map[string]common.MetricSample)
	for _, sample := range samples {
		assert.Equal(t, "r1", sample.Device)
		assert.False(t, sample.Time.IsZero())
		byKey[sample.SeriesKey()] = sample
	}
	assert.Equal(t, StatusUp, byKey["r1/interface_oper_status,interface=GigabitEthernet0/1"].Text)
	assert.Equal(t, StatusAdminDown, byKey["r1/interface_oper_status,interface=GigabitEthernet0/2"].Text)
	assert.Equal(t, 64000.0, byKey["r1/interface_in_bytes,interface=GigabitEthernet0/1"].Value)
	assert.Equal(t, "bytes", byKey["r1/interface_in_bytes,interface=GigabitEthernet0/1"].Unit)
	assert.Equal(t, 3.0, byKey["r1/interface_in_errors,interface=GigabitEthernet0/1"].Value)
	assert.Equal(t, 5.0, byKey["r1/cpu_percent"].Value)
	assert.Equal(t, 25.0, byKey["r1/memory_percent"].Value)
	assert.Equal(t, 788640.0, byKey["r1/uptime_seconds"].Value)
	assert.True(t, conn.Usable())
}

func TestCollect_PartialFailure(t *testing.T) {
	tp := newTestPipeline(t, 2)
	_, fake := tp.lab.AddIOS("r1")
	fake.Handler = func(_ *transporttest.Device, line string) (string, bool) {
		return transporttest.InvalidInput, line == "show memory statistics"
	}
	conn := tp.lab.Acquire(t, "r1")
	defer tp.lab.Manager.Release(conn)
	profile, err := tp.classifier.EnsureProfile(context.Background(), conn)
	require.NoError(t, err)

	samples, err := tp.collector.CollectSystemMetrics(context.Background(), conn, profile)
	assert.ErrorIs(t, err, common.ErrMonitoring)
	require.Len(t, samples, 2, "cpu and uptime still collected")
	assert.Equal(t, MetricCPUPercent, samples[0].Name)
	assert.Equal(t, MetricUptimeSeconds, samples[1].Name)
}

func TestCollect_UnsupportedOperationsSkipped(t *testing.T) {
	tp := newTestPipeline(t, 2)
	tp.lab.AddIOS("r1")
	conn := tp.lab.Acquire(t, "r1")
	defer tp.lab.Manager.Release(conn)
	profile := &common.DeviceProfile{Type: common.DeviceTypeGeneric}

	samples, err := tp.collector.CollectSystemMetrics(context.Background(), conn, profile)
	assert.NoError(t, err)
	assert.Empty(t, samples)
}

func TestRunCycle(t *testing.T) {
	tp := newTestPipeline(t, 4)
	r1, _ := tp.lab.AddIOS("r1")
	r2, _ := tp.lab.AddIOS("r2")
	rule := Rule{Name: "busy", Metric: MetricCPUPercent, Operator: OperatorGreaterOrEqual, Threshold: 5, Consecutive: 2}
	pipeline := tp.pipeline(t, []common.Device{r1, r2}, Options{MaxConcurrent: 2}, rule)

	result := pipeline.RunCycle(context.Background())
	assert.Equal(t, CycleResult{Devices: 2, Succeeded: 2, Samples: 26}, result)
	assert.Empty(t, tp.notifier.alerts)
	assert.Equal(t, 26, tp.sink.Len())

	result = pipeline.RunCycle(context.Background())
	assert.Equal(t, 2, result.Succeeded)
	require.Len(t, result.Events, 2)
	assert.Len(t, tp.notifier.alerts, 2)
	assert.Len(t, pipeline.Evaluator().Active(), 2)

	stored, err := tp.sink.Query(context.Background(), "r1", MetricCPUPercent, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Len(t, pipeline.Latest(), 26)

	stats := pipeline.Stats()
	assert.Equal(t, uint64(2), stats["r1"].Runs)
	assert.Equal(t, uint64(0), stats["r1"].Failures)
	assert.Equal(t, 13, stats["r1"].Samples)
	assert.False(t, stats["r1"].LastSuccess.IsZero())
	assert.Empty(t, stats["r1"].LastError)
	assert.Equal(t, 2, tp.lab.Manager.Stats().Idle, "connections released")
}

func TestRunCycle_DisablesPagingOncePerConnection(t *testing.T) {
	tp := newTestPipeline(t, 2)
	r1, fake := tp.lab.AddIOS("r1")
	fake.Paged = map[string]bool{"show interfaces": true}
	pipeline := tp.pipeline(t, []common.Device{r1}, Options{})

	for i := 0; i < 2; i++ {
		result := pipeline.RunCycle(context.Background())
		require.Equal(t, 1, result.Succeeded, pipeline.Stats()["r1"].LastError)
		assert.Equal(t, 13, result.Samples)
	}

	sent := fake.Sent()
	count := 0
	for i, line := range sent {
		if line == "terminal length 0" {
			count++
			assert.Less(t, i, indexOf(sent, "show interfaces"), "paging off before collection")
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, fake.Dials())
}

func indexOf(lines []string, line string) int {
	for i, l := range lines {
		if l == line {
			return i
		}
	}
	return -1
}

func TestRunCycle_FailuresAreIsolated(t *testing.T) {
	tp := newTestPipeline(t, 4)
	r1, _ := tp.lab.AddIOS("r1")
	r2, fake2 := tp.lab.AddIOS("r2")
	down, _ := tp.lab.AddIOS("down")
	fake2.Handler = func(_ *transporttest.Device, line string) (string, bool) {
		return transporttest.InvalidInput, line == "show interfaces"
	}
	tp.lab.Dialer.Fail = func(target transport.Target) error {
		if target.Device == down.ID() {
			return common.Errorf(common.ErrConnection, target.Device, "dial", "no route to host")
		}
		return nil
	}
	pipeline := tp.pipeline(t, []common.Device{r1, r2, down}, Options{MaxConcurrent: 3})

	result := pipeline.RunCycle(context.Background())
	assert.Equal(t, 3, result.Devices)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 16, result.Samples, "r2 system metrics kept")

	stats := pipeline.Stats()
	assert.Equal(t, uint64(1), stats["r2"].Failures)
	assert.Equal(t, 3, stats["r2"].Samples)
	assert.NotEmpty(t, stats["r2"].LastError)
	assert.Equal(t, uint64(1), stats["down"].Failures)
	assert.Contains(t, stats["down"].LastError, "no route to host")
	assert.True(t, stats["down"].LastSuccess.IsZero())
}

func TestRunCycle_SkipsWhenPoolExhausted(t *testing.T) {
	tp := newTestPipeline(t, 1)
	tp.lab.AddIOS("r1")
	r2, fake2 := tp.lab.AddIOS("r2")
	held := tp.lab.Acquire(t, "r1")
	defer tp.lab.Manager.Release(held)
	pipeline := tp.pipeline(t, []common.Device{r2}, Options{})

	result := pipeline.RunCycle(context.Background())
	assert.Equal(t, CycleResult{Devices: 1, Skipped: 1}, result)
	assert.Equal(t, 0, fake2.Dials())
	assert.Equal(t, uint64(1), pipeline.Stats()["r2"].Skipped)
}

func TestStart(t *testing.T) {
	tp := newTestPipeline(t, 2)
	r1, _ := tp.lab.AddIOS("r1")
	pipeline := tp.pipeline(t, []common.Device{r1}, Options{Schedule: "@every 1s"})

	require.NoError(t, pipeline.Start(context.Background()))
	require.NoError(t, pipeline.Start(context.Background()), "already started")
	require.Eventually(t, func() bool {
		return pipeline.Stats()["r1"].Runs > 0
	}, 5*time.Second, 50*time.Millisecond)
	pipeline.Stop()
	pipeline.Stop()
	assert.Greater(t, tp.sink.Len(), 0)
}

func TestStart_InvalidSchedule(t *testing.T) {
	tp := newTestPipeline(t, 2)
	r1, _ := tp.lab.AddIOS("r1")
	r1.MonitorSchedule = "every now and then"
	pipeline := tp.pipeline(t, []common.Device{r1}, Options{})

	assert.Error(t, pipeline.Start(context.Background()))
	pipeline.Stop()
}

func TestOptionsFromConfig(t *testing.T) {
	options := OptionsFromConfig(common.MonitoringConfig{Schedule: "*/5 * * * *", MaxConcurrent: 8})
	assert.Equal(t, Options{Schedule: "*/5 * * * *", MaxConcurrent: 8}, options)
}
