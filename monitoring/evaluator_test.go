package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/niobium/common"
)

var evalStart = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func cpuSample(device string, value float64, minute int) common.MetricSample {
	return common.MetricSample{
		Device: device,
		Name:   MetricCPUPercent,
		Value:  value,
		Time:   evalStart.Add(time.Duration(minute) * time.Minute),
	}
}

func newTestEvaluator(t *testing.T, rules ...Rule) *Evaluator {
	t.Helper()
	evaluator, err := NewEvaluator(rules)
	require.NoError(t, err)
	evaluator.now = func() time.Time { return evalStart.Add(time.Hour) }
	return evaluator
}

var highCPU = Rule{
	Name:        "high-cpu",
	Metric:      MetricCPUPercent,
	Operator:    OperatorGreater,
	Threshold:   90,
	Severity:    common.SeverityCritical,
	Consecutive: 3,
}

func TestEvaluate_ActivatesAfterConsecutiveBreaches(t *testing.T) {
	evaluator := newTestEvaluator(t, highCPU)

	assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 0)}))
	assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 96, 1)}))
	events := evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 97, 2)})
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, EventActivated, event.Kind)
	assert.Equal(t, "high-cpu", event.Alert.Rule)
	assert.Equal(t, "r1", event.Alert.Device)
	assert.Equal(t, common.SeverityCritical, event.Alert.Severity)
	assert.Equal(t, common.AlertStateActive, event.Alert.State)
	assert.Equal(t, 97.0, event.Alert.Value)
	assert.Equal(t, 90.0, event.Alert.Threshold)
	assert.Equal(t, evalStart.Add(2*time.Minute), event.Alert.FirstSeen)
	assert.NotEmpty(t, event.Alert.ID)

	// Still breaching but no cooldown: no further events
	assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 99, 3)}))
	active := evaluator.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 99.0, active[0].Value)
}

func TestEvaluate_InterruptedStreak(t *testing.T) {
	evaluator := newTestEvaluator(t, highCPU)

	for i, value := range []float64{95, 95, 50, 95, 95} {
		assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", value, i)}), "sample %d", i)
	}
	events := evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 5)})
	require.Len(t, events, 1)
	assert.Equal(t, EventActivated, events[0].Kind)
}

func TestEvaluate_ResolvesOnFirstSampleInBounds(t *testing.T) {
	rule := highCPU
	rule.Consecutive = 1
	evaluator := newTestEvaluator(t, rule)

	events := evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 0)})
	require.Len(t, events, 1)
	id := events[0].Alert.ID

	events = evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 20, 1)})
	require.Len(t, events, 1)
	assert.Equal(t, EventResolved, events[0].Kind)
	assert.Equal(t, id, events[0].Alert.ID)
	assert.Equal(t, common.AlertStateResolved, events[0].Alert.State)
	assert.Equal(t, evalStart.Add(time.Minute), events[0].Alert.ResolvedAt)
	assert.Empty(t, evaluator.Active())
	assert.Len(t, evaluator.Alerts(), 1)

	// A new breach opens a new alert
	events = evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 2)})
	require.Len(t, events, 1)
	assert.NotEqual(t, id, events[0].Alert.ID)
}

func TestEvaluate_CooldownReminder(t *testing.T) {
	rule := highCPU
	rule.Consecutive = 1
	rule.Cooldown = 5 * time.Minute
	evaluator := newTestEvaluator(t, rule)

	require.Len(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 0)}), 1)
	for minute := 1; minute < 5; minute++ {
		assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, minute)}), "minute %d", minute)
	}
	events := evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 5)})
	require.Len(t, events, 1)
	assert.Equal(t, EventReminder, events[0].Kind)
	assert.Equal(t, evalStart.Add(5*time.Minute), events[0].Alert.LastNotified)

	assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 9)}))
	assert.Len(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 10)}), 1)
}

func TestAcknowledge(t *testing.T) {
	rule := highCPU
	rule.Consecutive = 1
	rule.Cooldown = time.Minute
	evaluator := newTestEvaluator(t, rule)

	events := evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 0)})
	require.Len(t, events, 1)
	id := events[0].Alert.ID

	alert, err := evaluator.Acknowledge(id)
	require.NoError(t, err)
	assert.Equal(t, common.AlertStateAcknowledged, alert.State)

	_, err = evaluator.Acknowledge(id)
	assert.ErrorIs(t, err, common.ErrMonitoring, "already acknowledged")

	// Acknowledged alerts get no reminders but still resolve
	assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 5)}))
	assert.Len(t, evaluator.Active(), 1)
	events = evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 10, 6)})
	require.Len(t, events, 1)
	assert.Equal(t, EventResolved, events[0].Kind)
}

func TestResolve_Manual(t *testing.T) {
	evaluator := newTestEvaluator(t, highCPU)
	var id string
	for minute := 0; minute < 3; minute++ {
		for _, event := range evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, minute)}) {
			id = event.Alert.ID
		}
	}
	require.NotEmpty(t, id)

	alert, err := evaluator.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, common.AlertStateResolved, alert.State)
	assert.Equal(t, evalStart.Add(time.Hour), alert.ResolvedAt)

	_, err = evaluator.Resolve(id)
	assert.ErrorIs(t, err, common.ErrMonitoring)
	_, err = evaluator.Resolve("nope")
	assert.ErrorIs(t, err, common.ErrMonitoring)

	// Counting restarts after a manual resolve
	assert.Empty(t, evaluator.Evaluate([]common.MetricSample{cpuSample("r1", 95, 3)}))

	assert.Equal(t, 0, evaluator.PruneResolved(evalStart))
	assert.Equal(t, 1, evaluator.PruneResolved(evalStart.Add(2*time.Hour)))
	_, found := evaluator.Get(id)
	assert.False(t, found)
}

func TestEvaluate_SeriesAreIndependent(t *testing.T) {
	rule := Rule{
		Name:      "uplink-errors",
		Metric:    MetricInterfaceInErrors,
		Operator:  OperatorGreaterOrEqual,
		Threshold: 10,
		Labels:    map[string]string{"interface": "Gi0/1"},
		Devices:   []string{"r1", "r2"},
	}
	evaluator := newTestEvaluator(t, rule)
	sample := func(device string, iface string, value float64) common.MetricSample {
		return common.MetricSample{
			Device: device,
			Name:   MetricInterfaceInErrors,
			Value:  value,
			Labels: map[string]string{"interface": iface},
			Time:   evalStart,
		}
	}

	events := evaluator.Evaluate([]common.MetricSample{
		sample("r1", "Gi0/1", 10),
		sample("r1", "Gi0/2", 50),
		sample("r2", "Gi0/1", 3),
		sample("r3", "Gi0/1", 50),
	})
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].Alert.Device)
	assert.Equal(t, map[string]string{"interface": "Gi0/1"}, events[0].Alert.Labels)
	assert.Equal(t, common.SeverityWarning, events[0].Alert.Severity, "default severity")
}

func TestEvaluate_Categorical(t *testing.T) {
	rule := Rule{
		Name:     "interface-down",
		Metric:   MetricInterfaceOperStatus,
		Operator: OperatorEqual,
		Text:     StatusDown,
	}
	evaluator := newTestEvaluator(t, rule)
	status := func(text string) common.MetricSample {
		return common.MetricSample{
			Device: "r1",
			Name:   MetricInterfaceOperStatus,
			Text:   text,
			Labels: map[string]string{"interface": "Gi0/1"},
		}
	}

	assert.Empty(t, evaluator.Evaluate([]common.MetricSample{status(StatusUp)}))
	events := evaluator.Evaluate([]common.MetricSample{status(StatusDown)})
	require.Len(t, events, 1)
	assert.Equal(t, EventActivated, events[0].Kind)
	assert.Equal(t, evalStart.Add(time.Hour), events[0].Alert.FirstSeen, "zero time replaced")
	events = evaluator.Evaluate([]common.MetricSample{status(StatusUp)})
	require.Len(t, events, 1)
	assert.Equal(t, EventResolved, events[0].Kind)

	// Numeric rules ignore categorical samples
	numeric := newTestEvaluator(t, Rule{Name: "n", Metric: MetricInterfaceOperStatus, Operator: OperatorEqual, Threshold: 0})
	assert.Empty(t, numeric.Evaluate([]common.MetricSample{status(StatusDown)}))
}

func TestNewEvaluator_InvalidRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"no name", []Rule{{Metric: "m", Operator: OperatorGreater}}},
		{"no metric", []Rule{{Name: "r", Operator: OperatorGreater}}},
		{"bad operator", []Rule{{Name: "r", Metric: "m", Operator: "=~"}}},
		{"text ordering", []Rule{{Name: "r", Metric: "m", Operator: OperatorLess, Text: "up"}}},
		{"negative cooldown", []Rule{{Name: "r", Metric: "m", Operator: OperatorLess, Cooldown: -time.Second}}},
		{"bad severity", []Rule{{Name: "r", Metric: "m", Operator: OperatorLess, Severity: "fatal"}}},
		{"duplicate", []Rule{{Name: "r", Metric: "m", Operator: OperatorLess}, {Name: "r", Metric: "n", Operator: OperatorLess}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvaluator(tt.rules)
			assert.Error(t, err)
		})
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - name: high-cpu
    metric: cpu_percent
    operator: ">"
    threshold: 90
    consecutive: 3
    cooldown: 5m
    severity: critical
  - name: interface-down
    metric: interface_oper_status
    operator: "=="
    text: down
    labels:
      interface: GigabitEthernet0/1
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, OperatorGreater, rules[0].Operator)
	assert.Equal(t, 5*time.Minute, rules[0].Cooldown)
	assert.Equal(t, 3, rules[0].Consecutive)
	assert.Equal(t, common.SeverityCritical, rules[0].Severity)

	assert.Equal(t, 1, rules[1].Consecutive)
	assert.Equal(t, common.SeverityWarning, rules[1].Severity)
	assert.Equal(t, "down", rules[1].Text)
	assert.Equal(t, map[string]string{"interface": "GigabitEthernet0/1"}, rules[1].Labels)

	_, err = ParseRules([]byte("rules:\n  - name: x\n    metric: m\n    operator: '<>'\n"))
	assert.Error(t, err)
}
