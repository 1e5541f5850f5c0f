// Package monitoring collects device metrics, evaluates alert rules and runs the scheduled pipeline.
package monitoring

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/classify"
	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
	"dev.hon.one/niobium/execution"
)

// Collector - Runs vendor commands and turns their output into samples.
type Collector struct {
	engine   *execution.Engine
	registry *classify.Registry

	now func() time.Time
}

// NewCollector - Create a collector.
func NewCollector(engine *execution.Engine, registry *classify.Registry) *Collector {
	return &Collector{
		engine:   engine,
		registry: registry,
		now:      time.Now,
	}
}

// One collection over a connection. Outputs are shared between operations mapped to the same command.
type collection struct {
	collector *Collector
	conn      *connection.Connection
	profile   *common.DeviceProfile
	outputs   map[string]string
	errs      []error
	lost      bool
}

func (collector *Collector) begin(conn *connection.Connection, profile *common.DeviceProfile) *collection {
	return &collection{
		collector: collector,
		conn:      conn,
		profile:   profile,
		outputs:   make(map[string]string),
	}
}

// Output of the command of an operation. False if unsupported or failed; failures are recorded.
func (c *collection) run(ctx context.Context, operation string) (string, bool) {
	deviceID := c.conn.Device.ID()
	if c.lost {
		return "", false
	}
	command, err := c.collector.registry.ResolveCommand(c.profile, operation, nil)
	if errors.Is(err, common.ErrUnsupportedOperation) {
		log.WithFields(log.Fields{
			"device":    deviceID,
			"operation": operation,
		}).Trace("Operation not supported, skipping")
		return "", false
	}
	if err != nil {
		c.errs = append(c.errs, err)
		return "", false
	}
	if output, found := c.outputs[command]; found {
		return output, true
	}

	result, err := c.collector.engine.Execute(ctx, c.conn, command, 0)
	if err == nil && !result.Success() {
		err = common.Errorf(common.ErrMonitoring, deviceID, operation, "%q: %v", command, result.Error)
	}
	if err != nil {
		c.errs = append(c.errs, err)
		if !c.conn.Usable() {
			c.lost = true
		}
		return "", false
	}
	c.outputs[command] = result.Output
	return result.Output, true
}

func (c *collection) sample(name string, value float64, unit string, labels map[string]string) common.MetricSample {
	return common.MetricSample{
		Device: c.conn.Device.ID(),
		Name:   name,
		Value:  value,
		Unit:   unit,
		Labels: labels,
		Time:   c.collector.now(),
	}
}

func (c *collection) done() error {
	return errors.Join(c.errs...)
}

// CollectInterfaceMetrics - Per-interface byte and error counters and oper status.
// Fields missing from the output are left out.
func (collector *Collector) CollectInterfaceMetrics(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) ([]common.MetricSample, error) {
	c := collector.begin(conn, profile)
	output, ok := c.run(ctx, classify.OpShowInterfaces)
	if !ok {
		return nil, c.done()
	}

	var samples []common.MetricSample
	for _, iface := range ParseInterfaces(profile.Type, output) {
		labels := map[string]string{"interface": iface.Name}
		if iface.Status != "" {
			status := c.sample(MetricInterfaceOperStatus, 0, "", labels)
			status.Text = iface.Status
			samples = append(samples, status)
		}
		for _, name := range []string{MetricInterfaceInBytes, MetricInterfaceOutBytes, MetricInterfaceInErrors, MetricInterfaceOutErrors} {
			value, found := iface.Counters[name]
			if !found {
				continue
			}
			unit := "bytes"
			if name == MetricInterfaceInErrors || name == MetricInterfaceOutErrors {
				unit = "errors"
			}
			samples = append(samples, c.sample(name, value, unit, labels))
		}
	}
	if len(samples) == 0 {
		log.WithFields(log.Fields{
			"device": conn.Device.ID(),
		}).Trace("No interfaces parsed")
	}
	return samples, c.done()
}

// CollectSystemMetrics - CPU and memory utilization and uptime.
func (collector *Collector) CollectSystemMetrics(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) ([]common.MetricSample, error) {
	c := collector.begin(conn, profile)
	parsers := []struct {
		operation string
		metric    string
		unit      string
		parse     func(common.DeviceType, string) (float64, bool)
	}{
		{classify.OpShowCPU, MetricCPUPercent, "percent", ParseCPU},
		{classify.OpShowMemory, MetricMemoryPercent, "percent", ParseMemory},
		{classify.OpShowUptime, MetricUptimeSeconds, "seconds", ParseUptime},
	}

	var samples []common.MetricSample
	for _, parser := range parsers {
		output, ok := c.run(ctx, parser.operation)
		if !ok {
			continue
		}
		value, ok := parser.parse(profile.Type, output)
		if !ok {
			log.WithFields(log.Fields{
				"device": conn.Device.ID(),
				"metric": parser.metric,
			}).Trace("Failed to parse metric, omitted")
			continue
		}
		samples = append(samples, c.sample(parser.metric, value, parser.unit, nil))
	}
	return samples, c.done()
}

// Collect - Interface and system metrics in one go.
func (collector *Collector) Collect(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) ([]common.MetricSample, error) {
	interfaceSamples, interfaceErr := collector.CollectInterfaceMetrics(ctx, conn, profile)
	if !conn.Usable() {
		return interfaceSamples, interfaceErr
	}
	systemSamples, systemErr := collector.CollectSystemMetrics(ctx, conn, profile)
	return append(interfaceSamples, systemSamples...), errors.Join(interfaceErr, systemErr)
}
