package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.hon.one/niobium/classify"
	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
)

// Options - Pipeline settings.
type Options struct {
	// Schedule is the cron spec for devices without their own.
	Schedule      string
	MaxConcurrent int
}

// OptionsFromConfig - Pipeline options from the monitoring section.
func OptionsFromConfig(config common.MonitoringConfig) Options {
	return Options{
		Schedule:      config.Schedule,
		MaxConcurrent: config.MaxConcurrent,
	}
}

// DeviceStats - Collection history of one device.
type DeviceStats struct {
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	Samples      int           `json:"samples"` // Of the last run
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastSuccess  time.Time     `json:"last_success"`
	LastError    string        `json:"last_error,omitempty"`
}

// CycleResult - Summary of one run over a set of devices.
type CycleResult struct {
	Devices   int          `json:"devices"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Samples   int          `json:"samples"`
	Events    []AlertEvent `json:"events,omitempty"`
}

// Pipeline - Collects, stores and evaluates metrics of devices on a schedule.
type Pipeline struct {
	pool       *connection.Manager
	classifier *classify.Classifier
	collector  *Collector
	sink       common.MetricSink
	evaluator  *Evaluator
	notifier   common.NotificationSink
	devices    []common.Device
	options    Options

	mutex     sync.Mutex
	stats     map[string]*DeviceStats
	latest    map[string]common.MetricSample
	scheduler *cron.Cron
}

// NewPipeline - Create a pipeline. The notifier may be nil.
func NewPipeline(pool *connection.Manager, classifier *classify.Classifier, collector *Collector, sink common.MetricSink,
	evaluator *Evaluator, notifier common.NotificationSink, devices []common.Device, options Options) *Pipeline {
	if options.MaxConcurrent <= 0 {
		options.MaxConcurrent = 1
	}
	if options.Schedule == "" {
		options.Schedule = "@every 60s"
	}
	return &Pipeline{
		pool:       pool,
		classifier: classifier,
		collector:  collector,
		sink:       sink,
		evaluator:  evaluator,
		notifier:   notifier,
		devices:    append([]common.Device(nil), devices...),
		options:    options,
		stats:      make(map[string]*DeviceStats),
		latest:     make(map[string]common.MetricSample),
	}
}

// Evaluator - The alert evaluator.
func (pipeline *Pipeline) Evaluator() *Evaluator {
	return pipeline.evaluator
}

type deviceOutcome int

const (
	outcomeSucceeded deviceOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// RunCycle - Collect from all devices once, at most MaxConcurrent at a time. Device failures are
// recorded in the stats, never returned.
func (pipeline *Pipeline) RunCycle(ctx context.Context) CycleResult {
	return pipeline.runDevices(ctx, pipeline.devices)
}

func (pipeline *Pipeline) runDevices(ctx context.Context, devices []common.Device) CycleResult {
	result := CycleResult{Devices: len(devices)}
	var resultMutex sync.Mutex
	var group errgroup.Group
	group.SetLimit(pipeline.options.MaxConcurrent)
	for _, device := range devices {
		device := device
		group.Go(func() error {
			outcome, samples, events := pipeline.runDevice(ctx, device)
			resultMutex.Lock()
			defer resultMutex.Unlock()
			switch outcome {
			case outcomeSucceeded:
				result.Succeeded++
			case outcomeFailed:
				result.Failed++
			case outcomeSkipped:
				result.Skipped++
			}
			result.Samples += samples
			result.Events = append(result.Events, events...)
			return nil
		})
	}
	_ = group.Wait()

	log.WithFields(log.Fields{
		"devices":   result.Devices,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"samples":   result.Samples,
	}).Debug("Monitoring cycle done")
	return result
}

func (pipeline *Pipeline) runDevice(ctx context.Context, device common.Device) (deviceOutcome, int, []AlertEvent) {
	deviceID := device.ID()
	start := time.Now()
	logger := log.WithFields(log.Fields{
		"device": deviceID,
	})
	logger.Trace("Collecting metrics")

	conn, err := pipeline.pool.Acquire(ctx, device)
	if errors.Is(err, common.ErrPoolExhausted) {
		logger.Debug("Pool exhausted, skipping device this cycle")
		pipeline.record(deviceID, outcomeSkipped, start, 0, nil)
		return outcomeSkipped, 0, nil
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to connect for monitoring")
		pipeline.record(deviceID, outcomeFailed, start, 0, err)
		return outcomeFailed, 0, nil
	}
	profile, err := pipeline.classifier.EnsureProfile(ctx, conn)
	if err != nil {
		pipeline.pool.Release(conn)
		logger.WithError(err).Warn("Failed to classify device for monitoring")
		pipeline.record(deviceID, outcomeFailed, start, 0, err)
		return outcomeFailed, 0, nil
	}
	samples, collectErr := pipeline.collector.Collect(ctx, conn, profile)
	pipeline.pool.Release(conn)

	if len(samples) > 0 {
		if err := pipeline.sink.Store(ctx, samples); err != nil {
			collectErr = errors.Join(collectErr, common.NewError(common.ErrMonitoring, deviceID, "store metrics", err))
		}
		pipeline.remember(samples)
	}
	events := pipeline.evaluator.Evaluate(samples)
	pipeline.notify(ctx, events)

	outcome := outcomeSucceeded
	if collectErr != nil {
		outcome = outcomeFailed
		logger.WithError(collectErr).Warn("Metric collection incomplete")
	}
	pipeline.record(deviceID, outcome, start, len(samples), collectErr)
	return outcome, len(samples), events
}

func (pipeline *Pipeline) notify(ctx context.Context, events []AlertEvent) {
	if pipeline.notifier == nil {
		return
	}
	for _, event := range events {
		if err := pipeline.notifier.Notify(ctx, event.Alert); err != nil {
			logAlert(&event.Alert).WithError(err).Warn("Failed to deliver alert notification")
		}
	}
}

func (pipeline *Pipeline) record(deviceID string, outcome deviceOutcome, start time.Time, samples int, err error) {
	pipeline.mutex.Lock()
	defer pipeline.mutex.Unlock()
	stats, found := pipeline.stats[deviceID]
	if !found {
		stats = &DeviceStats{}
		pipeline.stats[deviceID] = stats
	}
	stats.Runs++
	stats.LastRun = start
	stats.LastDuration = time.Since(start)
	stats.Samples = samples
	stats.LastError = ""
	switch outcome {
	case outcomeSucceeded:
		stats.LastSuccess = start
	case outcomeFailed:
		stats.Failures++
	case outcomeSkipped:
		stats.Skipped++
	}
	if err != nil {
		stats.LastError = err.Error()
	}
}

func (pipeline *Pipeline) remember(samples []common.MetricSample) {
	pipeline.mutex.Lock()
	defer pipeline.mutex.Unlock()
	for _, sample := range samples {
		pipeline.latest[sample.SeriesKey()] = sample
	}
}

// Stats - Copies of the per-device stats.
func (pipeline *Pipeline) Stats() map[string]DeviceStats {
	pipeline.mutex.Lock()
	defer pipeline.mutex.Unlock()
	stats := make(map[string]DeviceStats, len(pipeline.stats))
	for deviceID, deviceStats := range pipeline.stats {
		stats[deviceID] = *deviceStats
	}
	return stats
}

// Latest - The most recent sample of every series, sorted by series key.
func (pipeline *Pipeline) Latest() []common.MetricSample {
	pipeline.mutex.Lock()
	samples := make([]common.MetricSample, 0, len(pipeline.latest))
	for _, sample := range pipeline.latest {
		samples = append(samples, sample)
	}
	pipeline.mutex.Unlock()
	sort.Slice(samples, func(i, j int) bool { return samples[i].SeriesKey() < samples[j].SeriesKey() })
	return samples
}

// Start - Schedule collection. Devices sharing a schedule are collected together; a run is
// skipped while the previous run of the same schedule is still going.
func (pipeline *Pipeline) Start(ctx context.Context) error {
	pipeline.mutex.Lock()
	defer pipeline.mutex.Unlock()
	if pipeline.scheduler != nil {
		return nil
	}

	logger := cron.PrintfLogger(log.StandardLogger())
	scheduler := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	groups := make(map[string][]common.Device)
	for _, device := range pipeline.devices {
		schedule := device.MonitorSchedule
		if schedule == "" {
			schedule = pipeline.options.Schedule
		}
		groups[schedule] = append(groups[schedule], device)
	}
	for schedule, devices := range groups {
		devices := devices
		if _, err := scheduler.AddFunc(schedule, func() { pipeline.runDevices(ctx, devices) }); err != nil {
			return fmt.Errorf("invalid monitoring schedule %q: %w", schedule, err)
		}
	}
	scheduler.Start()
	pipeline.scheduler = scheduler

	log.WithFields(log.Fields{
		"devices":   len(pipeline.devices),
		"schedules": len(groups),
	}).Info("Monitoring started")
	return nil
}

// Stop - Stop scheduling and wait for running collections.
func (pipeline *Pipeline) Stop() {
	pipeline.mutex.Lock()
	scheduler := pipeline.scheduler
	pipeline.scheduler = nil
	pipeline.mutex.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
	log.Info("Monitoring stopped")
}
