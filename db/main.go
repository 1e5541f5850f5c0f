package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"dev.hon.one/niobium/common"
)

// InfluxDBBucket - Default InfluxDB bucket.
const InfluxDBBucket = common.PrometheusNamespace

// Reserved tag and field names. Every other tag is a sample label.
const (
	influxTagDevice = "device"
	influxTagUnit   = "unit"
	influxFieldNum  = "value"
	influxFieldText = "text"
)

// InfluxSink - Metric sink backed by InfluxDB. One measurement per metric name.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI influxdb2api.WriteAPIBlocking
	queryAPI influxdb2api.QueryAPI
	bucket   string
	url      string
}

// NewInfluxSink - Create a sink. Nothing is sent until the first store or query.
func NewInfluxSink(config common.InfluxDBConfig) *InfluxSink {
	bucket := config.Bucket
	if bucket == "" {
		bucket = InfluxDBBucket
	}
	client := influxdb2.NewClient(config.URL, config.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, bucket),
		queryAPI: client.QueryAPI(config.Org),
		bucket:   bucket,
		url:      config.URL,
	}
}

// WaitReady - Wait for the DB to report healthy, checking every interval.
func (sink *InfluxSink) WaitReady(ctx context.Context, interval time.Duration) error {
	checkHealth := func() bool {
		health, err := sink.client.Health(ctx)
		if err != nil {
			log.WithError(err).Tracef("Database connection error")
			return false
		}
		return health.Status == domain.HealthCheckStatusPass
	}
	if checkHealth() {
		return nil
	}
	log.Info("Waiting for database")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if checkHealth() {
				return nil
			}
		case <-ctx.Done():
			return common.NewError(common.ErrMonitoring, "", "influxdb health", ctx.Err())
		}
	}
}

// Store - Write samples as points. Categorical samples are written to the text field.
func (sink *InfluxSink) Store(ctx context.Context, samples []common.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(samples))
	for _, sample := range samples {
		log.WithFields(log.Fields{
			"device": sample.Device,
			"metric": sample.Name,
			"value":  sample.Value,
			"text":   sample.Text,
		}).Trace("Metric sample")

		point := influxdb2.NewPointWithMeasurement(sample.Name).
			AddTag(influxTagDevice, sample.Device).
			SetTime(sample.Time)
		if sample.Unit != "" {
			point.AddTag(influxTagUnit, sample.Unit)
		}
		for key, value := range sample.Labels {
			point.AddTag(key, value)
		}
		if sample.Categorical() {
			point.AddField(influxFieldText, sample.Text)
		} else {
			point.AddField(influxFieldNum, sample.Value)
		}
		points = append(points, point)
	}
	if err := sink.writeAPI.WritePoint(ctx, points...); err != nil {
		return common.NewError(common.ErrMonitoring, "", "influxdb write", err)
	}
	return nil
}

// Query - Samples of one metric of a device between two times. Zero times are unbounded.
func (sink *InfluxSink) Query(ctx context.Context, deviceID string, metricName string, from time.Time, to time.Time) ([]common.MetricSample, error) {
	flux := fmt.Sprintf(`from(bucket: %q) |> range(start: %v, stop: %v) |> filter(fn: (r) => r._measurement == %q and r.%v == %q)`,
		sink.bucket, fluxTime(from, time.Unix(0, 0)), fluxTime(to, time.Now().Add(time.Minute)), metricName, influxTagDevice, deviceID)
	result, err := sink.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, common.NewError(common.ErrMonitoring, deviceID, "influxdb query", err)
	}
	defer result.Close()

	var samples []common.MetricSample
	for result.Next() {
		samples = append(samples, recordSample(result.Record()))
	}
	if result.Err() != nil {
		return nil, common.NewError(common.ErrMonitoring, deviceID, "influxdb query", result.Err())
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) })
	return samples, nil
}

// Close - Close the client.
func (sink *InfluxSink) Close() {
	sink.client.Close()
	log.Info("DB client stopped: ", sink.url)
}

func fluxTime(t time.Time, fallback time.Time) string {
	if t.IsZero() {
		t = fallback
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func recordSample(record *query.FluxRecord) common.MetricSample {
	sample := common.MetricSample{
		Name: record.Measurement(),
		Time: record.Time(),
	}
	switch value := record.Value().(type) {
	case float64:
		sample.Value = value
	case int64:
		sample.Value = float64(value)
	case string:
		sample.Text = value
	}
	for key, value := range record.Values() {
		text, ok := value.(string)
		if !ok {
			continue
		}
		switch {
		case key == influxTagDevice:
			sample.Device = text
		case key == influxTagUnit:
			sample.Unit = text
		case strings.HasPrefix(key, "_") || key == "result" || key == "table":
		default:
			if sample.Labels == nil {
				sample.Labels = make(map[string]string)
			}
			sample.Labels[key] = text
		}
	}
	return sample
}
