package common

import (
	"sort"
	"strings"
	"time"
)

// Command exit statuses.
const (
	ExitOK             = 0
	ExitDeviceError    = 1
	ExitTimeout        = -1
	ExitTransportError = -2
)

// CommandResult - Outcome of one command sent to a device. Not modified after creation.
type CommandResult struct {
	Device    string        `json:"device"`
	Command   string        `json:"command"`
	RawOutput string        `json:"raw_output"`
	Output    string        `json:"output"` // Cleaned
	Prompt    string        `json:"prompt"` // Prompt line seen after the output
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Time      time.Time     `json:"time"`
	Error     string        `json:"error,omitempty"`
}

// Success - If the command completed without device or transport errors.
func (result *CommandResult) Success() bool {
	return result != nil && result.ExitCode == ExitOK && result.Error == ""
}

// Lines - Cleaned output split into lines.
func (result *CommandResult) Lines() []string {
	if result == nil || result.Output == "" {
		return nil
	}
	return strings.Split(result.Output, "\n")
}

// DeviceProfile - Detected vendor/OS and the resolved command vocabulary of a device.
type DeviceProfile struct {
	Device       string            `json:"device"`
	Type         DeviceType        `json:"type"`
	Confidence   float64           `json:"confidence"`
	Hostname     string            `json:"hostname"`
	Model        string            `json:"model"`
	Version      string            `json:"version"`
	Commands     map[string]string `json:"commands"`     // Operation name to literal command
	Capabilities map[string]bool   `json:"capabilities"` // Tested operations
	ClassifiedAt time.Time         `json:"classified_at"`
}

// Clone - Deep copy, for handing out stored profiles.
func (profile *DeviceProfile) Clone() *DeviceProfile {
	if profile == nil {
		return nil
	}
	clone := *profile
	clone.Commands = make(map[string]string, len(profile.Commands))
	for k, v := range profile.Commands {
		clone.Commands[k] = v
	}
	clone.Capabilities = make(map[string]bool, len(profile.Capabilities))
	for k, v := range profile.Capabilities {
		clone.Capabilities[k] = v
	}
	return &clone
}

// ConfigBackup - Point-in-time snapshot of a device configuration.
type ConfigBackup struct {
	ID         string     `json:"id"`
	Device     string     `json:"device"`
	DeviceType DeviceType `json:"device_type"`
	Config     string     `json:"config"`
	Checksum   string     `json:"checksum"`
	Time       time.Time  `json:"time"`
	Location   string     `json:"location"`
}

// MetricSample - One collected metric value.
type MetricSample struct {
	Device string            `json:"device"`
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Text   string            `json:"text,omitempty"` // Categorical value, Value is unused when set
	Unit   string            `json:"unit,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	Time   time.Time         `json:"time"`
}

// Categorical - If the sample carries a text value instead of a number.
func (sample MetricSample) Categorical() bool {
	return sample.Text != ""
}

// SeriesKey - Stable key of device, name and labels.
func (sample MetricSample) SeriesKey() string {
	var b strings.Builder
	b.WriteString(sample.Device)
	b.WriteByte('/')
	b.WriteString(sample.Name)
	keys := make([]string, 0, len(sample.Labels))
	for k := range sample.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(sample.Labels[k])
	}
	return b.String()
}

// AlertState - Lifecycle state of an alert.
type AlertState string

// Alert states.
const (
	AlertStateActive       AlertState = "active"
	AlertStateAcknowledged AlertState = "acknowledged"
	AlertStateResolved     AlertState = "resolved"
)

// Severity - Alert severity.
type Severity string

// Severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert - A threshold breach on a device metric.
type Alert struct {
	ID           string            `json:"id"`
	Rule         string            `json:"rule"`
	Device       string            `json:"device"`
	Metric       string            `json:"metric"`
	Labels       map[string]string `json:"labels,omitempty"`
	Severity     Severity          `json:"severity"`
	Value        float64           `json:"value"`
	Threshold    float64           `json:"threshold"`
	State        AlertState        `json:"state"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastSeen     time.Time         `json:"last_seen"`
	LastNotified time.Time         `json:"last_notified"`
	ResolvedAt   time.Time         `json:"resolved_at,omitempty"`
}
