package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
)

// EventKind - What happened to an alert.
type EventKind string

// Event kinds.
const (
	EventActivated EventKind = "activated"
	EventReminder  EventKind = "reminder" // Still active after the cooldown
	EventResolved  EventKind = "resolved"
)

// AlertEvent - An alert change to notify about.
type AlertEvent struct {
	Kind  EventKind    `json:"kind"`
	Alert common.Alert `json:"alert"`
}

// Consecutive breach count and the open alert of one series
type series struct {
	breaches int
	alertID  string
}

// Evaluator - Threshold rules over samples, with alert lifecycle. Safe for concurrent use.
type Evaluator struct {
	rules []Rule

	mutex  sync.Mutex
	series map[string]*series // Rule name + sample series key
	alerts map[string]*common.Alert
	now    func() time.Time
}

// NewEvaluator - Create an evaluator. Rules are validated.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	rules, err := validateRules(append([]Rule(nil), rules...))
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		rules:  rules,
		series: make(map[string]*series),
		alerts: make(map[string]*common.Alert),
		now:    time.Now,
	}, nil
}

// Rules - The evaluated rules.
func (evaluator *Evaluator) Rules() []Rule {
	return append([]Rule(nil), evaluator.rules...)
}

func seriesKey(rule *Rule, sample common.MetricSample) string {
	return rule.Name + "|" + sample.SeriesKey()
}

// Evaluate - Apply all rules to the samples, in order. Returns the alerts that activated,
// are due for a reminder or resolved.
func (evaluator *Evaluator) Evaluate(samples []common.MetricSample) []AlertEvent {
	evaluator.mutex.Lock()
	defer evaluator.mutex.Unlock()

	var events []AlertEvent
	for _, sample := range samples {
		if sample.Time.IsZero() {
			sample.Time = evaluator.now()
		}
		for i := range evaluator.rules {
			rule := &evaluator.rules[i]
			if !rule.Applies(sample) {
				continue
			}
			if event, changed := evaluator.evaluateLocked(rule, sample); changed {
				events = append(events, event)
			}
		}
	}
	return events
}

func (evaluator *Evaluator) evaluateLocked(rule *Rule, sample common.MetricSample) (AlertEvent, bool) {
	key := seriesKey(rule, sample)
	state, found := evaluator.series[key]
	if !found {
		state = &series{}
		evaluator.series[key] = state
	}

	if !rule.Breached(sample) {
		state.breaches = 0
		if state.alertID == "" {
			return AlertEvent{}, false
		}
		alert := evaluator.alerts[state.alertID]
		state.alertID = ""
		alert.State = common.AlertStateResolved
		alert.Value = sample.Value
		alert.LastSeen = sample.Time
		alert.ResolvedAt = sample.Time
		logAlert(alert).Info("Alert resolved")
		return AlertEvent{Kind: EventResolved, Alert: cloneAlert(alert)}, true
	}

	state.breaches++
	if state.alertID == "" {
		if state.breaches < rule.Consecutive {
			return AlertEvent{}, false
		}
		alert := &common.Alert{
			ID:           uuid.New().String(),
			Rule:         rule.Name,
			Device:       sample.Device,
			Metric:       sample.Name,
			Labels:       cloneLabels(sample.Labels),
			Severity:     rule.Severity,
			Value:        sample.Value,
			Threshold:    rule.Threshold,
			State:        common.AlertStateActive,
			FirstSeen:    sample.Time,
			LastSeen:     sample.Time,
			LastNotified: sample.Time,
		}
		evaluator.alerts[alert.ID] = alert
		state.alertID = alert.ID
		logAlert(alert).Warn("Alert activated")
		return AlertEvent{Kind: EventActivated, Alert: cloneAlert(alert)}, true
	}

	alert := evaluator.alerts[state.alertID]
	alert.Value = sample.Value
	alert.LastSeen = sample.Time
	if alert.State != common.AlertStateActive || rule.Cooldown == 0 {
		return AlertEvent{}, false
	}
	if sample.Time.Sub(alert.LastNotified) < rule.Cooldown {
		return AlertEvent{}, false
	}
	alert.LastNotified = sample.Time
	return AlertEvent{Kind: EventReminder, Alert: cloneAlert(alert)}, true
}

// Acknowledge - Mark an active alert acknowledged. It is not re-notified but still resolves.
func (evaluator *Evaluator) Acknowledge(id string) (common.Alert, error) {
	evaluator.mutex.Lock()
	defer evaluator.mutex.Unlock()
	alert, found := evaluator.alerts[id]
	if !found {
		return common.Alert{}, common.Errorf(common.ErrMonitoring, "", "acknowledge", "unknown alert %v", id)
	}
	if alert.State != common.AlertStateActive {
		return cloneAlert(alert), common.Errorf(common.ErrMonitoring, alert.Device, "acknowledge", "alert %v is %v", id, alert.State)
	}
	alert.State = common.AlertStateAcknowledged
	logAlert(alert).Info("Alert acknowledged")
	return cloneAlert(alert), nil
}

// Resolve - Resolve an alert by hand. The series starts counting breaches from zero.
func (evaluator *Evaluator) Resolve(id string) (common.Alert, error) {
	evaluator.mutex.Lock()
	defer evaluator.mutex.Unlock()
	alert, found := evaluator.alerts[id]
	if !found {
		return common.Alert{}, common.Errorf(common.ErrMonitoring, "", "resolve", "unknown alert %v", id)
	}
	if alert.State == common.AlertStateResolved {
		return cloneAlert(alert), common.Errorf(common.ErrMonitoring, alert.Device, "resolve", "alert %v is already resolved", id)
	}
	for _, state := range evaluator.series {
		if state.alertID == id {
			state.alertID = ""
			state.breaches = 0
		}
	}
	alert.State = common.AlertStateResolved
	alert.ResolvedAt = evaluator.now()
	logAlert(alert).Info("Alert resolved manually")
	return cloneAlert(alert), nil
}

// Get - An alert by ID.
func (evaluator *Evaluator) Get(id string) (common.Alert, bool) {
	evaluator.mutex.Lock()
	defer evaluator.mutex.Unlock()
	alert, found := evaluator.alerts[id]
	if !found {
		return common.Alert{}, false
	}
	return cloneAlert(alert), true
}

// Active - Active and acknowledged alerts, oldest first.
func (evaluator *Evaluator) Active() []common.Alert {
	return evaluator.list(func(alert *common.Alert) bool {
		return alert.State != common.AlertStateResolved
	})
}

// Alerts - All known alerts including resolved ones, oldest first.
func (evaluator *Evaluator) Alerts() []common.Alert {
	return evaluator.list(func(*common.Alert) bool { return true })
}

// PruneResolved - Forget alerts resolved before the time. Returns the number removed.
func (evaluator *Evaluator) PruneResolved(before time.Time) int {
	evaluator.mutex.Lock()
	defer evaluator.mutex.Unlock()
	removed := 0
	for id, alert := range evaluator.alerts {
		if alert.State == common.AlertStateResolved && alert.ResolvedAt.Before(before) {
			delete(evaluator.alerts, id)
			removed++
		}
	}
	return removed
}

func (evaluator *Evaluator) list(keep func(*common.Alert) bool) []common.Alert {
	evaluator.mutex.Lock()
	alerts := make([]common.Alert, 0, len(evaluator.alerts))
	for _, alert := range evaluator.alerts {
		if keep(alert) {
			alerts = append(alerts, cloneAlert(alert))
		}
	}
	evaluator.mutex.Unlock()
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].FirstSeen.Equal(alerts[j].FirstSeen) {
			return alerts[i].FirstSeen.Before(alerts[j].FirstSeen)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts
}

func cloneAlert(alert *common.Alert) common.Alert {
	clone := *alert
	clone.Labels = cloneLabels(alert.Labels)
	return clone
}

func cloneLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	clone := make(map[string]string, len(labels))
	for k, v := range labels {
		clone[k] = v
	}
	return clone
}

func logAlert(alert *common.Alert) *log.Entry {
	return log.WithFields(log.Fields{
		"device":   alert.Device,
		"alert":    alert.ID,
		"rule":     alert.Rule,
		"metric":   alert.Metric,
		"labels":   fmt.Sprint(alert.Labels),
		"severity": alert.Severity,
		"value":    alert.Value,
	})
}
