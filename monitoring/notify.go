package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
)

// LogNotifier - Logs alerts.
type LogNotifier struct{}

// Notify - Log the alert at a level matching its state and severity.
func (LogNotifier) Notify(ctx context.Context, alert common.Alert) error {
	entry := logAlert(&alert).WithField("state", alert.State)
	switch {
	case alert.State == common.AlertStateResolved:
		entry.Info("Alert notification")
	case alert.Severity == common.SeverityCritical:
		entry.Error("Alert notification")
	default:
		entry.Warn("Alert notification")
	}
	return nil
}

// WebhookNotifier - POSTs alerts as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier - Create a notifier with a client timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Notify - POST the alert. Non-2xx responses are errors.
func (notifier *WebhookNotifier) Notify(ctx context.Context, alert common.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.URL, bytes.NewReader(body))
	if err != nil {
		return common.NewError(common.ErrMonitoring, alert.Device, "notify", err)
	}
	request.Header.Set("Content-Type", "application/json")
	client := notifier.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return common.NewError(common.ErrMonitoring, alert.Device, "notify", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return common.Errorf(common.ErrMonitoring, alert.Device, "notify", "webhook returned %v", response.Status)
	}
	log.WithFields(log.Fields{
		"device": alert.Device,
		"alert":  alert.ID,
		"status": response.StatusCode,
	}).Trace("Delivered alert to webhook")
	return nil
}

// MultiNotifier - Delivers to every sink, joining the errors.
type MultiNotifier []common.NotificationSink

// Notify - Notify all sinks, even if some fail.
func (notifiers MultiNotifier) Notify(ctx context.Context, alert common.Alert) error {
	var errs []error
	for i, notifier := range notifiers {
		if err := notifier.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
