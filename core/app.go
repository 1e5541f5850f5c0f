// Package core wires the components together and runs the background services.
package core

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/classify"
	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/configmgr"
	"dev.hon.one/niobium/connection"
	"dev.hon.one/niobium/db"
	"dev.hon.one/niobium/execution"
	"dev.hon.one/niobium/monitoring"
	"dev.hon.one/niobium/transport"
)

// App - The wired components.
type App struct {
	Config      *common.Config
	Devices     []common.Device
	Credentials common.CredentialSource
	Registry    *classify.Registry
	Engine      *execution.Engine
	Pool        *connection.Manager
	Classifier  *classify.Classifier
	Backups     common.BackupStore
	Configs     *configmgr.Manager
	Sink        common.MetricSink
	// Pipeline is nil if monitoring is disabled.
	Pipeline *monitoring.Pipeline

	closers []io.Closer
}

// Dependencies - Replaceable parts of the app. Nil fields are built from the config.
type Dependencies struct {
	Dialer      transport.Dialer
	Credentials common.CredentialSource
	Devices     []common.Device
	Sink        common.MetricSink
	Backups     common.BackupStore
	Notifier    common.NotificationSink
}

type closerFunc func() error

func (fn closerFunc) Close() error {
	return fn()
}

// NewApp - Load devices, credentials and alert rules and build the components.
func NewApp(config *common.Config, deps Dependencies) (*App, error) {
	app := &App{Config: config}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	// Devices and credentials
	app.Devices = deps.Devices
	app.Credentials = deps.Credentials
	if app.Credentials == nil || app.Devices == nil {
		credentials, err := common.LoadCredentials(config.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load credentials: %w", err)
		}
		if app.Devices == nil {
			devices, err := common.LoadDevices(config.DevicesPath, credentials)
			if err != nil {
				return nil, fmt.Errorf("failed to load devices: %w", err)
			}
			app.Devices = devices
		}
		if app.Credentials == nil {
			app.Credentials = common.NewStaticCredentialSource(credentials, app.Devices)
		}
	}

	// Execution and connections
	app.Registry = classify.NewRegistry()
	engine, err := execution.NewEngine(app.Registry, execution.OptionsFromConfig(config.Execution))
	if err != nil {
		return nil, err
	}
	app.Engine = engine
	dialer := deps.Dialer
	if dialer == nil {
		dialer = transport.NewSSHDialer()
	}
	app.Pool = connection.NewManager(dialer, app.Credentials, connection.OptionsFromConfig(config))
	app.closers = append(app.closers, closerFunc(func() error {
		app.Pool.Shutdown()
		return nil
	}))
	app.Classifier = classify.NewClassifier(engine, app.Registry, nil)

	// Storage
	app.Backups = deps.Backups
	if app.Backups == nil {
		if config.Backup.Path == "" {
			log.Warn("No backup path configured, backups are kept in memory")
			app.Backups = db.NewMemoryBackupStore()
		} else {
			store, err := db.OpenBadgerBackupStore(config.Backup.Path)
			if err != nil {
				return nil, err
			}
			app.Backups = store
			app.closers = append(app.closers, store)
		}
	}
	app.Configs = configmgr.NewManager(app.Pool, engine, app.Classifier, app.Backups, app.Credentials)
	app.Sink = deps.Sink
	if app.Sink == nil {
		if config.InfluxDB.URL == "" {
			app.Sink = db.NewMemorySink()
		} else {
			sink := db.NewInfluxSink(config.InfluxDB)
			app.Sink = sink
			app.closers = append(app.closers, closerFunc(func() error {
				sink.Close()
				return nil
			}))
		}
	}

	// Monitoring
	if config.Monitoring.Enabled {
		pipeline, err := app.newPipeline(deps.Notifier)
		if err != nil {
			return nil, err
		}
		app.Pipeline = pipeline
	}

	ok = true
	return app, nil
}

func (app *App) newPipeline(notifier common.NotificationSink) (*monitoring.Pipeline, error) {
	config := app.Config.Monitoring
	var rules []monitoring.Rule
	if config.AlertRulesPath != "" {
		loaded, err := monitoring.LoadRules(config.AlertRulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load alert rules: %w", err)
		}
		rules = loaded
	}
	evaluator, err := monitoring.NewEvaluator(rules)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifiers := monitoring.MultiNotifier{monitoring.LogNotifier{}}
		if config.WebhookURL != "" {
			notifiers = append(notifiers, monitoring.NewWebhookNotifier(config.WebhookURL, app.Engine.Timeout(common.Device{}, 0)))
		}
		notifier = notifiers
	}
	log.WithFields(log.Fields{
		"rules": len(rules),
	}).Debug("Loaded alert rules")
	collector := monitoring.NewCollector(app.Engine, app.Registry)
	return monitoring.NewPipeline(app.Pool, app.Classifier, collector, app.Sink, evaluator, notifier,
		app.Devices, monitoring.OptionsFromConfig(config)), nil
}

// Device - A configured device by name or address.
func (app *App) Device(name string) (common.Device, error) {
	for _, device := range app.Devices {
		if device.ID() == name || device.Name == name || device.Address == name {
			return device, nil
		}
	}
	return common.Device{}, common.Errorf(common.ErrConfiguration, name, "device", "not configured")
}

// Close - Stop the pool and close the stores, last opened first.
func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			log.WithError(err).Warn("Failed to close component")
		}
	}
	app.closers = nil
}
