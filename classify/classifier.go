package classify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
	"dev.hon.one/niobium/execution"
)

// IdentificationCommands - Commands tried in order to identify a device.
var IdentificationCommands = []string{
	"show version",
	"display version",
	"show system information",
	"uname -a",
}

// ProfileStore - Device profiles by device ID. Safe for concurrent use; profiles are copied in and out.
type ProfileStore struct {
	mutex    sync.RWMutex
	profiles map[string]*common.DeviceProfile
}

// NewProfileStore - Create an empty store.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]*common.DeviceProfile)}
}

// Put - Store or replace a profile.
func (store *ProfileStore) Put(deviceID string, profile *common.DeviceProfile) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.profiles[deviceID] = profile.Clone()
}

// Get - A copy of the profile, nil if unknown.
func (store *ProfileStore) Get(deviceID string) *common.DeviceProfile {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.profiles[deviceID].Clone()
}

// List - Copies of all profiles, sorted by device.
func (store *ProfileStore) List() []*common.DeviceProfile {
	store.mutex.RLock()
	profiles := make([]*common.DeviceProfile, 0, len(store.profiles))
	for _, profile := range store.profiles {
		profiles = append(profiles, profile.Clone())
	}
	store.mutex.RUnlock()
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Device < profiles[j].Device })
	return profiles
}

// Classifier - Identifies devices and keeps their profiles.
type Classifier struct {
	engine   *execution.Engine
	registry *Registry
	profiles *ProfileStore
}

// NewClassifier - Create a classifier. The engine should use the registry as its dialect.
func NewClassifier(engine *execution.Engine, registry *Registry, profiles *ProfileStore) *Classifier {
	if profiles == nil {
		profiles = NewProfileStore()
	}
	return &Classifier{
		engine:   engine,
		registry: registry,
		profiles: profiles,
	}
}

// Registry - The capability registry.
func (classifier *Classifier) Registry() *Registry {
	return classifier.registry
}

// Profiles - The profile store.
func (classifier *Classifier) Profiles() *ProfileStore {
	return classifier.profiles
}

// Classify - Run identification commands until one identifies the device, then register the
// profile and annotate the connection. Without a confident match the device is generic.
func (classifier *Classifier) Classify(ctx context.Context, conn *connection.Connection) (*common.DeviceProfile, error) {
	deviceID := conn.Device.ID()
	best := Match{Type: common.DeviceTypeGeneric}
	var bestOutput, prompt string
	for _, command := range IdentificationCommands {
		result, err := classifier.engine.Execute(ctx, conn, command, 0)
		if err != nil {
			return nil, err
		}
		if result.Prompt != "" {
			prompt = result.Prompt
		}
		if !conn.Usable() {
			return nil, common.Errorf(common.ErrConnection, deviceID, "classify", "session lost during %q: %v", command, result.Error)
		}
		if !result.Success() || result.Output == "" {
			log.WithFields(log.Fields{
				"device":  deviceID,
				"command": command,
			}).Trace("Identification command not supported")
			continue
		}

		match := Identify(result.Output)
		log.WithFields(log.Fields{
			"device":     deviceID,
			"command":    command,
			"type":       match.Type,
			"confidence": match.Confidence,
			"ambiguous":  match.Ambiguous,
		}).Trace("Scored identification output")
		if match.Type != common.DeviceTypeGeneric {
			best = match
			bestOutput = result.Output
			break
		}
		if match.Confidence > best.Confidence {
			best = match
			bestOutput = result.Output
		}
	}

	identity := Extract(best.Type, bestOutput, prompt)
	profile := &common.DeviceProfile{
		Device:       deviceID,
		Type:         best.Type,
		Confidence:   best.Confidence,
		Hostname:     identity.Hostname,
		Model:        identity.Model,
		Version:      identity.Version,
		Commands:     classifier.registry.Vocabulary(best.Type),
		Capabilities: make(map[string]bool),
		ClassifiedAt: time.Now(),
	}
	classifier.RegisterProfile(deviceID, profile)
	conn.Annotate(best.Type)

	log.WithFields(log.Fields{
		"device":     deviceID,
		"type":       profile.Type,
		"confidence": profile.Confidence,
		"hostname":   profile.Hostname,
		"model":      profile.Model,
		"version":    profile.Version,
	}).Info("Classified device")
	return profile.Clone(), nil
}

// RegisterProfile - Store or update the profile of a device.
func (classifier *Classifier) RegisterProfile(deviceID string, profile *common.DeviceProfile) {
	if profile.Commands == nil {
		profile.Commands = classifier.registry.Vocabulary(profile.Type)
	}
	if profile.Capabilities == nil {
		profile.Capabilities = make(map[string]bool)
	}
	profile.Device = deviceID
	classifier.profiles.Put(deviceID, profile)
}

// Profile - The stored profile of a device, nil if not classified.
func (classifier *Classifier) Profile(deviceID string) *common.DeviceProfile {
	return classifier.profiles.Get(deviceID)
}

// EnsureProfile - The stored profile, classifying over the connection if there is none.
// A declared device type is trusted without classification. The connection is annotated either way.
func (classifier *Classifier) EnsureProfile(ctx context.Context, conn *connection.Connection) (*common.DeviceProfile, error) {
	deviceID := conn.Device.ID()
	profile := classifier.Profile(deviceID)
	if profile != nil {
		conn.Annotate(profile.Type)
	} else if declared := conn.Device.Type.OrGeneric(); declared != common.DeviceTypeGeneric {
		classifier.RegisterProfile(deviceID, &common.DeviceProfile{
			Device:       deviceID,
			Type:         declared,
			Confidence:   1,
			ClassifiedAt: time.Now(),
		})
		conn.Annotate(declared)
		profile = classifier.Profile(deviceID)
	} else {
		classified, err := classifier.Classify(ctx, conn)
		if err != nil {
			return nil, err
		}
		profile = classified
	}
	if err := classifier.DisablePaging(ctx, conn, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// DisablePaging - Turn off output paging once per connection. Types without a paging command
// are left alone, and a rejected command is only logged.
func (classifier *Classifier) DisablePaging(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile) error {
	if conn.PagingDisabled() {
		return nil
	}
	deviceID := conn.Device.ID()
	command, err := classifier.registry.ResolveCommand(profile, OpDisablePaging, nil)
	if errors.Is(err, common.ErrUnsupportedOperation) {
		conn.MarkPagingDisabled()
		return nil
	}
	if err != nil {
		return err
	}
	result, err := classifier.engine.Execute(ctx, conn, command, 0)
	if err != nil {
		return err
	}
	if !result.Success() {
		if !conn.Usable() {
			return common.Errorf(common.ErrConnection, deviceID, "disable paging", "%v", result.Error)
		}
		log.WithFields(log.Fields{
			"device":  deviceID,
			"command": command,
		}).Warnf("Failed to disable paging: %v", result.Error)
	}
	conn.MarkPagingDisabled()
	return nil
}

// ResolveCommand - See Registry.ResolveCommand.
func (classifier *Classifier) ResolveCommand(profile *common.DeviceProfile, operation string, params map[string]string) (string, error) {
	return classifier.registry.ResolveCommand(profile, operation, params)
}

// TestCapability - Probe a read-only operation and record the outcome in the profile.
// Unmapped operations are recorded as unsupported without touching the device.
func (classifier *Classifier) TestCapability(ctx context.Context, conn *connection.Connection, profile *common.DeviceProfile, operation string) (bool, error) {
	deviceID := conn.Device.ID()
	if !ReadOnly(operation) {
		return false, common.Errorf(common.ErrCommandValidation, deviceID, "test capability", "%v is not a read-only operation", operation)
	}
	command, err := classifier.registry.ResolveCommand(profile, operation, map[string]string{})
	supported := false
	if err == nil {
		result, execErr := classifier.engine.Execute(ctx, conn, command, 0)
		if execErr != nil {
			return false, execErr
		}
		supported = result.Success()
	} else if !errors.Is(err, common.ErrUnsupportedOperation) {
		return false, err
	}

	if profile.Capabilities == nil {
		profile.Capabilities = make(map[string]bool)
	}
	profile.Capabilities[operation] = supported
	if stored := classifier.profiles.Get(deviceID); stored != nil {
		stored.Capabilities[operation] = supported
		classifier.profiles.Put(deviceID, stored)
	}
	log.WithFields(log.Fields{
		"device":    deviceID,
		"operation": operation,
		"supported": supported,
	}).Debug("Tested capability")
	return supported, nil
}
