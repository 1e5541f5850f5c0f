// Package connectiontest wires a connection pool to scripted fake devices.
package connectiontest

import (
	"context"
	"sync"
	"testing"
	"time"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
	"dev.hon.one/niobium/resilience"
	"dev.hon.one/niobium/transport/transporttest"
)

// LabUsername - Username of every lab credential.
const LabUsername = "lab"

// Lab - A pool in front of fake devices. Every device gets a credential named after it.
type Lab struct {
	Manager *connection.Manager
	Dialer  *transporttest.Dialer

	mutex   sync.Mutex
	fakes   map[string]*transporttest.Device
	devices map[string]common.Device
}

// NewLab - Create a lab with a pool of the given size and a single connect attempt.
func NewLab(t testing.TB, maxSize int) *Lab {
	t.Helper()
	lab := &Lab{
		Dialer:  transporttest.NewDialer(),
		fakes:   make(map[string]*transporttest.Device),
		devices: make(map[string]common.Device),
	}
	lab.Manager = connection.NewManager(lab.Dialer, lab, connection.Options{
		MaxSize: maxSize,
		MaxIdle: time.Minute,
		Retry: resilience.RetryPolicy{
			MaxAttempts:  1,
			InitialDelay: time.Millisecond,
		},
		Breakers: resilience.NewBreakerSet(resilience.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute}),
	})
	t.Cleanup(lab.Manager.Shutdown)
	return lab
}

// Add - Make a fake reachable as the device. The address is derived from the name if unset.
func (lab *Lab) Add(device common.Device, fake *transporttest.Device) common.Device {
	if device.Address == "" {
		device.Address = device.Name + ".lab"
	}
	if device.CredentialID == "" {
		device.CredentialID = device.ID()
	}
	if device.CommandTimeoutSeconds == 0 {
		device.CommandTimeoutSeconds = 2
	}
	lab.mutex.Lock()
	lab.fakes[device.ID()] = fake
	lab.devices[device.ID()] = device
	lab.mutex.Unlock()
	lab.Dialer.Add(device.FullAddress(), fake)
	return device
}

// AddIOS - Add an IOS fake named after the device.
func (lab *Lab) AddIOS(name string) (common.Device, *transporttest.Device) {
	fake := transporttest.NewIOSDevice(name)
	return lab.Add(common.Device{Name: name}, fake), fake
}

// Device - A device added earlier.
func (lab *Lab) Device(name string) common.Device {
	lab.mutex.Lock()
	defer lab.mutex.Unlock()
	return lab.devices[name]
}

// Devices - All added devices.
func (lab *Lab) Devices() []common.Device {
	lab.mutex.Lock()
	defer lab.mutex.Unlock()
	devices := make([]common.Device, 0, len(lab.devices))
	for _, device := range lab.devices {
		devices = append(devices, device)
	}
	return devices
}

// GetCredentials - Lab password and the fake's enable secret.
func (lab *Lab) GetCredentials(deviceID string) (common.Credential, error) {
	lab.mutex.Lock()
	defer lab.mutex.Unlock()
	fake, found := lab.fakes[deviceID]
	if !found {
		return common.Credential{}, common.Errorf(common.ErrAuthentication, deviceID, "credentials", "device not known")
	}
	return common.Credential{
		Username:     LabUsername,
		Password:     LabUsername,
		EnableSecret: fake.EnableSecret,
	}, nil
}

// Acquire - Acquire a connection, failing the test on error.
func (lab *Lab) Acquire(t testing.TB, name string) *connection.Connection {
	t.Helper()
	conn, err := lab.Manager.Acquire(context.Background(), lab.Device(name))
	if err != nil {
		t.Fatalf("acquire %v: %v", name, err)
	}
	return conn
}
