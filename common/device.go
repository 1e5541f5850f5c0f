package common

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/util"
)

// DeviceType - Vendor/OS variant of a device.
type DeviceType string

// Device types.
const (
	DeviceTypeGeneric         DeviceType = "generic"
	DeviceTypeCiscoIOS        DeviceType = "cisco_ios"
	DeviceTypeCiscoIOSXE      DeviceType = "cisco_iosxe"
	DeviceTypeCiscoNXOS       DeviceType = "cisco_nxos"
	DeviceTypeAristaEOS       DeviceType = "arista_eos"
	DeviceTypeJuniperJunos    DeviceType = "juniper_junos"
	DeviceTypeVyOS            DeviceType = "vyos"
	DeviceTypeHuaweiVRP       DeviceType = "huawei_vrp"
	DeviceTypeFSOS            DeviceType = "fsos"
	DeviceTypeTPLinkJetstream DeviceType = "tplink_jetstream"
	DeviceTypeLinux           DeviceType = "linux"
)

// DeviceTypes - All known device types, generic first.
var DeviceTypes = []DeviceType{
	DeviceTypeGeneric,
	DeviceTypeCiscoIOS,
	DeviceTypeCiscoIOSXE,
	DeviceTypeCiscoNXOS,
	DeviceTypeAristaEOS,
	DeviceTypeJuniperJunos,
	DeviceTypeVyOS,
	DeviceTypeHuaweiVRP,
	DeviceTypeFSOS,
	DeviceTypeTPLinkJetstream,
	DeviceTypeLinux,
}

// Valid - Check if the type is known. The empty type is treated as generic.
func (t DeviceType) Valid() bool {
	if t == "" {
		return true
	}
	for _, known := range DeviceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// OrGeneric - The type, or generic if unset.
func (t DeviceType) OrGeneric() DeviceType {
	if t == "" {
		return DeviceTypeGeneric
	}
	return t
}

// Default tunables.
const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// Credential - Credential for a device.
type Credential struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKey     string `json:"private_key"`
	PrivateKeyPath string `json:"private_key_path"`
	EnableSecret   string `json:"enable_secret"`
}

// PrivateKeyPEM - The private key material, read from file if only a path is set.
func (credential Credential) PrivateKeyPEM() ([]byte, error) {
	if credential.PrivateKey != "" {
		return []byte(credential.PrivateKey), nil
	}
	if credential.PrivateKeyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(credential.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %v: %w", credential.PrivateKeyPath, err)
	}
	return data, nil
}

// Device - A managed network device.
type Device struct {
	Name                  string     `json:"name"`    // Unique
	Address               string     `json:"address"` // Host name or IP address
	Port                  uint       `json:"port"`    // Optional, default to normal service port
	Type                  DeviceType `json:"type"`    // Optional, classified if generic
	CredentialID          string     `json:"credential_id"`
	ConnectTimeoutSeconds float64    `json:"connect_timeout"`
	CommandTimeoutSeconds float64    `json:"command_timeout"`
	RetryAttempts         int        `json:"retry_attempts"`   // Optional, overrides the pool retry policy
	MonitorSchedule       string     `json:"monitor_schedule"` // Optional cron spec, overrides the global one
}

// ID - Identifier used for credential lookup, logs and storage.
func (device Device) ID() string {
	if device.Name != "" {
		return device.Name
	}
	return device.Address
}

// FullAddress - host:port with the default port if none is set.
func (device Device) FullAddress() string {
	port := uint(DefaultPort)
	if device.Port > 0 {
		port = device.Port
	}
	return fmt.Sprintf("%v:%v", device.Address, port)
}

// ConnectTimeout - Connect timeout, defaulted.
func (device Device) ConnectTimeout() time.Duration {
	if device.ConnectTimeoutSeconds > 0 {
		return time.Duration(device.ConnectTimeoutSeconds * float64(time.Second))
	}
	return DefaultConnectTimeout
}

// CommandTimeout - Per-command timeout, defaulted.
func (device Device) CommandTimeout() time.Duration {
	if device.CommandTimeoutSeconds > 0 {
		return time.Duration(device.CommandTimeoutSeconds * float64(time.Second))
	}
	return DefaultCommandTimeout
}

// StaticCredentialSource - Credential source backed by a loaded credentials file.
type StaticCredentialSource struct {
	mutex       sync.RWMutex
	credentials map[string]Credential
	deviceCreds map[string]string
}

// NewStaticCredentialSource - Create a credential source from credentials by ID and the devices referring to them.
func NewStaticCredentialSource(credentials map[string]Credential, devices []Device) *StaticCredentialSource {
	source := &StaticCredentialSource{
		credentials: make(map[string]Credential, len(credentials)),
		deviceCreds: make(map[string]string, len(devices)),
	}
	for id, credential := range credentials {
		source.credentials[id] = credential
	}
	for _, device := range devices {
		source.deviceCreds[device.ID()] = device.CredentialID
	}
	return source
}

// GetCredentials - Look up the credential of a device.
func (source *StaticCredentialSource) GetCredentials(deviceID string) (Credential, error) {
	source.mutex.RLock()
	defer source.mutex.RUnlock()
	credentialID, found := source.deviceCreds[deviceID]
	if !found {
		return Credential{}, Errorf(ErrAuthentication, deviceID, "credentials", "device not known")
	}
	credential, found := source.credentials[credentialID]
	if !found {
		return Credential{}, Errorf(ErrAuthentication, deviceID, "credentials", "credential not found: %v", credentialID)
	}
	return credential, nil
}

// LoadCredentials - Load credentials from file.
func LoadCredentials(path string) (map[string]Credential, error) {
	if path == "" {
		return nil, fmt.Errorf("credentials path missing")
	}

	log.WithFields(log.Fields{
		"credentials_path": path,
	}).Trace("Loading credentials")
	var credentials map[string]Credential
	if err := util.ParseJSONFile(&credentials, path); err != nil {
		return nil, err
	}

	for credentialID, credential := range credentials {
		if credentialID == "" || credential.Username == "" {
			return nil, fmt.Errorf("invalid credential, missing fields: %q", credentialID)
		}
		if credential.Password == "" && credential.PrivateKey == "" && credential.PrivateKeyPath == "" {
			return nil, fmt.Errorf("invalid credential, no password or private key: %q", credentialID)
		}
	}

	log.WithFields(log.Fields{
		"credential_count": len(credentials),
	}).Info("Loaded credentials")
	return credentials, nil
}

// LoadDevices - Load devices from file and check them against the loaded credentials.
func LoadDevices(path string, credentials map[string]Credential) ([]Device, error) {
	if path == "" {
		return nil, fmt.Errorf("devices path missing")
	}

	log.WithFields(log.Fields{
		"devices_path": path,
	}).Trace("Loading devices")
	var devices []Device
	if err := util.ParseJSONFile(&devices, path); err != nil {
		return nil, err
	}
	if err := ValidateDevices(devices, credentials); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"device_count": len(devices),
	}).Info("Loaded devices")
	return devices, nil
}

// ValidateDevices - Check for missing fields, duplicates, unknown types and unknown credentials.
func ValidateDevices(devices []Device, credentials map[string]Credential) error {
	deviceIDs := make(map[string]bool)
	for _, device := range devices {
		if device.Address == "" || device.CredentialID == "" {
			return fmt.Errorf("invalid device, missing fields: %q", device.ID())
		}
		// Check for duplicate name/address
		if deviceIDs[device.ID()] {
			return fmt.Errorf("duplicate device found: %q", device.ID())
		}
		deviceIDs[device.ID()] = true
		if !device.Type.Valid() {
			return fmt.Errorf("invalid device %q, type not found: %q", device.ID(), device.Type)
		}
		if _, found := credentials[device.CredentialID]; !found {
			return fmt.Errorf("invalid device %q, credential ID not found: %q", device.ID(), device.CredentialID)
		}
	}
	return nil
}
