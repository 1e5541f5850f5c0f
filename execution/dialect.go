package execution

import (
	"regexp"

	"dev.hon.one/niobium/common"
)

// Escalation - How a dialect enters and leaves privileged mode.
type Escalation struct {
	Command           string
	DeescalateCommand string
	PasswordPrompt    *regexp.Regexp
	// PrivilegedPrompt matches the prompt once escalated.
	PrivilegedPrompt *regexp.Regexp
}

// Dialect - Per device type prompt and escalation lookup.
type Dialect interface {
	Prompt(deviceType common.DeviceType) *regexp.Regexp
	// Escalation returns nil if the type has no privileged mode.
	Escalation(deviceType common.DeviceType) *Escalation
}

// Shared prompt patterns, matched against the end of the buffered output.
var (
	GenericPrompt    = regexp.MustCompile(`[\w.\-@/:~()\[\]]+ ?[>#$%]\s*$`)
	PasswordPrompt   = regexp.MustCompile(`(?i)password: ?$`)
	PrivilegedPrompt = regexp.MustCompile(`[\w.\-@/:()]+#\s*$`)
)

// EnableEscalation - IOS-style "enable" escalation.
var EnableEscalation = &Escalation{
	Command:           "enable",
	DeescalateCommand: "disable",
	PasswordPrompt:    PasswordPrompt,
	PrivilegedPrompt:  PrivilegedPrompt,
}

// DefaultDialect - Generic prompt for every type, IOS-style escalation for the Cisco-like types.
type DefaultDialect struct{}

// Prompt - The generic prompt.
func (DefaultDialect) Prompt(deviceType common.DeviceType) *regexp.Regexp {
	return GenericPrompt
}

// Escalation - "enable" for types known to have it.
func (DefaultDialect) Escalation(deviceType common.DeviceType) *Escalation {
	switch deviceType {
	case common.DeviceTypeCiscoIOS, common.DeviceTypeCiscoIOSXE, common.DeviceTypeAristaEOS,
		common.DeviceTypeFSOS, common.DeviceTypeTPLinkJetstream:
		return EnableEscalation
	}
	return nil
}
