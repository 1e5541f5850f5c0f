// Package classify identifies device vendors and maps abstract operations to vendor command syntax.
package classify

import (
	"regexp"
	"sort"
	"strings"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/execution"
)

// Abstract operations.
const (
	OpShowVersion    = "show-version"
	OpBackupConfig   = "backup-config"
	OpShowInterfaces = "show-interfaces"
	OpShowInterface  = "show-interface" // Param: interface
	OpShowCPU        = "show-cpu"
	OpShowMemory     = "show-memory"
	OpShowUptime     = "show-uptime"
	OpDisablePaging  = "disable-paging"
	OpEnable         = "enable"
	OpDisable        = "disable"
	OpConfigEnter    = "config-enter"
	OpConfigExit     = "config-exit"
	OpConfigCommit   = "config-commit"
	OpSaveConfig     = "save-config"
	OpBaseline       = "baseline"
)

// Operations that never change device state and may be probed.
var readOnlyOps = map[string]bool{
	OpShowVersion:    true,
	OpBackupConfig:   true,
	OpShowInterfaces: true,
	OpShowInterface:  true,
	OpShowCPU:        true,
	OpShowMemory:     true,
	OpShowUptime:     true,
	OpBaseline:       true,
}

// ReadOnly - If the operation is safe to probe.
func ReadOnly(operation string) bool {
	return readOnlyOps[operation]
}

type templates map[string]string

var iosTemplates = templates{
	OpShowVersion:    "show version",
	OpBackupConfig:   "show running-config",
	OpShowInterfaces: "show interfaces",
	OpShowInterface:  "show interfaces {interface}",
	OpShowCPU:        "show processes cpu | include CPU utilization",
	OpShowMemory:     "show memory statistics",
	OpShowUptime:     "show version | include uptime",
	OpDisablePaging:  "terminal length 0",
	OpEnable:         "enable",
	OpDisable:        "disable",
	OpConfigEnter:    "configure terminal",
	OpConfigExit:     "end",
	OpSaveConfig:     "write memory",
	OpBaseline:       "show clock",
}

func extend(base templates, overrides templates) templates {
	result := make(templates, len(base)+len(overrides))
	for k, v := range base {
		result[k] = v
	}
	// An empty override marks the operation unsupported for the type
	for k, v := range overrides {
		result[k] = v
	}
	return result
}

// Command templates by type. The generic row is the fallback for every type.
var commandTable = map[common.DeviceType]templates{
	common.DeviceTypeGeneric: {
		OpShowVersion:    "show version",
		OpBackupConfig:   "show running-config",
		OpShowInterfaces: "show interfaces",
		OpShowInterface:  "show interfaces {interface}",
		OpDisablePaging:  "terminal length 0",
		OpConfigEnter:    "configure terminal",
		OpConfigExit:     "end",
		OpBaseline:       "show version",
	},
	common.DeviceTypeCiscoIOS:   iosTemplates,
	common.DeviceTypeCiscoIOSXE: iosTemplates,
	common.DeviceTypeCiscoNXOS: extend(iosTemplates, templates{
		OpShowInterfaces: "show interface",
		OpShowInterface:  "show interface {interface}",
		OpShowCPU:        "show system resources",
		OpShowMemory:     "show system resources",
		OpShowUptime:     "show system uptime",
		OpEnable:         "",
		OpDisable:        "",
		OpSaveConfig:     "copy running-config startup-config",
	}),
	common.DeviceTypeAristaEOS: extend(iosTemplates, templates{
		OpShowCPU:    "show processes top once | include Cpu",
		OpShowMemory: "show version | include memory",
		OpShowUptime: "show uptime",
	}),
	common.DeviceTypeFSOS: iosTemplates,
	common.DeviceTypeTPLinkJetstream: extend(iosTemplates, templates{
		OpShowVersion:   "show system-info",
		OpShowCPU:       "show cpu-utilization",
		OpShowMemory:    "show memory-utilization",
		OpShowUptime:    "show system-info",
		OpConfigEnter:   "configure",
		OpSaveConfig:    "copy running-config startup-config",
		OpBaseline:      "show system-info",
		OpDisablePaging: "",
	}),
	common.DeviceTypeJuniperJunos: {
		OpShowVersion:    "show version",
		OpBackupConfig:   "show configuration | display set | no-more",
		OpShowInterfaces: "show interfaces extensive | no-more",
		OpShowInterface:  "show interfaces {interface} extensive | no-more",
		OpShowCPU:        "show chassis routing-engine | no-more",
		OpShowMemory:     "show chassis routing-engine | no-more",
		OpShowUptime:     "show system uptime | no-more",
		OpDisablePaging:  "set cli screen-length 0",
		OpConfigEnter:    "configure",
		OpConfigCommit:   "commit",
		OpConfigExit:     "exit configuration-mode",
		OpBaseline:       "show system uptime | no-more",
	},
	common.DeviceTypeVyOS: {
		OpShowVersion:    "show version",
		OpBackupConfig:   "show configuration commands",
		OpShowInterfaces: "show interfaces counters",
		OpShowInterface:  "show interfaces ethernet {interface}",
		OpShowCPU:        "show system cpu",
		OpShowMemory:     "show system memory",
		OpShowUptime:     "show system uptime",
		OpDisablePaging:  "set terminal length 0",
		OpConfigEnter:    "configure",
		OpConfigCommit:   "commit",
		OpConfigExit:     "exit",
		OpSaveConfig:     "save",
		OpBaseline:       "show version",
	},
	common.DeviceTypeHuaweiVRP: {
		OpShowVersion:    "display version",
		OpBackupConfig:   "display current-configuration",
		OpShowInterfaces: "display interface",
		OpShowInterface:  "display interface {interface}",
		OpShowCPU:        "display cpu-usage",
		OpShowMemory:     "display memory-usage",
		OpShowUptime:     "display version",
		OpDisablePaging:  "screen-length 0 temporary",
		OpConfigEnter:    "system-view",
		OpConfigExit:     "return",
		OpSaveConfig:     "save force",
		OpBaseline:       "display clock",
	},
	common.DeviceTypeLinux: {
		OpShowVersion:    "uname -a",
		OpBackupConfig:   "cat /etc/network/interfaces",
		OpShowInterfaces: "cat /proc/net/dev",
		OpShowCPU:        "top -bn1 | grep -i 'cpu(s)'",
		OpShowMemory:     "free -b",
		OpShowUptime:     "cat /proc/uptime",
		OpBaseline:       "uname -a",
	},
}

var (
	ciscoPrompt  = regexp.MustCompile(`[\w.\-@/:]+(\([\w.\-]+\))?[>#]\s*$`)
	junosPrompt  = regexp.MustCompile(`[\w.\-]+@[\w.\-]+[>#] ?$`)
	vyosPrompt   = regexp.MustCompile(`[\w.\-]+@[\w.\-]+:[^\s$#]*[$#] ?$`)
	huaweiPrompt = regexp.MustCompile(`[<\[][\w.\-/:~]+[>\]]\s*$`)
	linuxPrompt  = regexp.MustCompile(`[\w.\-@:~/\]\[]+ ?[$#]\s*$`)
)

var promptTable = map[common.DeviceType]*regexp.Regexp{
	common.DeviceTypeCiscoIOS:        ciscoPrompt,
	common.DeviceTypeCiscoIOSXE:      ciscoPrompt,
	common.DeviceTypeCiscoNXOS:       ciscoPrompt,
	common.DeviceTypeAristaEOS:       ciscoPrompt,
	common.DeviceTypeFSOS:            ciscoPrompt,
	common.DeviceTypeTPLinkJetstream: ciscoPrompt,
	common.DeviceTypeJuniperJunos:    junosPrompt,
	common.DeviceTypeVyOS:            vyosPrompt,
	common.DeviceTypeHuaweiVRP:       huaweiPrompt,
	common.DeviceTypeLinux:           linuxPrompt,
}

var escalationTable = map[common.DeviceType]*execution.Escalation{
	common.DeviceTypeCiscoIOS:        execution.EnableEscalation,
	common.DeviceTypeCiscoIOSXE:      execution.EnableEscalation,
	common.DeviceTypeAristaEOS:       execution.EnableEscalation,
	common.DeviceTypeFSOS:            execution.EnableEscalation,
	common.DeviceTypeTPLinkJetstream: execution.EnableEscalation,
}

var paramPattern = regexp.MustCompile(`\{(\w+)\}`)

// Registry - The capability lookup table keyed by device type and operation, with a generic
// fallback row. Also the execution dialect.
type Registry struct {
	commands    map[common.DeviceType]templates
	prompts     map[common.DeviceType]*regexp.Regexp
	escalations map[common.DeviceType]*execution.Escalation
}

// NewRegistry - Create a registry with the built-in tables.
func NewRegistry() *Registry {
	return &Registry{
		commands:    commandTable,
		prompts:     promptTable,
		escalations: escalationTable,
	}
}

// Prompt - Prompt pattern of a type.
func (registry *Registry) Prompt(deviceType common.DeviceType) *regexp.Regexp {
	if prompt, found := registry.prompts[deviceType]; found {
		return prompt
	}
	return execution.GenericPrompt
}

// Escalation - Escalation description of a type, nil if it has no privileged mode.
func (registry *Registry) Escalation(deviceType common.DeviceType) *execution.Escalation {
	return registry.escalations[deviceType]
}

// Template - The command template of an operation, from the type row or the generic row.
func (registry *Registry) Template(deviceType common.DeviceType, operation string) (string, bool) {
	if template, found := registry.commands[deviceType.OrGeneric()][operation]; found {
		return template, template != ""
	}
	template, found := registry.commands[common.DeviceTypeGeneric][operation]
	return template, found
}

// Vocabulary - All operation templates available to a type, generic fallbacks included.
func (registry *Registry) Vocabulary(deviceType common.DeviceType) map[string]string {
	vocabulary := make(map[string]string)
	for operation, template := range registry.commands[common.DeviceTypeGeneric] {
		vocabulary[operation] = template
	}
	for operation, template := range registry.commands[deviceType.OrGeneric()] {
		if template == "" {
			delete(vocabulary, operation)
			continue
		}
		vocabulary[operation] = template
	}
	return vocabulary
}

// Operations - Sorted operation names known for a type.
func (registry *Registry) Operations(deviceType common.DeviceType) []string {
	vocabulary := registry.Vocabulary(deviceType)
	operations := make([]string, 0, len(vocabulary))
	for operation := range vocabulary {
		operations = append(operations, operation)
	}
	sort.Strings(operations)
	return operations
}

// Supports - If the type has a command for the operation.
func (registry *Registry) Supports(deviceType common.DeviceType, operation string) bool {
	_, found := registry.Template(deviceType, operation)
	return found
}

// ResolveCommand - The literal command of an operation for a profile, with {param} placeholders
// substituted. The profile's own vocabulary is preferred over the table. A nil profile resolves
// against the generic row.
func (registry *Registry) ResolveCommand(profile *common.DeviceProfile, operation string, params map[string]string) (string, error) {
	deviceType := common.DeviceTypeGeneric
	deviceID := ""
	var template string
	found := false
	if profile != nil {
		deviceType = profile.Type.OrGeneric()
		deviceID = profile.Device
		template, found = profile.Commands[operation]
		if found && template == "" {
			return "", common.Errorf(common.ErrUnsupportedOperation, deviceID, "resolve command", "%v is not supported by %v", operation, deviceType)
		}
	}
	if !found {
		template, found = registry.Template(deviceType, operation)
	}
	if !found {
		return "", common.Errorf(common.ErrUnsupportedOperation, deviceID, "resolve command", "no %v mapping for %v", operation, deviceType)
	}

	var missing []string
	command := paramPattern.ReplaceAllStringFunc(template, func(placeholder string) string {
		name := placeholder[1 : len(placeholder)-1]
		value, found := params[name]
		if !found || value == "" {
			missing = append(missing, name)
			return placeholder
		}
		return value
	})
	if len(missing) > 0 {
		return "", common.Errorf(common.ErrCommandValidation, deviceID, "resolve command", "%v: missing parameters: %v", operation, strings.Join(missing, ", "))
	}
	if strings.ContainsAny(command, "\r\n") {
		return "", common.Errorf(common.ErrCommandValidation, deviceID, "resolve command", "%v: parameter contains line break", operation)
	}
	return command, nil
}
