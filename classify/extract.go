package classify

import (
	"regexp"
	"strings"

	"dev.hon.one/niobium/common"
)

// Identity - Fields extracted from identification output. Missing fields are empty.
type Identity struct {
	Hostname string
	Model    string
	Version  string
}

type extractor struct {
	hostname []*regexp.Regexp
	model    []*regexp.Regexp
	version  []*regexp.Regexp
}

func patterns(sources ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(sources))
	for i, source := range sources {
		compiled[i] = regexp.MustCompile(source)
	}
	return compiled
}

var ciscoExtractor = extractor{
	hostname: patterns(`(?m)^(\S+) uptime is`),
	model:    patterns(`(?m)^Model [Nn]umber\s*:\s*(\S+)`, `(?mi)^cisco (\S+) \(.*\) processor`),
	version:  patterns(`Version ([^\s,]+)`),
}

var extractors = map[common.DeviceType]extractor{
	common.DeviceTypeCiscoIOS:   ciscoExtractor,
	common.DeviceTypeCiscoIOSXE: ciscoExtractor,
	common.DeviceTypeFSOS:       ciscoExtractor,
	common.DeviceTypeCiscoNXOS: {
		hostname: patterns(`(?m)^\s*Device name:\s*(\S+)`),
		model:    patterns(`(?m)^\s*cisco (Nexus\s?\S+)`),
		version:  patterns(`(?m)^\s*NXOS: version (\S+)`, `(?m)^\s*system:\s+version (\S+)`),
	},
	common.DeviceTypeAristaEOS: {
		model:   patterns(`(?m)^Arista (\S+)`),
		version: patterns(`(?m)^Software image version:\s*(\S+)`),
	},
	common.DeviceTypeJuniperJunos: {
		hostname: patterns(`(?m)^Hostname: (\S+)`),
		model:    patterns(`Model: ([^ \n]+)`),
		version:  patterns(`Junos: ([^ \n]+)`, `JUNOS Software Release \[([^\]]+)\]`),
	},
	common.DeviceTypeVyOS: {
		model:   patterns(`(?m)^Hardware model: +([^ ]|[^ ].*[^ ]+) *$`),
		version: patterns(`(?m)^Version: +([^ ]|[^ ].*[^ ]+) *$`),
	},
	common.DeviceTypeHuaweiVRP: {
		model:   patterns(`(?m)^HUAWEI (\S+) .*uptime is`, `(?m)^Quidway (\S+)`),
		version: patterns(`VRP \(R\) software, Version ([^\s,]+)`),
	},
	common.DeviceTypeTPLinkJetstream: {
		hostname: patterns(`(?m)^\s*System Name\s*-\s*(\S+)`),
		model:    patterns(`(?m)^\s*Hardware Version\s*-\s*(.+?)\s*$`),
		version:  patterns(`(?m)^\s*Software Version\s*-\s*(.+?)\s*$`),
	},
	common.DeviceTypeLinux: {
		hostname: patterns(`(?m)^Linux (\S+)`),
		version:  patterns(`(?m)^Linux \S+ (\S+)`),
		model:    patterns(`(\bx86_64|\baarch64|\barmv7l)`),
	},
}

// Prompt forms: "host>", "host(config)#", "user@host>", "<host>", "[host]", "user@host:~$"
var promptHostnamePattern = regexp.MustCompile(`^[<\[]?(?:[\w.\-]+@)?([\w.\-/]+?)(?:\([^)]*\))?(?::[^\s]*)?[>#$%\]]\s*$`)

// Extract - Pull hostname, model and version from identification output of a type.
// The hostname falls back to the prompt.
func Extract(deviceType common.DeviceType, output string, prompt string) Identity {
	identity := Identity{}
	if ext, found := extractors[deviceType]; found {
		identity.Hostname = firstSubmatch(ext.hostname, output)
		identity.Model = firstSubmatch(ext.model, output)
		identity.Version = firstSubmatch(ext.version, output)
	}
	if identity.Hostname == "" {
		identity.Hostname = HostnameFromPrompt(prompt)
	}
	return identity
}

// HostnameFromPrompt - The host part of a prompt line, or empty.
func HostnameFromPrompt(prompt string) string {
	match := promptHostnamePattern.FindStringSubmatch(strings.TrimSpace(prompt))
	if match == nil {
		return ""
	}
	return match[1]
}

func firstSubmatch(candidates []*regexp.Regexp, output string) string {
	for _, pattern := range candidates {
		if match := pattern.FindStringSubmatch(output); match != nil && len(match) > 1 {
			return strings.TrimSpace(match[1])
		}
	}
	return ""
}
