package configmgr

import (
	"fmt"
	"strings"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/execution"
)

// ValidationResult - Outcome of a syntax check. Warnings do not make a configuration invalid.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (result *ValidationResult) errorf(format string, args ...interface{}) {
	result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
}

func (result *ValidationResult) warnf(format string, args ...interface{}) {
	result.Warnings = append(result.Warnings, fmt.Sprintf(format, args...))
}

var iosKeywords = keywordSet(
	"aaa", "access-list", "alias", "archive", "authentication", "banner", "boot", "bridge",
	"call-home", "cdp", "class-map", "clock", "control-plane", "copp", "crypto", "daemon",
	"default", "dhcp", "diagnostic", "dot1x", "enable", "errdisable", "event", "exit",
	"feature", "file", "hardware", "hostname", "interface", "ip", "ipv6", "key", "license",
	"line", "lldp", "logging", "mac", "management", "memory", "mls", "monitor", "no", "ntp",
	"object-group", "platform", "policy-map", "port-channel", "power", "privilege", "qos",
	"radius", "radius-server", "redundancy", "route-map", "router", "scheduler", "service",
	"sflow", "snmp-server", "spanning-tree", "srr-queue", "system", "tacacs", "tacacs-server",
	"track", "transceiver", "user", "username", "version", "vlan", "vrf", "vtp", "wrr-queue",
)

var huaweiKeywords = keywordSet(
	"aaa", "acl", "clock", "dhcp", "dns", "header", "info-center", "interface", "ip", "ipv6",
	"lldp", "ntp-service", "ospf", "port-group", "return", "rsa", "snmp-agent", "ssh",
	"stelnet", "stp", "sysname", "undo", "user-interface", "vlan", "vrrp",
)

var setStyleVerbs = keywordSet("set", "delete", "deactivate", "activate", "edit", "top", "comment")

func keywordSet(keywords ...string) map[string]bool {
	set := make(map[string]bool, len(keywords))
	for _, keyword := range keywords {
		set[keyword] = true
	}
	return set
}

// ValidateSyntax - Structural checks of a configuration for a device type, plus the deny list.
// A nil validator uses the default deny list.
func ValidateSyntax(text string, deviceType common.DeviceType, validator *execution.Validator) ValidationResult {
	result := ValidationResult{}
	if validator == nil {
		validator, _ = execution.NewValidator(nil)
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(ConfigLines(text)) == 0 {
		result.errorf("configuration is empty")
		return result
	}
	denied := make(map[int]bool)
	for i, line := range lines {
		if pattern := validator.Match(strings.TrimSpace(line)); pattern != "" {
			result.errorf("line %d: command blocked by deny pattern %q", i+1, pattern)
			denied[i] = true
		}
	}

	switch deviceType.OrGeneric() {
	case common.DeviceTypeJuniperJunos:
		if setStyle(lines) {
			checkSetStyle(&result, lines)
		} else {
			checkBraces(&result, lines)
		}
	case common.DeviceTypeVyOS:
		checkSetStyle(&result, lines)
	case common.DeviceTypeHuaweiVRP:
		checkBlocks(&result, lines, huaweiKeywords, denied)
	case common.DeviceTypeLinux:
		// Shell configuration has no structure to check
	default:
		checkBlocks(&result, lines, iosKeywords, denied)
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func setStyle(lines []string) bool {
	for _, line := range lines {
		if fields := strings.Fields(line); len(fields) > 0 && (fields[0] == "set" || fields[0] == "delete") {
			return true
		}
	}
	return false
}

func checkSetStyle(result *ValidationResult, lines []string) {
	for i, line := range lines {
		if notation(line) {
			continue
		}
		fields := strings.Fields(line)
		if !setStyleVerbs[fields[0]] {
			result.errorf("line %d: expected set or delete statement, got %q", i+1, fields[0])
			continue
		}
		if (fields[0] == "set" || fields[0] == "delete") && len(fields) < 2 {
			result.errorf("line %d: %v without a path", i+1, fields[0])
		}
	}
}

func checkBraces(result *ValidationResult, lines []string) {
	depth := 0
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		for _, char := range stripQuoted(line) {
			switch char {
			case '{':
				depth++
			case '}':
				depth--
				if depth < 0 {
					result.errorf("line %d: unexpected closing brace", i+1)
					depth = 0
				}
			}
		}
	}
	if depth > 0 {
		result.errorf("%d unclosed brace(s)", depth)
	}
}

func stripQuoted(line string) string {
	var b strings.Builder
	quoted := false
	for _, char := range line {
		if char == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			b.WriteRune(char)
		}
	}
	return b.String()
}

// Indentation marks block members. Banner bodies between delimiters are skipped.
// Denied lines already carry an error and get no keyword warning.
func checkBlocks(result *ValidationResult, lines []string, keywords map[string]bool, denied map[int]bool) {
	inBlock := false
	bannerDelimiter := ""
	bannerLine := 0
	for i, line := range lines {
		if bannerDelimiter != "" {
			if strings.Contains(line, bannerDelimiter) {
				bannerDelimiter = ""
			}
			continue
		}
		if notation(line) {
			// "!" and "#" close the current block
			inBlock = false
			continue
		}
		indented := line[0] == ' ' || line[0] == '\t'
		if indented {
			if !inBlock {
				result.errorf("line %d: indented statement outside a block", i+1)
			}
			continue
		}
		fields := strings.Fields(line)
		keyword := fields[0]
		if !keywords[keyword] && !denied[i] {
			result.warnf("line %d: unknown top-level keyword %q", i+1, keyword)
		}
		inBlock = true
		if keyword == "banner" && len(fields) >= 3 {
			delimiter := bannerDelim(fields[2])
			// Single-line banners close on the same line
			rest := strings.SplitN(line, fields[2], 2)[1]
			if !strings.Contains(rest, delimiter) {
				bannerDelimiter = delimiter
				bannerLine = i + 1
			}
		}
	}
	if bannerDelimiter != "" {
		result.errorf("line %d: banner not terminated by %q", bannerLine, bannerDelimiter)
	}
}

func bannerDelim(token string) string {
	if strings.HasPrefix(token, "^C") {
		return "^C"
	}
	return token[:1]
}
