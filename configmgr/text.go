package configmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Lines added by the device around or inside the configuration that change between reads.
var volatileLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^Building configuration\.\.\.$`),
	regexp.MustCompile(`^Current configuration ?: ?\d+ bytes$`),
	regexp.MustCompile(`^! (Last configuration change|NVRAM config last updated) at`),
	regexp.MustCompile(`^!Time:`),
	regexp.MustCompile(`^!Command: show running-config`),
	regexp.MustCompile(`^## Last (commit|changed):`),
}

// CleanConfig - Strip device banners and volatile lines from backup output.
func CleanConfig(output string) string {
	var kept []string
	for _, line := range strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if volatile(line) {
			continue
		}
		if len(kept) == 0 && line == "" {
			continue
		}
		kept = append(kept, line)
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n")
}

func volatile(line string) bool {
	for _, pattern := range volatileLinePatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}

// Notation lines. Devices print them but do not keep them as configuration.
func notation(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch trimmed {
	case "", "end", "return":
		return true
	}
	return strings.HasPrefix(trimmed, "!") || strings.HasPrefix(trimmed, "#")
}

// ConfigLines - The lines of a configuration that are sent to the device in config mode.
func ConfigLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if notation(line) || volatile(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Checksum - Hex SHA-256 of the configuration lines, ignoring notation and volatile lines.
func Checksum(text string) string {
	sum := sha256.Sum256([]byte(strings.Join(ConfigLines(text), "\n")))
	return hex.EncodeToString(sum[:])
}
