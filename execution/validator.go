package execution

import (
	"fmt"
	"regexp"
	"strings"

	"dev.hon.one/niobium/common"
)

// DefaultDenyPatterns - Destructive commands that are never sent.
var DefaultDenyPatterns = []string{
	`(?i)^\s*write\s+erase\b`,
	`(?i)^\s*erase\s+(startup-config|nvram:?|flash:?|/all\b)`,
	`(?i)^\s*format\b`,
	`(?i)^\s*reload\b`,
	`(?i)\bzeroize\b`,
	`(?i)\bfactory[-_ ]?(reset|default)\b`,
	`(?i)^\s*reset\s+saved-configuration\b`,
	`(?i)^\s*delete\s+/force\b`,
	`(?i)\brm\s+-[a-z]*r[a-z]*f?[a-z]*\s+/(\s|\*|$)`,
}

// Validator - Checks commands against deny patterns before they reach the wire.
type Validator struct {
	patterns []*regexp.Regexp
}

// NewValidator - Create a validator with the default deny patterns plus extra ones.
func NewValidator(extraPatterns []string) (*Validator, error) {
	validator := &Validator{}
	for _, source := range append(append([]string(nil), DefaultDenyPatterns...), extraPatterns...) {
		pattern, err := regexp.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", source, err)
		}
		validator.patterns = append(validator.patterns, pattern)
	}
	return validator, nil
}

// Validate - Fail with a command validation error if the command is empty, spans
// multiple lines or matches a deny pattern.
func (validator *Validator) Validate(deviceID string, command string) error {
	if strings.ContainsAny(command, "\r\n") {
		return common.Errorf(common.ErrCommandValidation, deviceID, "validate", "multi-line command not allowed")
	}
	if strings.TrimSpace(command) == "" {
		return common.Errorf(common.ErrCommandValidation, deviceID, "validate", "empty command")
	}
	if pattern := validator.Match(command); pattern != "" {
		return common.Errorf(common.ErrCommandValidation, deviceID, "validate", "command %q blocked by deny pattern %v", command, pattern)
	}
	return nil
}

// Match - The first deny pattern matching the command, or empty.
func (validator *Validator) Match(command string) string {
	for _, pattern := range validator.patterns {
		if pattern.MatchString(command) {
			return pattern.String()
		}
	}
	return ""
}
