package monitoring

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/util"
)

// Operator - Threshold comparison.
type Operator string

// Operators.
const (
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
	OperatorEqual          Operator = "=="
	OperatorNotEqual       Operator = "!="
)

// Rule - Alert when a metric breaches a threshold for a number of consecutive samples.
//
// Categorical metrics are compared with Text instead of Threshold, using == or !=.
type Rule struct {
	Name      string          `yaml:"name" json:"name"`
	Metric    string          `yaml:"metric" json:"metric"`
	Operator  Operator        `yaml:"operator" json:"operator"`
	Threshold float64         `yaml:"threshold" json:"threshold"`
	Text      string          `yaml:"text" json:"text,omitempty"`
	Severity  common.Severity `yaml:"severity" json:"severity"`
	// Consecutive breaching samples before the alert activates, at least 1.
	Consecutive int `yaml:"consecutive" json:"consecutive"`
	// Minimum time between notifications of an active alert. Zero notifies only on activation.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// Samples must carry all of these labels.
	Labels map[string]string `yaml:"labels" json:"labels,omitempty"`
	// Devices restricts the rule to device names, empty means all.
	Devices []string `yaml:"devices" json:"devices,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Validate - Check and apply defaults.
func (rule *Rule) Validate() error {
	if rule.Name == "" {
		return fmt.Errorf("rule without name")
	}
	if rule.Metric == "" {
		return fmt.Errorf("rule %v: no metric", rule.Name)
	}
	switch rule.Operator {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual:
		if rule.Text != "" {
			return fmt.Errorf("rule %v: text can only be compared with == or !=", rule.Name)
		}
	case OperatorEqual, OperatorNotEqual:
	default:
		return fmt.Errorf("rule %v: unknown operator %q", rule.Name, rule.Operator)
	}
	if rule.Consecutive <= 0 {
		rule.Consecutive = 1
	}
	if rule.Cooldown < 0 {
		return fmt.Errorf("rule %v: negative cooldown", rule.Name)
	}
	switch rule.Severity {
	case "":
		rule.Severity = common.SeverityWarning
	case common.SeverityInfo, common.SeverityWarning, common.SeverityCritical:
	default:
		return fmt.Errorf("rule %v: unknown severity %q", rule.Name, rule.Severity)
	}
	return nil
}

// Applies - If the rule evaluates the sample.
func (rule *Rule) Applies(sample common.MetricSample) bool {
	if sample.Name != rule.Metric || sample.Categorical() != (rule.Text != "") {
		return false
	}
	for key, value := range rule.Labels {
		if sample.Labels[key] != value {
			return false
		}
	}
	if len(rule.Devices) == 0 {
		return true
	}
	for _, device := range rule.Devices {
		if device == sample.Device {
			return true
		}
	}
	return false
}

// Breached - If the sample is out of bounds.
func (rule *Rule) Breached(sample common.MetricSample) bool {
	if rule.Text != "" {
		if rule.Operator == OperatorEqual {
			return sample.Text == rule.Text
		}
		return sample.Text != rule.Text
	}
	value := sample.Value
	switch rule.Operator {
	case OperatorGreater:
		return value > rule.Threshold
	case OperatorGreaterOrEqual:
		return value >= rule.Threshold
	case OperatorLess:
		return value < rule.Threshold
	case OperatorLessOrEqual:
		return value <= rule.Threshold
	case OperatorEqual:
		return value == rule.Threshold
	case OperatorNotEqual:
		return value != rule.Threshold
	}
	return false
}

// ParseRules - Parse and validate a YAML rule document with a top-level "rules" list.
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return validateRules(file.Rules)
}

// LoadRules - Load and validate a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	var file ruleFile
	if err := util.ParseYAMLFile(&file, path); err != nil {
		return nil, err
	}
	rules, err := validateRules(file.Rules)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return rules, nil
}

func validateRules(rules []Rule) ([]Rule, error) {
	names := make(map[string]bool, len(rules))
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
		if names[rules[i].Name] {
			return nil, fmt.Errorf("duplicate rule name %v", rules[i].Name)
		}
		names[rules[i].Name] = true
	}
	return rules, nil
}
