package monitoring

import (
	"regexp"
	"strconv"
	"strings"

	"dev.hon.one/niobium/common"
)

// Metric names.
const (
	MetricInterfaceInBytes    = "interface_in_bytes"
	MetricInterfaceOutBytes   = "interface_out_bytes"
	MetricInterfaceInErrors   = "interface_in_errors"
	MetricInterfaceOutErrors  = "interface_out_errors"
	MetricInterfaceOperStatus = "interface_oper_status" // Categorical: up, down or admin-down
	MetricCPUPercent          = "cpu_percent"
	MetricMemoryPercent       = "memory_percent"
	MetricUptimeSeconds       = "uptime_seconds"
)

// Oper status values.
const (
	StatusUp        = "up"
	StatusDown      = "down"
	StatusAdminDown = "admin-down"
)

// Interface - Counters parsed for one interface. Counters holds only the fields that were present.
type Interface struct {
	Name     string
	Status   string
	Counters map[string]float64
}

// Cisco-like "show interfaces", including NX-OS and Arista wording
var ciscoInterfaceHeaderRegex = regexp.MustCompile(`^(\S+) is (administratively down|up|down)\b`)
var ciscoInputBytesRegex = regexp.MustCompile(`(\d+) packets input, (\d+) bytes|(\d+) input packets\s+(\d+) bytes`)
var ciscoOutputBytesRegex = regexp.MustCompile(`(\d+) packets output, (\d+) bytes|(\d+) output packets\s+(\d+) bytes`)
var ciscoInputErrorsRegex = regexp.MustCompile(`(\d+) input errors?\b`)
var ciscoOutputErrorsRegex = regexp.MustCompile(`(\d+) output errors?\b`)

// Junos "show interfaces extensive"
var junosInterfaceHeaderRegex = regexp.MustCompile(`^Physical interface: ([^ ,]+), (Enabled|Administratively down), Physical link is (Up|Down)`)
var junosInputBytesRegex = regexp.MustCompile(`^ *Input +bytes *: *(\d+)`)
var junosOutputBytesRegex = regexp.MustCompile(`^ *Output +bytes *: *(\d+)`)
var junosInputErrorsBeginRegex = regexp.MustCompile(`^ *Input errors:`)
var junosOutputErrorsBeginRegex = regexp.MustCompile(`^ *Output errors:`)
var junosErrorsRegex = regexp.MustCompile(`\bErrors: (\d+)`)

// Huawei "display interface"
var huaweiInterfaceHeaderRegex = regexp.MustCompile(`^(\S+) current state : (UP|DOWN|Administratively DOWN)`)
var huaweiInputRegex = regexp.MustCompile(`^ *Input: *\d+ packets, *(\d+) bytes`)
var huaweiOutputRegex = regexp.MustCompile(`^ *Output: *\d+ packets, *(\d+) bytes`)
var huaweiInputErrorsRegex = regexp.MustCompile(`^ *Input error: *(\d+)`)
var huaweiOutputErrorsRegex = regexp.MustCompile(`^ *Output error: *(\d+)`)

// Linux /proc/net/dev
var procNetDevRegex = regexp.MustCompile(`^ *([^ :]+): *(.*)$`)

// Aligned tables with a header row, columns separated by two or more spaces
var tableColumnSplitRegex = regexp.MustCompile(`\s{2,}`)

// ParseInterfaces - Interfaces in "show interfaces"-style output of a device type.
func ParseInterfaces(deviceType common.DeviceType, output string) []Interface {
	lines := strings.Split(output, "\n")
	switch deviceType {
	case common.DeviceTypeJuniperJunos:
		return parseJunosInterfaces(lines)
	case common.DeviceTypeHuaweiVRP:
		return parseHuaweiInterfaces(lines)
	case common.DeviceTypeVyOS:
		return parseCounterTable(lines)
	case common.DeviceTypeLinux:
		return parseProcNetDev(lines)
	default:
		return parseCiscoInterfaces(lines)
	}
}

func parseCiscoInterfaces(lines []string) []Interface {
	var interfaces []Interface
	var current *Interface
	for _, line := range lines {
		if result := ciscoInterfaceHeaderRegex.FindStringSubmatch(line); result != nil {
			status := StatusDown
			switch result[2] {
			case "up":
				status = StatusUp
			case "administratively down":
				status = StatusAdminDown
			}
			interfaces = append(interfaces, Interface{Name: result[1], Status: status, Counters: make(map[string]float64)})
			current = &interfaces[len(interfaces)-1]
			continue
		}
		if current == nil {
			continue
		}
		if result := ciscoInputBytesRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceInBytes, firstNonEmpty(result[2], result[4]))
		}
		if result := ciscoOutputBytesRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceOutBytes, firstNonEmpty(result[2], result[4]))
		}
		if result := ciscoInputErrorsRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceInErrors, result[1])
		}
		if result := ciscoOutputErrorsRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceOutErrors, result[1])
		}
	}
	return interfaces
}

func parseJunosInterfaces(lines []string) []Interface {
	var interfaces []Interface
	var current *Interface
	errorsMetric := ""
	for _, line := range lines {
		if result := junosInterfaceHeaderRegex.FindStringSubmatch(line); result != nil {
			status := StatusDown
			if result[2] == "Administratively down" {
				status = StatusAdminDown
			} else if result[3] == "Up" {
				status = StatusUp
			}
			interfaces = append(interfaces, Interface{Name: result[1], Status: status, Counters: make(map[string]float64)})
			current = &interfaces[len(interfaces)-1]
			errorsMetric = ""
			continue
		}
		if current == nil {
			continue
		}
		switch {
		case junosInputErrorsBeginRegex.MatchString(line):
			errorsMetric = MetricInterfaceInErrors
			continue
		case junosOutputErrorsBeginRegex.MatchString(line):
			errorsMetric = MetricInterfaceOutErrors
			continue
		}
		if errorsMetric != "" {
			if result := junosErrorsRegex.FindStringSubmatch(line); result != nil {
				setCounter(current, errorsMetric, result[1])
				errorsMetric = ""
			}
			continue
		}
		// Logical interface sections repeat the byte counters, keep the physical ones
		if result := junosInputBytesRegex.FindStringSubmatch(line); result != nil {
			if _, set := current.Counters[MetricInterfaceInBytes]; !set {
				setCounter(current, MetricInterfaceInBytes, result[1])
			}
		}
		if result := junosOutputBytesRegex.FindStringSubmatch(line); result != nil {
			if _, set := current.Counters[MetricInterfaceOutBytes]; !set {
				setCounter(current, MetricInterfaceOutBytes, result[1])
			}
		}
	}
	return interfaces
}

func parseHuaweiInterfaces(lines []string) []Interface {
	var interfaces []Interface
	var current *Interface
	for _, line := range lines {
		if result := huaweiInterfaceHeaderRegex.FindStringSubmatch(line); result != nil {
			status := StatusDown
			switch result[2] {
			case "UP":
				status = StatusUp
			case "Administratively DOWN":
				status = StatusAdminDown
			}
			interfaces = append(interfaces, Interface{Name: result[1], Status: status, Counters: make(map[string]float64)})
			current = &interfaces[len(interfaces)-1]
			continue
		}
		if current == nil {
			continue
		}
		if result := huaweiInputRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceInBytes, result[1])
		}
		if result := huaweiOutputRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceOutBytes, result[1])
		}
		if result := huaweiInputErrorsRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceInErrors, result[1])
		}
		if result := huaweiOutputErrorsRegex.FindStringSubmatch(line); result != nil {
			setCounter(current, MetricInterfaceOutErrors, result[1])
		}
	}
	return interfaces
}

// Columns of /proc/net/dev after the interface name
const (
	procNetDevRxBytes  = 0
	procNetDevRxErrors = 2
	procNetDevTxBytes  = 8
	procNetDevTxErrors = 10
)

func parseProcNetDev(lines []string) []Interface {
	var interfaces []Interface
	for _, line := range lines {
		result := procNetDevRegex.FindStringSubmatch(line)
		if result == nil {
			continue
		}
		fields := strings.Fields(result[2])
		if len(fields) <= procNetDevTxErrors {
			continue
		}
		current := Interface{Name: result[1], Counters: make(map[string]float64)}
		setCounter(&current, MetricInterfaceInBytes, fields[procNetDevRxBytes])
		setCounter(&current, MetricInterfaceInErrors, fields[procNetDevRxErrors])
		setCounter(&current, MetricInterfaceOutBytes, fields[procNetDevTxBytes])
		setCounter(&current, MetricInterfaceOutErrors, fields[procNetDevTxErrors])
		if len(current.Counters) > 0 {
			interfaces = append(interfaces, current)
		}
	}
	return interfaces
}

var counterTableColumns = map[string]string{
	"rx bytes":  MetricInterfaceInBytes,
	"tx bytes":  MetricInterfaceOutBytes,
	"rx errors": MetricInterfaceInErrors,
	"tx errors": MetricInterfaceOutErrors,
}

// Header-driven, for "show interfaces counters" tables
func parseCounterTable(lines []string) []Interface {
	var interfaces []Interface
	var columns []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		cells := tableColumnSplitRegex.Split(line, -1)
		if columns == nil {
			if strings.EqualFold(cells[0], "interface") {
				columns = make([]string, len(cells))
				for i, cell := range cells {
					columns[i] = strings.ToLower(cell)
				}
			}
			continue
		}
		if len(cells) != len(columns) {
			continue
		}
		current := Interface{Name: cells[0], Counters: make(map[string]float64)}
		for i, column := range columns {
			if metric, found := counterTableColumns[column]; found {
				setCounter(&current, metric, cells[i])
			}
		}
		interfaces = append(interfaces, current)
	}
	return interfaces
}

// Unparseable values are left out
func setCounter(iface *Interface, metric string, raw string) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return
	}
	iface.Counters[metric] = value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
