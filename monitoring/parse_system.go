package monitoring

import (
	"regexp"
	"strconv"
	"strings"

	"dev.hon.one/niobium/common"
)

// CPU
var ciscoCPURegex = regexp.MustCompile(`CPU utilization for five seconds: *(\d+)%(?:/\d+%)?; one minute: *(\d+)%`)
var nxosCPURegex = regexp.MustCompile(`CPU states *: *[\d.]+% user, *[\d.]+% kernel, *([\d.]+)% idle`)
var topCPURegex = regexp.MustCompile(`(?i)cpu\(s\): .*?([\d.]+)[ %]*id\b`)
var junosCPUIdleRegex = regexp.MustCompile(`(?m)^ *Idle +(\d+) percent`)
var huaweiCPURegex = regexp.MustCompile(`CPU [Uu]sage *: *(\d+(?:\.\d+)?)%`)
var tplinkCPURegex = regexp.MustCompile(`(?m)^ *\d+ +(\d+)% +(\d+)% +(\d+)%`)

// Memory
var ciscoMemoryRegex = regexp.MustCompile(`(?m)^Processor +\S+ +(\d+) +(\d+) +\d+`)
var nxosMemoryRegex = regexp.MustCompile(`Memory usage: *(\d+)K total, *(\d+)K used`)
var junosMemoryRegex = regexp.MustCompile(`(?m)^ *Memory utilization +(\d+) percent`)
var huaweiMemoryRegex = regexp.MustCompile(`Memory Using Percentage(?: Is)? *: *(\d+(?:\.\d+)?)%`)
var tplinkMemoryRegex = regexp.MustCompile(`(?m)^ *\d+ +(\d+)%`)
var aristaMemoryTotalRegex = regexp.MustCompile(`Total memory: *(\d+) kB`)
var aristaMemoryFreeRegex = regexp.MustCompile(`Free memory: *(\d+) kB`)
var linuxMemoryRegex = regexp.MustCompile(`(?m)^Mem: +(\d+) +(\d+)`)
var totalUsedTotalRegex = regexp.MustCompile(`(?mi)^ *Total: *(\d+)`)
var totalUsedUsedRegex = regexp.MustCompile(`(?mi)^ *Used: *(\d+)`)

// Uptime
var uptimeIsRegex = regexp.MustCompile(`uptime is ([^\n]+)`)
var systemUptimeRegex = regexp.MustCompile(`System uptime: *([^\n]+)`)
var junosBootedRegex = regexp.MustCompile(`System booted: [^(\n]*\((?:(\d+)w)?(?:(\d+)d)? *(?:(\d+):(\d+)(?::(\d+))?)? ago\)`)
var unixUptimeRegex = regexp.MustCompile(`\bup +(?:(\d+) days?, *)?(?:(\d+):(\d+)|(\d+) min)`)
var procUptimeRegex = regexp.MustCompile(`^ *(\d+(?:\.\d+)?) +\d+(?:\.\d+)?`)
var tplinkRunningTimeRegex = regexp.MustCompile(`Running Time *- *([^\n]+)`)
var durationPartRegex = regexp.MustCompile(`(\d+) *(years?|weeks?|days?|hours?|hrs?|minutes?|mins?|seconds?|secs?)\b`)

var durationUnits = map[string]float64{
	"year":   365 * 24 * 3600,
	"week":   7 * 24 * 3600,
	"day":    24 * 3600,
	"hour":   3600,
	"hr":     3600,
	"minute": 60,
	"min":    60,
	"second": 1,
	"sec":    1,
}

// ParseCPU - CPU utilization in percent.
func ParseCPU(deviceType common.DeviceType, output string) (float64, bool) {
	switch deviceType {
	case common.DeviceTypeCiscoNXOS:
		if idle, ok := submatchFloat(nxosCPURegex, output, 1); ok {
			return 100 - idle, true
		}
	case common.DeviceTypeJuniperJunos:
		if idle, ok := submatchFloat(junosCPUIdleRegex, output, 1); ok {
			return 100 - idle, true
		}
	case common.DeviceTypeHuaweiVRP:
		return submatchFloat(huaweiCPURegex, output, 1)
	case common.DeviceTypeTPLinkJetstream:
		// Columns are 5 seconds, 1 minute, 5 minutes
		return submatchFloat(tplinkCPURegex, output, 2)
	case common.DeviceTypeAristaEOS, common.DeviceTypeLinux, common.DeviceTypeVyOS:
		if idle, ok := submatchFloat(topCPURegex, output, 1); ok {
			return 100 - idle, true
		}
	default:
		return submatchFloat(ciscoCPURegex, output, 2)
	}
	return 0, false
}

// ParseMemory - Memory utilization in percent.
func ParseMemory(deviceType common.DeviceType, output string) (float64, bool) {
	switch deviceType {
	case common.DeviceTypeCiscoNXOS:
		return usedPercent(nxosMemoryRegex, 1, 2, output)
	case common.DeviceTypeJuniperJunos:
		return submatchFloat(junosMemoryRegex, output, 1)
	case common.DeviceTypeHuaweiVRP:
		return submatchFloat(huaweiMemoryRegex, output, 1)
	case common.DeviceTypeTPLinkJetstream:
		return submatchFloat(tplinkMemoryRegex, output, 1)
	case common.DeviceTypeAristaEOS:
		total, okTotal := submatchFloat(aristaMemoryTotalRegex, output, 1)
		free, okFree := submatchFloat(aristaMemoryFreeRegex, output, 1)
		if okTotal && okFree && total > 0 {
			return (total - free) / total * 100, true
		}
	case common.DeviceTypeLinux:
		return usedPercent(linuxMemoryRegex, 1, 2, output)
	case common.DeviceTypeVyOS:
		total, okTotal := submatchFloat(totalUsedTotalRegex, output, 1)
		used, okUsed := submatchFloat(totalUsedUsedRegex, output, 1)
		if okTotal && okUsed && total > 0 {
			return used / total * 100, true
		}
	default:
		return usedPercent(ciscoMemoryRegex, 1, 2, output)
	}
	return 0, false
}

// ParseUptime - Uptime in seconds.
func ParseUptime(deviceType common.DeviceType, output string) (float64, bool) {
	switch deviceType {
	case common.DeviceTypeJuniperJunos:
		result := junosBootedRegex.FindStringSubmatch(output)
		if result == nil {
			return 0, false
		}
		seconds := 0.0
		for i, unit := range []float64{7 * 24 * 3600, 24 * 3600, 3600, 60, 1} {
			if value, err := strconv.ParseFloat(result[i+1], 64); err == nil {
				seconds += value * unit
			}
		}
		return seconds, true
	case common.DeviceTypeLinux:
		if seconds, ok := submatchFloat(procUptimeRegex, output, 1); ok {
			return seconds, true
		}
		return parseUnixUptime(output)
	case common.DeviceTypeAristaEOS, common.DeviceTypeVyOS:
		return parseUnixUptime(output)
	case common.DeviceTypeTPLinkJetstream:
		if result := tplinkRunningTimeRegex.FindStringSubmatch(output); result != nil {
			return parseWordDuration(result[1])
		}
	default:
		for _, pattern := range []*regexp.Regexp{uptimeIsRegex, systemUptimeRegex} {
			if result := pattern.FindStringSubmatch(output); result != nil {
				return parseWordDuration(result[1])
			}
		}
	}
	return 0, false
}

// "1 week, 2 days, 3 hours, 4 minutes"
func parseWordDuration(text string) (float64, bool) {
	results := durationPartRegex.FindAllStringSubmatch(text, -1)
	if results == nil {
		return 0, false
	}
	seconds := 0.0
	for _, result := range results {
		value, _ := strconv.ParseFloat(result[1], 64)
		unit := strings.TrimSuffix(result[2], "s")
		seconds += value * durationUnits[unit]
	}
	return seconds, true
}

// " 12:00:00 up 10 days,  3:04,  1 user"
func parseUnixUptime(output string) (float64, bool) {
	result := unixUptimeRegex.FindStringSubmatch(output)
	if result == nil {
		return 0, false
	}
	seconds := 0.0
	if days, err := strconv.ParseFloat(result[1], 64); err == nil {
		seconds += days * 24 * 3600
	}
	if hours, err := strconv.ParseFloat(result[2], 64); err == nil {
		seconds += hours * 3600
	}
	if minutes, err := strconv.ParseFloat(result[3], 64); err == nil {
		seconds += minutes * 60
	}
	if minutes, err := strconv.ParseFloat(result[4], 64); err == nil {
		seconds += minutes * 60
	}
	return seconds, true
}

func submatchFloat(pattern *regexp.Regexp, output string, group int) (float64, bool) {
	result := pattern.FindStringSubmatch(output)
	if result == nil || len(result) <= group {
		return 0, false
	}
	value, err := strconv.ParseFloat(result[group], 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func usedPercent(pattern *regexp.Regexp, totalGroup int, usedGroup int, output string) (float64, bool) {
	total, okTotal := submatchFloat(pattern, output, totalGroup)
	used, okUsed := submatchFloat(pattern, output, usedGroup)
	if !okTotal || !okUsed || total <= 0 {
		return 0, false
	}
	return used / total * 100, true
}
