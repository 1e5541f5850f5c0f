package execution

import (
	"regexp"
	"strings"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b(\[[0-9;?]*[ -/]*[@-~]|\][^\x07]*\x07|[()][0-9A-Za-z]|[=>78DEHMc])`)
	// Pager leftovers like " --More-- " and "<--- More --->"
	pagerPattern = regexp.MustCompile(`(?i)(<-+ ?more ?-+>|-- ?more ?--|---\(more( \d+%)?\)---)`)
	// Device-side rejection lines
	deviceErrorPattern = regexp.MustCompile(`(?im)^\s*(% ?(invalid|incomplete|ambiguous|unknown|unrecognized|bad|error|access denied)[^\n]*|syntax error[^\n]*|unknown command[^\n]*|unrecognized command[^\n]*|error: [^\n]*|[^\n]*: command not found|invalid command[^\n]*)$`)
)

// StripControl - Remove terminal escape sequences, backspaced text, pager residue and carriage returns.
func StripControl(raw string) string {
	text := ansiPattern.ReplaceAllString(raw, "")
	text = applyBackspaces(text)
	text = pagerPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	// A lone CR redraws the line, keep what comes after it
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if idx := strings.LastIndex(strings.TrimRight(line, "\r"), "\r"); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = strings.TrimRight(line, "\r")
	}
	return strings.Join(lines, "\n")
}

func applyBackspaces(text string) string {
	if !strings.ContainsRune(text, '\b') {
		return text
	}
	out := make([]rune, 0, len(text))
	for _, r := range text {
		if r == '\b' {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Normalize - Clean raw output of a command, dropping the echoed command and the trailing prompt.
// Returns the cleaned output and the prompt line, if prompt matched the last line.
func Normalize(raw string, command string, prompt *regexp.Regexp) (string, string) {
	lines := strings.Split(StripControl(raw), "\n")

	// Echo, possibly preceded by leftover prompt text
	trimmedCommand := strings.TrimSpace(command)
	if len(lines) > 0 && trimmedCommand != "" && strings.HasSuffix(strings.TrimSpace(lines[0]), trimmedCommand) {
		lines = lines[1:]
	}

	promptLine := ""
	if len(lines) > 0 && prompt != nil {
		last := lines[len(lines)-1]
		if strings.TrimSpace(last) != "" && prompt.MatchString(last) {
			promptLine = strings.TrimSpace(last)
			lines = lines[:len(lines)-1]
		}
	}

	// Trim blank lines at both ends
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	return strings.Join(lines, "\n"), promptLine
}

// DeviceError - The first device-side error line in cleaned output, or empty.
func DeviceError(output string) string {
	match := deviceErrorPattern.FindString(output)
	return strings.TrimSpace(match)
}
