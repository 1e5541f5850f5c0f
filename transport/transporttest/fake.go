// Package transporttest provides a scripted in-memory device for testing code built on transport sessions.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/transport"
)

// InvalidInput - Reply for commands the device does not know.
const InvalidInput = "% Invalid input detected at '^' marker."

// Device - A fake device with an IOS-like shell. Fields may be set before use; use the
// methods once sessions are open.
//
// Config mode ("configure terminal") stages lines and replaces the running configuration
// on "end".
type Device struct {
	Hostname      string
	Banner        string
	Responses     map[string]string // Command to output
	Hang          map[string]bool   // Commands that never return a prompt
	EnableSecret  string            // Empty means "enable" needs no password
	NoEnable      bool              // "enable" is an invalid command
	// SecretAttempts is how often a wrong secret is asked for before giving up, like IOS
	// does three times. Zero means once.
	SecretAttempts int
	// Paged commands stop at "--More--" without a prompt until the session has sent
	// "terminal length 0".
	Paged map[string]bool
	RunningConfig string
	// Handler runs before the built-in behavior. Return handled=false to fall through.
	// Called with the device lock held; it may modify the device fields directly.
	Handler func(device *Device, line string) (reply string, handled bool)

	mutex  sync.Mutex
	shells map[*shell]bool
	sent   []string
	dials  int
}

// CLI mode of one session
type shell struct {
	privileged  bool
	configMode  bool
	awaitSecret bool
	secretTries int
	pagingOff   bool
	staged      []string
}

// NewIOSDevice - A device answering the usual IOS show commands.
func NewIOSDevice(hostname string) *Device {
	return &Device{
		Hostname:     hostname,
		EnableSecret: "s3cret",
		Responses: map[string]string{
			"terminal length 0": "",
			"write memory":      "Building configuration...\n[OK]",
			"show version": fmt.Sprintf("Cisco IOS Software, C2960 Software (C2960-LANBASEK9-M), Version 15.0(2)SE11, RELEASE SOFTWARE (fc3)\n"+
				"Technical Support: http://www.cisco.com/techsupport\n"+
				"\n"+
				"%v uptime is 1 week, 2 days, 3 hours, 4 minutes\n"+
				"System image file is \"flash:c2960-lanbasek9-mz.150-2.SE11.bin\"\n"+
				"\n"+
				"cisco WS-C2960-24TT-L (PowerPC405) processor (revision B0) with 65536K bytes of memory.\n"+
				"Model number                    : WS-C2960-24TT-L\n", hostname),
			"show clock":                   "*12:00:00.000 UTC Wed Oct 14 2026",
			"show version | include uptime": fmt.Sprintf("%v uptime is 1 week, 2 days, 3 hours, 4 minutes", hostname),
			"show interfaces": "GigabitEthernet0/1 is up, line protocol is up (connected)\n" +
				"  Hardware is Gigabit Ethernet, address is 0011.2233.4455 (bia 0011.2233.4455)\n" +
				"     1000 packets input, 64000 bytes, 0 no buffer\n" +
				"     3 input errors, 0 CRC, 0 frame, 0 overrun, 0 ignored\n" +
				"     2000 packets output, 128000 bytes, 0 underruns\n" +
				"     1 output errors, 0 collisions, 1 interface resets\n" +
				"GigabitEthernet0/2 is administratively down, line protocol is down (disabled)\n" +
				"     0 packets input, 0 bytes, 0 no buffer\n" +
				"     0 input errors, 0 CRC, 0 frame, 0 overrun, 0 ignored\n" +
				"     0 packets output, 0 bytes, 0 underruns\n" +
				"     0 output errors, 0 collisions, 0 interface resets",
			"show processes cpu | include CPU utilization": "CPU utilization for five seconds: 7%/0%; one minute: 5%; five minutes: 4%",
			"show memory statistics": "                Head    Total(b)     Used(b)     Free(b)   Lowest(b)  Largest(b)\n" +
				"Processor    2A2B3C4    100000000    25000000    75000000    70000000    60000000\n" +
				"      I/O    3A2B3C4     10000000     5000000     5000000     4000000     4000000",
		},
		RunningConfig: fmt.Sprintf("version 15.0\nhostname %v\n!\ninterface GigabitEthernet0/1\n description uplink\n!\nend", hostname),
	}
}

func (device *Device) prompt(sh *shell) string {
	switch {
	case sh.configMode:
		return device.Hostname + "(config)#"
	case sh.privileged:
		return device.Hostname + "#"
	default:
		return device.Hostname + ">"
	}
}

// Sent - Every line received by the device, in order.
func (device *Device) Sent() []string {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return append([]string(nil), device.sent...)
}

// SentCommand - If a line was received.
func (device *Device) SentCommand(line string) bool {
	for _, sent := range device.Sent() {
		if sent == line {
			return true
		}
	}
	return false
}

// Config - The current running configuration.
func (device *Device) Config() string {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.RunningConfig
}

// SetResponse - Change a command reply while sessions are open.
func (device *Device) SetResponse(command string, reply string) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if device.Responses == nil {
		device.Responses = make(map[string]string)
	}
	device.Responses[command] = reply
}

// SetHang - Make a command hang (or stop hanging) while sessions are open.
func (device *Device) SetHang(command string, hang bool) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if device.Hang == nil {
		device.Hang = make(map[string]bool)
	}
	device.Hang[command] = hang
}

// Privileged - If any open session is in enable mode.
func (device *Device) Privileged() bool {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	for sh := range device.shells {
		if sh.privileged {
			return true
		}
	}
	return false
}

// Dials - Number of sessions opened.
func (device *Device) Dials() int {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.dials
}

// OpenSessions - Number of sessions not yet closed.
func (device *Device) OpenSessions() int {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return len(device.shells)
}

// handle - Process one input line of a session. Returns the text to emit, prompt included.
func (device *Device) handle(sh *shell, line string) string {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.sent = append(device.sent, line)

	if sh.awaitSecret {
		// Secret is not echoed
		sh.secretTries++
		if line == device.EnableSecret {
			sh.awaitSecret = false
			sh.privileged = true
			return "\r\n" + device.prompt(sh)
		}
		if sh.secretTries < device.SecretAttempts {
			return "\r\nPassword: "
		}
		sh.awaitSecret = false
		if device.SecretAttempts > 1 {
			return "\r\n% Bad secrets\r\n\r\n" + device.prompt(sh)
		}
		return "\r\n% Access denied\r\n\r\n" + device.prompt(sh)
	}

	echo := line + "\r\n"
	if device.Hang[line] {
		return echo
	}
	command := strings.TrimSpace(line)
	if command == "terminal length 0" {
		sh.pagingOff = true
	}
	if device.Paged[command] && !sh.pagingOff {
		first, _, _ := strings.Cut(device.Responses[command], "\n")
		return echo + first + "\r\n --More-- "
	}
	if device.Handler != nil {
		if reply, handled := device.Handler(device, line); handled {
			return echo + withCRLF(reply) + device.prompt(sh)
		}
	}
	reply := device.builtin(sh, line)
	if sh.awaitSecret {
		// Only the password prompt until the secret arrives
		return echo + reply
	}
	return echo + reply + device.prompt(sh)
}

func (device *Device) builtin(sh *shell, line string) string {
	command := strings.TrimSpace(line)
	switch {
	case sh.configMode:
		if command == "end" || command == "exit" {
			device.RunningConfig = strings.Join(sh.staged, "\n")
			sh.staged = nil
			sh.configMode = false
			return ""
		}
		if reply, found := device.Responses[command]; found {
			return withCRLF(reply)
		}
		sh.staged = append(sh.staged, line)
		return ""
	case command == "enable" && !device.NoEnable:
		if device.EnableSecret == "" {
			sh.privileged = true
			return ""
		}
		sh.awaitSecret = true
		sh.secretTries = 0
		return "Password: "
	case command == "disable":
		sh.privileged = false
		return ""
	case command == "configure terminal":
		if !sh.privileged {
			return withCRLF(InvalidInput)
		}
		sh.configMode = true
		sh.staged = nil
		return "Enter configuration commands, one per line.  End with CNTL/Z.\r\n"
	case command == "show running-config":
		config := device.RunningConfig
		return withCRLF(fmt.Sprintf("Building configuration...\n\nCurrent configuration : %v bytes\n%v", len(config), config))
	case command == "":
		return ""
	}
	if reply, found := device.Responses[command]; found {
		return withCRLF(reply)
	}
	return withCRLF(InvalidInput)
}

func withCRLF(text string) string {
	if text == "" {
		return ""
	}
	return strings.ReplaceAll(text, "\n", "\r\n") + "\r\n"
}

// Dialer - Opens sessions to fake devices by address.
type Dialer struct {
	mutex   sync.Mutex
	devices map[string]*Device
	targets []transport.Target
	// Fail is consulted before each dial; a non-nil error fails the dial.
	Fail func(target transport.Target) error
}

// NewDialer - Create a dialer without devices.
func NewDialer() *Dialer {
	return &Dialer{devices: make(map[string]*Device)}
}

// Add - Make a device reachable at an address (host:port).
func (dialer *Dialer) Add(address string, device *Device) {
	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	dialer.devices[address] = device
}

// Targets - All dial targets, in order.
func (dialer *Dialer) Targets() []transport.Target {
	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	return append([]transport.Target(nil), dialer.targets...)
}

// Dial - Open a session to the device at the target address.
func (dialer *Dialer) Dial(ctx context.Context, target transport.Target) (transport.Session, error) {
	dialer.mutex.Lock()
	dialer.targets = append(dialer.targets, target)
	device, found := dialer.devices[target.Address]
	fail := dialer.Fail
	dialer.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail != nil {
		if err := fail(target); err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, common.Errorf(common.ErrConnection, target.Device, "dial", "connection refused: %v", target.Address)
	}
	return NewSession(device), nil
}

// Session - A live session on a fake device.
type Session struct {
	device *Device
	shell  *shell
	notify chan struct{}

	mutex  sync.Mutex
	buffer []byte
	closed bool
}

// NewSession - Open a session directly, printing the banner and prompt.
func NewSession(device *Device) *Session {
	sh := &shell{}
	device.mutex.Lock()
	device.dials++
	if device.shells == nil {
		device.shells = make(map[*shell]bool)
	}
	device.shells[sh] = true
	greeting := device.prompt(sh)
	if device.Banner != "" {
		greeting = withCRLF(device.Banner) + greeting
	}
	device.mutex.Unlock()

	session := &Session{
		device: device,
		shell:  sh,
		notify: make(chan struct{}, 1),
	}
	session.emit(greeting)
	return session
}

func (session *Session) emit(text string) {
	session.mutex.Lock()
	session.buffer = append(session.buffer, text...)
	session.mutex.Unlock()
	select {
	case session.notify <- struct{}{}:
	default:
	}
}

// Write - Feed input lines to the device.
func (session *Session) Write(data string) error {
	session.mutex.Lock()
	closed := session.closed
	session.mutex.Unlock()
	if closed {
		return common.Errorf(common.ErrConnection, session.device.Hostname, "write", "session closed")
	}
	for _, line := range strings.SplitAfter(data, "\n") {
		if !strings.HasSuffix(line, "\n") {
			// Partial line, ignored like an unsubmitted terminal line
			continue
		}
		session.emit(session.device.handle(session.shell, strings.TrimRight(line, "\r\n")))
	}
	return nil
}

// ReadUntil - Block until pattern matches the output.
func (session *Session) ReadUntil(ctx context.Context, pattern *regexp.Regexp) (string, error) {
	for {
		session.mutex.Lock()
		if loc := pattern.FindIndex(session.buffer); loc != nil {
			output := string(session.buffer[:loc[1]])
			session.buffer = append([]byte(nil), session.buffer[loc[1]:]...)
			session.mutex.Unlock()
			return output, nil
		}
		if session.closed {
			partial := string(session.buffer)
			session.buffer = nil
			session.mutex.Unlock()
			return partial, common.Errorf(common.ErrConnection, session.device.Hostname, "read", "session closed")
		}
		session.mutex.Unlock()

		select {
		case <-session.notify:
		case <-ctx.Done():
			session.mutex.Lock()
			partial := string(session.buffer)
			session.buffer = nil
			session.mutex.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return partial, common.Errorf(common.ErrTimeout, session.device.Hostname, "read", "no prompt before deadline")
			}
			return partial, ctx.Err()
		}
	}
}

// Close - Close the session.
func (session *Session) Close() error {
	session.mutex.Lock()
	if session.closed {
		session.mutex.Unlock()
		return nil
	}
	session.closed = true
	session.mutex.Unlock()

	session.device.mutex.Lock()
	delete(session.device.shells, session.shell)
	session.device.mutex.Unlock()
	select {
	case session.notify <- struct{}{}:
	default:
	}
	return nil
}

// Closed - If Close has been called.
func (session *Session) Closed() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.closed
}
