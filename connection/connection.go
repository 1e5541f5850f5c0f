// Package connection pools authenticated device sessions.
package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/transport"
)

// State - Lifecycle state of a pooled connection.
type State string

// Connection states.
const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Connection - A session to a device, held by at most one caller at a time.
type Connection struct {
	ID      string
	Device  common.Device
	Session transport.Session
	Created time.Time

	mutex        sync.Mutex
	state        State
	lastActivity time.Time
	privileged   bool
	ready        bool
	pagingOff    bool
	detectedType common.DeviceType
}

func newConnection(device common.Device, now time.Time) *Connection {
	return &Connection{
		ID:           uuid.New().String(),
		Device:       device,
		Created:      now,
		state:        StateConnecting,
		lastActivity: now,
	}
}

// State - Current state.
func (conn *Connection) State() State {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.state
}

func (conn *Connection) setState(state State) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.state = state
}

// LastActivity - Time of the last acquire, release or command.
func (conn *Connection) LastActivity() time.Time {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.lastActivity
}

// Touch - Record activity.
func (conn *Connection) Touch() {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.lastActivity = time.Now()
}

// MarkFailed - Flag the session as unusable. It is closed and dropped on release.
func (conn *Connection) MarkFailed() {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.state != StateClosed {
		conn.state = StateFailed
	}
}

// Failed - If the connection was marked failed.
func (conn *Connection) Failed() bool {
	return conn.State() == StateFailed
}

// Usable - If commands can still be sent.
func (conn *Connection) Usable() bool {
	state := conn.State()
	return state == StateActive || state == StateConnecting
}

// Privileged - If the session is in privileged mode.
func (conn *Connection) Privileged() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.privileged
}

// MarkPrivileged - Record a privilege change.
func (conn *Connection) MarkPrivileged(privileged bool) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.privileged = privileged
}

// Ready - If the login banner and first prompt have been consumed.
func (conn *Connection) Ready() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.ready
}

// MarkReady - Record that the session is positioned after a prompt.
func (conn *Connection) MarkReady() {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.ready = true
}

// PagingDisabled - If output paging has been turned off in the session.
func (conn *Connection) PagingDisabled() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.pagingOff
}

// MarkPagingDisabled - Record that output paging is off.
func (conn *Connection) MarkPagingDisabled() {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.pagingOff = true
}

// Annotate - Record the classified device type.
func (conn *Connection) Annotate(deviceType common.DeviceType) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.detectedType = deviceType
}

// DeviceType - The detected type if classified to something specific, else the declared type.
func (conn *Connection) DeviceType() common.DeviceType {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.detectedType != "" && conn.detectedType != common.DeviceTypeGeneric {
		return conn.detectedType
	}
	return conn.Device.Type.OrGeneric()
}
