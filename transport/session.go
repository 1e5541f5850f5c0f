// Package transport provides byte-stream shell sessions to devices.
package transport

import (
	"context"
	"regexp"
	"time"
)

// Session - An interactive shell on a device. Not safe for concurrent use; one holder at a time.
type Session interface {
	// Write sends raw text, typically a command followed by a newline.
	Write(data string) error
	// ReadUntil reads until pattern matches the buffered output and returns everything up to and
	// including the match. On error the partial output read so far is returned.
	ReadUntil(ctx context.Context, pattern *regexp.Regexp) (string, error)
	// Close terminates the session. Pending reads return a connection error.
	Close() error
}

// Target - Where and how to connect. Secrets in a target live only for one dial attempt.
type Target struct {
	Device     string
	Address    string // host:port
	Username   string
	Password   string
	PrivateKey []byte
	Timeout    time.Duration
}

// Dialer - Opens sessions.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}
