package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"dev.hon.one/niobium/common"
)

const (
	readBufferSize     = 4096
	terminalWidth      = 511
	terminalHeight     = 0
	defaultDialTimeout = 10 * time.Second
)

// SSHDialer - Opens PTY shell sessions over SSH.
type SSHDialer struct {
	// HostKeyCallback verifies server keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHDialer - Create an SSH dialer that accepts any host key.
func NewSSHDialer() *SSHDialer {
	return &SSHDialer{}
}

// Dial - Connect, authenticate (public key first, then password) and start a shell.
func (dialer *SSHDialer) Dial(ctx context.Context, target Target) (Session, error) {
	authMethods, err := authMethods(target)
	if err != nil {
		return nil, common.NewError(common.ErrAuthentication, target.Device, "dial", err)
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	hostKeyCallback := dialer.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	sshConfig := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	// Open connection
	netDialer := &net.Dialer{Timeout: timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classifyDialError(target, err)
	}
	// Bound the handshake, the deadline is cleared once the client is up
	_ = conn.SetDeadline(time.Now().Add(timeout))
	clientConn, channels, requests, err := ssh.NewClientConn(conn, target.Address, sshConfig)
	if err != nil {
		conn.Close()
		return nil, classifyDialError(target, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(clientConn, channels, requests)

	session, err := startShell(target.Device, client)
	if err != nil {
		client.Close()
		return nil, common.NewError(common.ErrConnection, target.Device, "start shell", err)
	}
	log.WithFields(log.Fields{
		"device":  target.Device,
		"address": target.Address,
	}).Trace("SSH session opened")
	return session, nil
}

func authMethods(target Target) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 3)
	if len(target.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(target.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		password := target.Password
		methods = append(methods, ssh.Password(password))
		// Many network devices only offer keyboard-interactive for passwords
		methods = append(methods, ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}))
	}
	if len(methods) == 0 {
		return nil, errors.New("no usable credentials")
	}
	return methods, nil
}

func classifyDialError(target Target, err error) error {
	message := err.Error()
	if strings.Contains(message, "unable to authenticate") || strings.Contains(message, "no supported methods remain") {
		return common.NewError(common.ErrAuthentication, target.Device, "dial", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return common.NewError(common.ErrTimeout, target.Device, "dial", errors.New(message))
	}
	return common.NewError(common.ErrConnection, target.Device, "dial", err)
}

func startShell(device string, client *ssh.Client) (*sshSession, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	stdinWriter, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get STDIN pipe: %w", err)
	}
	stdoutReader, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get STDOUT pipe: %w", err)
	}
	stderrReader, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get STDERR pipe: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty("vt100", terminalHeight, terminalWidth, modes); err != nil {
		return nil, fmt.Errorf("failed to request PTY: %w", err)
	}
	if err := session.Shell(); err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	s := &sshSession{
		device:  device,
		client:  client,
		session: session,
		stdin:   stdinWriter,
		chunks:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go s.follow(stdoutReader)
	go drainStream(device, "STDERR", stderrReader)
	return s, nil
}

type sshSession struct {
	device  string
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	// Filled by the follow goroutine, closed on EOF or read error
	chunks  chan []byte
	readErr error
	// Closed by Close so follow stops once nobody reads chunks
	done chan struct{}

	buffer    []byte
	closeOnce sync.Once
}

// Reads the stream in the background and forwards chunks.
func (s *sshSession) follow(reader io.Reader) {
	defer close(s.chunks)
	buffer := make([]byte, readBufferSize)
	for {
		n, err := reader.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err == io.EOF {
			s.readErr = io.EOF
			return
		} else if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"device": s.device,
			}).Trace("Failed to read from STDOUT stream")
			s.readErr = err
			return
		}
	}
}

// Reads the stream in the background and just prints lines to log if anything appears.
func drainStream(device string, streamName string, reader io.Reader) {
	buffer := make([]byte, readBufferSize)
	for {
		n, err := reader.Read(buffer)
		if n > 0 {
			for _, line := range strings.Split(strings.TrimRight(string(buffer[:n]), "\r\n"), "\n") {
				log.WithFields(log.Fields{
					"device": device,
				}).Tracef("Received line on %v: %v", streamName, strings.TrimRight(line, "\r"))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *sshSession) Write(data string) error {
	if _, err := s.stdin.Write([]byte(data)); err != nil {
		return common.NewError(common.ErrConnection, s.device, "write", err)
	}
	return nil
}

func (s *sshSession) ReadUntil(ctx context.Context, pattern *regexp.Regexp) (string, error) {
	for {
		if loc := pattern.FindIndex(s.buffer); loc != nil {
			output := string(s.buffer[:loc[1]])
			s.buffer = append([]byte(nil), s.buffer[loc[1]:]...)
			return output, nil
		}
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				partial := s.takeBuffer()
				cause := s.readErr
				if cause == nil || cause == io.EOF {
					cause = errors.New("session closed by device")
				}
				return partial, common.NewError(common.ErrConnection, s.device, "read", cause)
			}
			s.buffer = append(s.buffer, chunk...)
		case <-ctx.Done():
			partial := s.takeBuffer()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return partial, common.Errorf(common.ErrTimeout, s.device, "read", "no prompt before deadline")
			}
			return partial, ctx.Err()
		}
	}
}

func (s *sshSession) takeBuffer() string {
	output := string(s.buffer)
	s.buffer = nil
	return output
}

func (s *sshSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.session.Close()
		err = s.client.Close()
		log.WithFields(log.Fields{
			"device": s.device,
		}).Trace("SSH session closed")
	})
	return err
}
