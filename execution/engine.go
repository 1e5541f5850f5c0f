// Package execution runs commands over pooled connections and structures their output.
package execution

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
)

// Options - Engine tunables.
type Options struct {
	// DefaultTimeout applies when neither the call nor the device sets one.
	DefaultTimeout time.Duration
	DenyPatterns   []string
}

// OptionsFromConfig - Engine options from the execution config section.
func OptionsFromConfig(config common.ExecutionConfig) Options {
	return Options{
		DefaultTimeout: common.Seconds(config.DefaultTimeoutSeconds),
		DenyPatterns:   config.DenyPatterns,
	}
}

// Engine - Executes commands. Safe for concurrent use across different connections.
type Engine struct {
	dialect        Dialect
	validator      *Validator
	defaultTimeout time.Duration
}

// NewEngine - Create an engine. A nil dialect gives DefaultDialect.
func NewEngine(dialect Dialect, options Options) (*Engine, error) {
	if dialect == nil {
		dialect = DefaultDialect{}
	}
	validator, err := NewValidator(options.DenyPatterns)
	if err != nil {
		return nil, common.NewError(common.ErrConfiguration, "", "execution engine", err)
	}
	timeout := options.DefaultTimeout
	if timeout <= 0 {
		timeout = common.DefaultCommandTimeout
	}
	return &Engine{
		dialect:        dialect,
		validator:      validator,
		defaultTimeout: timeout,
	}, nil
}

// Validator - The deny-pattern validator.
func (engine *Engine) Validator() *Validator {
	return engine.validator
}

// Dialect - The dialect lookup.
func (engine *Engine) Dialect() Dialect {
	return engine.dialect
}

// Timeout - The effective timeout: the given one, else the device's, else the engine default.
func (engine *Engine) Timeout(device common.Device, timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if device.CommandTimeoutSeconds > 0 {
		return device.CommandTimeout()
	}
	return engine.defaultTimeout
}

// Execute - Validate and run a command, reading until the prompt.
// A timeout is not an error: the result carries exit status -1 and the connection is marked failed.
// Transport failures and cancellation mark the connection failed and return an error alongside the result.
func (engine *Engine) Execute(ctx context.Context, conn *connection.Connection, command string, timeout time.Duration) (*common.CommandResult, error) {
	deviceID := conn.Device.ID()
	if err := engine.validator.Validate(deviceID, command); err != nil {
		log.WithFields(log.Fields{
			"device":  deviceID,
			"command": command,
		}).Warn("Blocked command")
		return nil, err
	}
	return engine.send(ctx, conn, command, engine.dialect.Prompt(conn.DeviceType()), engine.Timeout(conn.Device, timeout))
}

// ExecuteStrict - Like Execute, but timeouts and device-side errors are returned as errors.
func (engine *Engine) ExecuteStrict(ctx context.Context, conn *connection.Connection, command string, timeout time.Duration) (*common.CommandResult, error) {
	result, err := engine.Execute(ctx, conn, command, timeout)
	if err != nil {
		return result, err
	}
	switch result.ExitCode {
	case common.ExitTimeout:
		return result, common.Errorf(common.ErrTimeout, result.Device, "execute", "%q: %v", command, result.Error)
	case common.ExitDeviceError:
		return result, common.Errorf(common.ErrCommandExecution, result.Device, "execute", "%q: %v", command, result.Error)
	}
	return result, nil
}

// Must be called with the connection held. Skips validation.
func (engine *Engine) send(ctx context.Context, conn *connection.Connection, command string, prompt *regexp.Regexp, timeout time.Duration) (*common.CommandResult, error) {
	deviceID := conn.Device.ID()
	start := time.Now()
	result := &common.CommandResult{
		Device:  deviceID,
		Command: command,
		Time:    start,
	}
	if !conn.Usable() {
		result.ExitCode = common.ExitTransportError
		result.Error = fmt.Sprintf("connection %v", conn.State())
		return result, common.Errorf(common.ErrConnection, deviceID, "execute", "connection %v", conn.State())
	}
	if err := engine.ensureReady(ctx, conn, prompt); err != nil {
		result.ExitCode = common.ExitTransportError
		result.Error = err.Error()
		return result, err
	}

	log.WithFields(log.Fields{
		"device":  deviceID,
		"command": command,
	}).Trace("Sending command")
	conn.Touch()
	if err := conn.Session.Write(command + "\n"); err != nil {
		conn.MarkFailed()
		result.ExitCode = common.ExitTransportError
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	raw, err := conn.Session.ReadUntil(readCtx, prompt)
	cancel()
	result.Duration = time.Since(start)
	result.RawOutput = raw
	if err != nil {
		// The stream is out of sync with the prompt now
		conn.MarkFailed()
		result.Output, _ = Normalize(raw, command, nil)
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = common.ExitTransportError
			result.Error = ctxErr.Error()
			return result, ctxErr
		}
		if errors.Is(err, common.ErrTimeout) {
			result.ExitCode = common.ExitTimeout
			result.Error = fmt.Sprintf("no prompt within %v", timeout)
			log.WithFields(log.Fields{
				"device":  deviceID,
				"command": command,
				"timeout": timeout,
			}).Warn("Command timed out")
			return result, nil
		}
		result.ExitCode = common.ExitTransportError
		result.Error = err.Error()
		return result, err
	}
	conn.Touch()

	result.Output, result.Prompt = Normalize(raw, command, prompt)
	if deviceError := DeviceError(result.Output); deviceError != "" {
		result.ExitCode = common.ExitDeviceError
		result.Error = deviceError
	}
	log.WithFields(log.Fields{
		"device":    deviceID,
		"command":   command,
		"exit_code": result.ExitCode,
		"duration":  result.Duration,
	}).Trace("Command completed")
	return result, nil
}

// Consume the login banner and first prompt so the next read starts at the echo.
func (engine *Engine) ensureReady(ctx context.Context, conn *connection.Connection, prompt *regexp.Regexp) error {
	if conn.Ready() {
		return nil
	}
	readCtx, cancel := context.WithTimeout(ctx, conn.Device.ConnectTimeout())
	defer cancel()
	banner, err := conn.Session.ReadUntil(readCtx, prompt)
	if err != nil {
		conn.MarkFailed()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return common.NewError(common.ErrConnection, conn.Device.ID(), "wait for prompt", err)
	}
	log.WithFields(log.Fields{
		"device": conn.Device.ID(),
	}).Tracef("Session ready, banner: %q", StripControl(banner))
	conn.MarkReady()
	return nil
}

// BatchResult - Results of a batch, in order. Skipped lists commands never sent.
type BatchResult struct {
	Results []*common.CommandResult
	Skipped []string
	// Err is the error that stopped the batch, if any.
	Err error
}

// Failed - If any command failed.
func (batch *BatchResult) Failed() bool {
	for _, result := range batch.Results {
		if !result.Success() {
			return true
		}
	}
	return batch.Err != nil
}

// ExecuteBatch - Run commands in order. With stopOnError the batch stops after the first failed
// command. A broken connection always stops the batch.
func (engine *Engine) ExecuteBatch(ctx context.Context, conn *connection.Connection, commands []string, stopOnError bool) *BatchResult {
	batch := &BatchResult{}
	for i, command := range commands {
		result, err := engine.Execute(ctx, conn, command, 0)
		if result == nil {
			// Blocked, nothing was sent
			result = &common.CommandResult{
				Device:   conn.Device.ID(),
				Command:  command,
				ExitCode: common.ExitDeviceError,
				Time:     time.Now(),
				Error:    err.Error(),
			}
		}
		batch.Results = append(batch.Results, result)
		if err != nil && batch.Err == nil {
			batch.Err = err
		}
		if (stopOnError && !result.Success()) || !conn.Usable() {
			batch.Skipped = append(batch.Skipped, commands[i+1:]...)
			if len(batch.Skipped) > 0 {
				log.WithFields(log.Fields{
					"device":  conn.Device.ID(),
					"command": command,
					"skipped": len(batch.Skipped),
				}).Debug("Batch stopped")
			}
			break
		}
	}
	return batch
}
