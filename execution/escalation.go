package execution

import (
	"context"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/connection"
)

// EscalationOutcome - Result of a privilege escalation attempt.
type EscalationOutcome string

// Escalation outcomes.
const (
	EscalationEscalated     EscalationOutcome = "escalated"
	EscalationNotApplicable EscalationOutcome = "not-applicable"
	EscalationFailed        EscalationOutcome = "failed"
)

// Password prompts answered after a rejected secret before giving up on the session.
const maxSecretPrompts = 5

type escalationState int

const (
	escalationSendTrigger escalationState = iota
	escalationAwaitingPasswordPrompt
	escalationAwaitingPrompt
	escalationEscalated
	escalationFailed
)

// EscalatePrivilege - Enter privileged mode. Types without a privileged mode give not-applicable.
// A rejected secret gives failed with a command execution error.
func (engine *Engine) EscalatePrivilege(ctx context.Context, conn *connection.Connection, secret string) (EscalationOutcome, error) {
	escalation := engine.dialect.Escalation(conn.DeviceType())
	if escalation == nil {
		return EscalationNotApplicable, nil
	}
	if conn.Privileged() {
		return EscalationEscalated, nil
	}
	deviceID := conn.Device.ID()
	prompt := engine.dialect.Prompt(conn.DeviceType())
	if err := engine.ensureReady(ctx, conn, prompt); err != nil {
		return EscalationFailed, err
	}
	timeout := engine.Timeout(conn.Device, 0)
	promptOrPassword := regexp.MustCompile(escalation.PasswordPrompt.String() + "|" + prompt.String())

	state := escalationSendTrigger
	var detail string
	for state != escalationEscalated && state != escalationFailed {
		switch state {
		case escalationSendTrigger:
			if err := conn.Session.Write(escalation.Command + "\n"); err != nil {
				conn.MarkFailed()
				return EscalationFailed, err
			}
			state = escalationAwaitingPasswordPrompt

		case escalationAwaitingPasswordPrompt:
			output, err := engine.read(ctx, conn, promptOrPassword, timeout)
			if err != nil {
				return EscalationFailed, err
			}
			switch {
			case escalation.PasswordPrompt.MatchString(output):
				// Secret is never logged
				if secret == "" {
					detail = "no enable secret configured"
				}
				if err := conn.Session.Write(secret + "\n"); err != nil {
					conn.MarkFailed()
					return EscalationFailed, err
				}
				state = escalationAwaitingPrompt
			case escalation.PrivilegedPrompt.MatchString(output):
				state = escalationEscalated
			default:
				detail = orDefault(DeviceError(StripControl(output)), "escalation command rejected")
				state = escalationFailed
			}

		case escalationAwaitingPrompt:
			output, err := engine.read(ctx, conn, promptOrPassword, timeout)
			if err != nil {
				return EscalationFailed, err
			}
			if escalation.PrivilegedPrompt.MatchString(output) {
				state = escalationEscalated
				break
			}
			// Asked again: answer empty until the device gives up and shows the normal prompt
			for i := 0; i < maxSecretPrompts && escalation.PasswordPrompt.MatchString(output); i++ {
				if err := conn.Session.Write("\n"); err != nil {
					conn.MarkFailed()
					return EscalationFailed, err
				}
				if output, err = engine.read(ctx, conn, promptOrPassword, timeout); err != nil {
					return EscalationFailed, err
				}
			}
			if escalation.PasswordPrompt.MatchString(output) {
				// Stuck at the password prompt
				conn.MarkFailed()
			}
			detail = orDefault(detail, orDefault(DeviceError(StripControl(output)), "secret rejected"))
			state = escalationFailed
		}
	}

	if state == escalationFailed {
		log.WithFields(log.Fields{
			"device": deviceID,
		}).Warnf("Privilege escalation failed: %v", detail)
		return EscalationFailed, common.Errorf(common.ErrCommandExecution, deviceID, "escalate privilege", "%v", detail)
	}
	conn.MarkPrivileged(true)
	conn.Touch()
	log.WithFields(log.Fields{
		"device": deviceID,
	}).Debug("Privilege escalated")
	return EscalationEscalated, nil
}

// DeescalatePrivilege - Leave privileged mode if the connection is in it.
func (engine *Engine) DeescalatePrivilege(ctx context.Context, conn *connection.Connection) error {
	if !conn.Privileged() || !conn.Usable() {
		return nil
	}
	escalation := engine.dialect.Escalation(conn.DeviceType())
	if escalation == nil || escalation.DeescalateCommand == "" {
		return nil
	}
	result, err := engine.send(ctx, conn, escalation.DeescalateCommand, engine.dialect.Prompt(conn.DeviceType()), engine.Timeout(conn.Device, 0))
	if err != nil {
		return err
	}
	if result.ExitCode == common.ExitTimeout {
		return common.Errorf(common.ErrTimeout, conn.Device.ID(), "deescalate privilege", "%v", result.Error)
	}
	conn.MarkPrivileged(false)
	log.WithFields(log.Fields{
		"device": conn.Device.ID(),
	}).Debug("Privilege dropped")
	return nil
}

func (engine *Engine) read(ctx context.Context, conn *connection.Connection, pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	output, err := conn.Session.ReadUntil(readCtx, pattern)
	if err != nil {
		conn.MarkFailed()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, ctxErr
		}
		return output, err
	}
	return output, nil
}

func orDefault(value string, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
