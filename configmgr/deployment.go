package configmgr

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State - Deployment state.
type State string

// Deployment states.
const (
	StateIdle                State = "idle"
	StateBackedUp            State = "backed-up"
	StateValidated           State = "validated"
	StateConnectivityChecked State = "connectivity-checked"
	StateDeploying           State = "deploying"
	StateVerifying           State = "verifying"
	StateCommitted           State = "committed"
	StateRolledBack          State = "rolled-back"
	StateFailed              State = "failed"
)

// Terminal - If no further transitions follow.
func (state State) Terminal() bool {
	return state == StateCommitted || state == StateRolledBack || state == StateFailed
}

// Transition - One recorded state change.
type Transition struct {
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// Deployment - History of one configuration deployment.
type Deployment struct {
	ID           string       `json:"id"`
	Device       string       `json:"device"`
	BackupID     string       `json:"backup_id,omitempty"`
	LinesApplied int          `json:"lines_applied"`
	Warnings     []string     `json:"warnings,omitempty"`
	Error        string       `json:"error,omitempty"`
	Transitions  []Transition `json:"transitions"`

	mutex sync.Mutex
}

func newDeployment(deviceID string, now time.Time) *Deployment {
	return &Deployment{
		ID:          uuid.New().String(),
		Device:      deviceID,
		Transitions: []Transition{{State: StateIdle, Time: now}},
	}
}

// State - The current state.
func (deployment *Deployment) State() State {
	deployment.mutex.Lock()
	defer deployment.mutex.Unlock()
	return deployment.Transitions[len(deployment.Transitions)-1].State
}

// States - The visited states in order.
func (deployment *Deployment) States() []State {
	deployment.mutex.Lock()
	defer deployment.mutex.Unlock()
	states := make([]State, len(deployment.Transitions))
	for i, transition := range deployment.Transitions {
		states[i] = transition.State
	}
	return states
}

func (deployment *Deployment) transition(state State, now time.Time, detail string) {
	deployment.mutex.Lock()
	deployment.Transitions = append(deployment.Transitions, Transition{State: state, Time: now, Detail: detail})
	if state == StateFailed || state == StateRolledBack {
		deployment.Error = detail
	}
	deployment.mutex.Unlock()
	log.WithFields(log.Fields{
		"device":     deployment.Device,
		"deployment": deployment.ID,
		"state":      state,
	}).Debug("Deployment state changed")
}
