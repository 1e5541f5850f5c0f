package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
)

// CircuitState - State of a circuit breaker.
type CircuitState int

// Circuit states.
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (state CircuitState) String() string {
	switch state {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig - Circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure selects which errors count against the circuit. Nil uses DefaultIsFailure.
	IsFailure func(err error) bool
}

// DefaultIsFailure - Errors that say nothing about the remote end's health, such as rejected
// credentials, do not count.
func DefaultIsFailure(err error) bool {
	switch {
	case errors.Is(err, common.ErrAuthentication),
		errors.Is(err, common.ErrCommandValidation),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// BreakerConfigFromConfig - Build breaker thresholds from the config section.
func BreakerConfigFromConfig(config common.BreakerConfig) BreakerConfig {
	return BreakerConfig{
		FailureThreshold: config.FailureThreshold,
		RecoveryTimeout:  common.Seconds(config.RecoveryTimeoutSeconds),
	}
}

// BreakerStats - Snapshot of a breaker.
type BreakerStats struct {
	Name                string
	State               CircuitState
	ConsecutiveFailures int
	LastFailure         time.Time
	FailureThreshold    int
	RecoveryTimeout     time.Duration
}

// CircuitBreaker - Fail-fast guard for one named operation.
// Safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mutex               sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	trialInFlight       bool
}

// NewCircuitBreaker - Create a closed breaker.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// Name - The protected operation name.
func (breaker *CircuitBreaker) Name() string {
	return breaker.name
}

// Execute - Run fn unless the circuit is open. In half-open state only one trial call runs at a time.
// Errors rejected by IsFailure pass through without touching the failure count.
// Device is only used to label the returned error.
func (breaker *CircuitBreaker) Execute(device string, fn func() error) error {
	if !breaker.allow() {
		return common.Errorf(common.ErrCircuitOpen, device, breaker.name, "failing fast")
	}
	err := fn()
	switch {
	case err == nil:
		breaker.record(true)
	case breaker.config.IsFailure(err):
		breaker.record(false)
	default:
		breaker.release()
	}
	return err
}

// State - Current state. An open breaker past its recovery timeout still reports open until the next call.
func (breaker *CircuitBreaker) State() CircuitState {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	return breaker.state
}

// Stats - Snapshot of the breaker.
func (breaker *CircuitBreaker) Stats() BreakerStats {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	return BreakerStats{
		Name:                breaker.name,
		State:               breaker.state,
		ConsecutiveFailures: breaker.consecutiveFailures,
		LastFailure:         breaker.lastFailure,
		FailureThreshold:    breaker.config.FailureThreshold,
		RecoveryTimeout:     breaker.config.RecoveryTimeout,
	}
}

// Reset - Force the breaker closed.
func (breaker *CircuitBreaker) Reset() {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	breaker.transitionTo(CircuitClosed)
}

func (breaker *CircuitBreaker) allow() bool {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()

	switch breaker.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if breaker.now().Sub(breaker.lastFailure) < breaker.config.RecoveryTimeout {
			return false
		}
		breaker.transitionTo(CircuitHalfOpen)
		breaker.trialInFlight = true
		return true
	case CircuitHalfOpen:
		if breaker.trialInFlight {
			return false
		}
		breaker.trialInFlight = true
		return true
	default:
		return false
	}
}

func (breaker *CircuitBreaker) record(success bool) {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()

	if success {
		switch breaker.state {
		case CircuitHalfOpen:
			breaker.transitionTo(CircuitClosed)
		default:
			breaker.consecutiveFailures = 0
		}
		return
	}

	breaker.lastFailure = breaker.now()
	switch breaker.state {
	case CircuitClosed:
		breaker.consecutiveFailures++
		if breaker.consecutiveFailures >= breaker.config.FailureThreshold {
			breaker.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Trial failed, restart the recovery timeout
		breaker.consecutiveFailures++
		breaker.transitionTo(CircuitOpen)
	}
}

// Ends a half-open trial that proved nothing, the next call runs a new trial.
func (breaker *CircuitBreaker) release() {
	breaker.mutex.Lock()
	defer breaker.mutex.Unlock()
	breaker.trialInFlight = false
}

// Must be called with the mutex held.
func (breaker *CircuitBreaker) transitionTo(state CircuitState) {
	if breaker.state != state {
		log.WithFields(log.Fields{
			"breaker": breaker.name,
			"from":    breaker.state.String(),
			"to":      state.String(),
		}).Debug("Circuit breaker state change")
	}
	breaker.state = state
	breaker.trialInFlight = false
	if state == CircuitClosed {
		breaker.consecutiveFailures = 0
	}
}

// BreakerSet - Breakers keyed by operation name, created on first use.
type BreakerSet struct {
	config BreakerConfig

	mutex    sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet - Create an empty set with shared thresholds.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get - The breaker for a name.
func (set *BreakerSet) Get(name string) *CircuitBreaker {
	set.mutex.Lock()
	defer set.mutex.Unlock()
	breaker, found := set.breakers[name]
	if !found {
		breaker = NewCircuitBreaker(name, set.config)
		set.breakers[name] = breaker
	}
	return breaker
}

// Stats - Snapshots of all breakers, sorted by name.
func (set *BreakerSet) Stats() []BreakerStats {
	set.mutex.Lock()
	breakers := make([]*CircuitBreaker, 0, len(set.breakers))
	for _, breaker := range set.breakers {
		breakers = append(breakers, breaker)
	}
	set.mutex.Unlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, breaker := range breakers {
		stats = append(stats, breaker.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
