package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/common"
	"dev.hon.one/niobium/resilience"
	"dev.hon.one/niobium/transport"
)

// Options - Pool tunables.
type Options struct {
	MaxSize       int
	MaxIdle       time.Duration
	EvictInterval time.Duration
	Retry         resilience.RetryPolicy
	// Breakers guards dials, keyed "ssh:<device>". Created from defaults if nil.
	Breakers *resilience.BreakerSet
}

// OptionsFromConfig - Pool options from the config sections.
func OptionsFromConfig(config *common.Config) Options {
	return Options{
		MaxSize:       config.Pool.MaxSize,
		MaxIdle:       common.Seconds(config.Pool.MaxIdleSeconds),
		EvictInterval: common.Seconds(config.Pool.EvictIntervalSeconds),
		Retry:         resilience.PolicyFromConfig(config.Retry),
		Breakers:      resilience.NewBreakerSet(resilience.BreakerConfigFromConfig(config.Breaker)),
	}
}

// Stats - Pool counters.
type Stats struct {
	MaxSize    int
	Total      int
	Connecting int
	Active     int
	Idle       int
	Failed     int
	Dials      uint64
	DialErrors uint64
	Evictions  uint64
	PerDevice  map[string]int
}

// Manager - Bounded pool of device connections. Safe for concurrent use.
type Manager struct {
	dialer      transport.Dialer
	credentials common.CredentialSource
	options     Options
	breakers    *resilience.BreakerSet
	retrier     *resilience.Retrier
	now         func() time.Time

	mutex       sync.Mutex
	connections map[string][]*Connection
	size        int
	closed      bool
	dials       uint64
	dialErrors  uint64
	evictions   uint64

	stopChannel chan struct{}
	waitGroup   sync.WaitGroup
}

// NewManager - Create an empty pool.
func NewManager(dialer transport.Dialer, credentials common.CredentialSource, options Options) *Manager {
	if options.MaxSize < 1 {
		options.MaxSize = 1
	}
	breakers := options.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.BreakerConfigFromConfig(common.DefaultConfig().Breaker))
	}
	return &Manager{
		dialer:      dialer,
		credentials: credentials,
		options:     options,
		breakers:    breakers,
		retrier:     resilience.NewRetrier(options.Retry),
		now:         time.Now,
		connections: make(map[string][]*Connection),
	}
}

// Breakers - The breaker set guarding dials.
func (manager *Manager) Breakers() *resilience.BreakerSet {
	return manager.breakers
}

// Acquire - Get an idle connection to the device or open a new one if the pool has room.
// The caller holds the connection exclusively until Release.
func (manager *Manager) Acquire(ctx context.Context, device common.Device) (*Connection, error) {
	deviceID := device.ID()

	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return nil, common.Errorf(common.ErrConnection, deviceID, "acquire", "pool shut down")
	}
	for _, conn := range manager.connections[deviceID] {
		conn.mutex.Lock()
		if conn.state == StateIdle {
			conn.state = StateActive
			conn.lastActivity = manager.now()
			conn.mutex.Unlock()
			manager.mutex.Unlock()
			log.WithFields(log.Fields{
				"device":     deviceID,
				"connection": conn.ID,
			}).Trace("Reusing idle connection")
			return conn, nil
		}
		conn.mutex.Unlock()
	}
	if manager.size >= manager.options.MaxSize {
		size := manager.size
		manager.mutex.Unlock()
		return nil, common.Errorf(common.ErrPoolExhausted, deviceID, "acquire", "%v of %v connections in use", size, manager.options.MaxSize)
	}
	// Reserve the slot before dialing
	conn := newConnection(device, manager.now())
	manager.connections[deviceID] = append(manager.connections[deviceID], conn)
	manager.size++
	manager.mutex.Unlock()

	session, err := manager.dial(ctx, device)

	manager.mutex.Lock()
	if err != nil {
		manager.dialErrors++
		manager.removeLocked(conn)
		manager.mutex.Unlock()
		return nil, err
	}
	manager.dials++
	if conn.State() == StateClosed {
		// Closed by Close/CloseAll while dialing
		manager.mutex.Unlock()
		session.Close()
		return nil, common.Errorf(common.ErrConnection, deviceID, "acquire", "connection closed while connecting")
	}
	conn.Session = session
	conn.mutex.Lock()
	conn.state = StateActive
	conn.lastActivity = manager.now()
	conn.mutex.Unlock()
	manager.mutex.Unlock()

	log.WithFields(log.Fields{
		"device":     deviceID,
		"connection": conn.ID,
	}).Debug("Opened connection")
	return conn, nil
}

func (manager *Manager) dial(ctx context.Context, device common.Device) (transport.Session, error) {
	deviceID := device.ID()
	breaker := manager.breakers.Get("ssh:" + deviceID)
	retrier := manager.retrier
	if device.RetryAttempts > 0 {
		policy := manager.options.Retry
		policy.MaxAttempts = device.RetryAttempts
		retrier = resilience.NewRetrier(policy)
	}
	timeout := device.ConnectTimeout()

	var session transport.Session
	err := retrier.Do(ctx, deviceID, "connect", func(ctx context.Context, attempt int) error {
		return breaker.Execute(deviceID, func() error {
			log.WithFields(log.Fields{
				"device":  deviceID,
				"address": device.FullAddress(),
				"attempt": attempt,
			}).Trace("Dialing device")
			target, err := manager.target(device)
			if err != nil {
				return err
			}
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			dialed, err := manager.dialer.Dial(dialCtx, target)
			if err != nil {
				if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
					// Own deadline, keep it retryable
					return common.Errorf(common.ErrTimeout, deviceID, "connect", "no session within %v", timeout)
				}
				return err
			}
			session = dialed
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrRetryExhausted) {
			return nil, common.NewError(common.ErrConnection, deviceID, "connect", err)
		}
		return nil, err
	}
	return session, nil
}

// Credentials are fetched per attempt and only live in the target.
func (manager *Manager) target(device common.Device) (transport.Target, error) {
	deviceID := device.ID()
	credential, err := manager.credentials.GetCredentials(deviceID)
	if err != nil {
		return transport.Target{}, err
	}
	privateKey, err := credential.PrivateKeyPEM()
	if err != nil {
		return transport.Target{}, common.NewError(common.ErrAuthentication, deviceID, "connect", err)
	}
	return transport.Target{
		Device:     deviceID,
		Address:    device.FullAddress(),
		Username:   credential.Username,
		Password:   credential.Password,
		PrivateKey: privateKey,
		Timeout:    device.ConnectTimeout(),
	}, nil
}

// Release - Return a connection to the pool. Failed or closed connections are closed and dropped.
func (manager *Manager) Release(conn *Connection) {
	if conn == nil {
		return
	}
	manager.mutex.Lock()
	conn.mutex.Lock()
	drop := manager.closed || conn.state == StateFailed || conn.state == StateClosed
	if drop {
		conn.state = StateClosed
	} else {
		conn.state = StateIdle
		conn.lastActivity = manager.now()
	}
	conn.mutex.Unlock()
	if drop {
		manager.removeLocked(conn)
	}
	manager.mutex.Unlock()

	if drop {
		closeSession(conn)
		log.WithFields(log.Fields{
			"device":     conn.Device.ID(),
			"connection": conn.ID,
		}).Debug("Dropped connection on release")
	}
}

// EvictIdle - Close idle connections unused for longer than maxIdle. Returns the number closed.
// Active and connecting connections are never touched.
func (manager *Manager) EvictIdle(maxIdle time.Duration) int {
	now := manager.now()
	var evicted []*Connection
	manager.mutex.Lock()
	for _, conns := range manager.connections {
		for _, conn := range conns {
			conn.mutex.Lock()
			if conn.state == StateIdle && now.Sub(conn.lastActivity) > maxIdle {
				conn.state = StateClosed
				evicted = append(evicted, conn)
			}
			conn.mutex.Unlock()
		}
	}
	for _, conn := range evicted {
		manager.removeLocked(conn)
	}
	manager.evictions += uint64(len(evicted))
	manager.mutex.Unlock()

	for _, conn := range evicted {
		closeSession(conn)
	}
	if len(evicted) > 0 {
		log.WithFields(log.Fields{
			"count": len(evicted),
		}).Debug("Evicted idle connections")
	}
	return len(evicted)
}

// Start - Run periodic eviction in the background until Shutdown.
func (manager *Manager) Start() {
	interval := manager.options.EvictInterval
	if interval <= 0 || manager.options.MaxIdle <= 0 {
		return
	}
	manager.mutex.Lock()
	if manager.stopChannel != nil || manager.closed {
		manager.mutex.Unlock()
		return
	}
	manager.stopChannel = make(chan struct{})
	stopChannel := manager.stopChannel
	manager.mutex.Unlock()

	manager.waitGroup.Add(1)
	go func() {
		defer manager.waitGroup.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopChannel:
				return
			case <-ticker.C:
				manager.EvictIdle(manager.options.MaxIdle)
			}
		}
	}()
}

// Shutdown - Stop eviction and close all connections. Later acquires fail.
func (manager *Manager) Shutdown() {
	manager.mutex.Lock()
	stopChannel := manager.stopChannel
	manager.stopChannel = nil
	manager.closed = true
	manager.mutex.Unlock()
	if stopChannel != nil {
		close(stopChannel)
	}
	manager.waitGroup.Wait()
	manager.CloseAll()
	log.Info("Connection pool shut down")
}

// Close - Force-close all connections to a device. Holders of active connections see a closed session.
func (manager *Manager) Close(deviceID string) int {
	manager.mutex.Lock()
	conns := append([]*Connection(nil), manager.connections[deviceID]...)
	for _, conn := range conns {
		conn.setState(StateClosed)
		manager.removeLocked(conn)
	}
	manager.mutex.Unlock()

	for _, conn := range conns {
		closeSession(conn)
	}
	return len(conns)
}

// CloseAll - Force-close every connection.
func (manager *Manager) CloseAll() int {
	manager.mutex.Lock()
	var conns []*Connection
	for _, deviceConns := range manager.connections {
		conns = append(conns, deviceConns...)
	}
	for _, conn := range conns {
		conn.setState(StateClosed)
		manager.removeLocked(conn)
	}
	manager.mutex.Unlock()

	for _, conn := range conns {
		closeSession(conn)
	}
	return len(conns)
}

// Stats - Snapshot of pool counters.
func (manager *Manager) Stats() Stats {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	stats := Stats{
		MaxSize:    manager.options.MaxSize,
		Total:      manager.size,
		Dials:      manager.dials,
		DialErrors: manager.dialErrors,
		Evictions:  manager.evictions,
		PerDevice:  make(map[string]int, len(manager.connections)),
	}
	for deviceID, conns := range manager.connections {
		stats.PerDevice[deviceID] = len(conns)
		for _, conn := range conns {
			switch conn.State() {
			case StateConnecting:
				stats.Connecting++
			case StateActive:
				stats.Active++
			case StateIdle:
				stats.Idle++
			case StateFailed:
				stats.Failed++
			}
		}
	}
	return stats
}

// Must be called with the mutex held. Removing an absent connection does nothing.
func (manager *Manager) removeLocked(conn *Connection) {
	deviceID := conn.Device.ID()
	conns := manager.connections[deviceID]
	for i, existing := range conns {
		if existing == conn {
			conns = append(conns[:i], conns[i+1:]...)
			manager.size--
			break
		}
	}
	if len(conns) == 0 {
		delete(manager.connections, deviceID)
	} else {
		manager.connections[deviceID] = conns
	}
}

func closeSession(conn *Connection) {
	if conn.Session == nil {
		return
	}
	if err := conn.Session.Close(); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"device":     conn.Device.ID(),
			"connection": conn.ID,
		}).Trace("Error closing session")
	}
}
