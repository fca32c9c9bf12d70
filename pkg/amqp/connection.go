package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/peake100/warren-go/internal/metrics"
	"github.com/rs/zerolog"
)

// liveConnection is one physical connection and the epoch it was opened at.
type liveConnection struct {
	transport   Transport
	epoch       uint64
	connectedAt time.Time

	// dead is closed once the monitor channel of the connection shuts down.
	dead     chan struct{}
	deadOnce sync.Once
}

func (live *liveConnection) markDead() {
	live.deadOnce.Do(func() {
		close(live.dead)
	})
}

func (live *liveConnection) isOpen() bool {
	select {
	case <-live.dead:
		return false
	default:
	}
	return !live.transport.IsClosed()
}

// ConnectionManager owns the physical broker connection. It connects lazily, reconnects
// on demand after the connection is lost, and stamps every connection with a strictly
// increasing epoch so channels can tell when their physical channel is stale.
type ConnectionManager struct {
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Collectors
	state   *TopologyState

	// connectLock is a buffered channel of size 1 used as a mutex, so waiting for the
	// connect path can be abandoned when a context is cancelled.
	connectLock chan struct{}
	epoch       atomic.Uint64
	live        atomic.Pointer[liveConnection]
	// reconnect is true once a first connection has been made. Guarded by connectLock.
	reconnect bool

	observerLock sync.Mutex
	observers    *observerList

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnectionManager creates a ConnectionManager. No connection is made until the
// first call to AcquireConnection or Open.
func NewConnectionManager(config Config) *ConnectionManager {
	config = config.withDefaults()
	logger := config.Logger.With().
		Str("TRANSPORT", "CONNECTION").
		Str("ADDRESS", config.Params.Address()).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())

	return &ConnectionManager{
		config:      config,
		logger:      logger,
		metrics:     metrics.New(config.Registerer),
		state:       NewTopologyState(),
		connectLock: make(chan struct{}, 1),
		observers:   newObserverList(logger),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Config returns the config of the manager with defaults applied.
func (manager *ConnectionManager) Config() Config {
	return manager.config
}

// Logger returns the logger channels derive from.
func (manager *ConnectionManager) Logger() zerolog.Logger {
	return *manager.config.Logger
}

// Metrics returns the prometheus collectors of the manager. May be nil.
func (manager *ConnectionManager) Metrics() *metrics.Collectors {
	return manager.metrics
}

// State returns the topology memo shared by every channel of this manager.
func (manager *ConnectionManager) State() *TopologyState {
	return manager.state
}

// Epoch returns the epoch of the most recent connection. 0 means no connection has been
// made yet. It never blocks.
func (manager *ConnectionManager) Epoch() uint64 {
	return manager.epoch.Load()
}

// IsClosing reports whether Close has been called.
func (manager *ConnectionManager) IsClosing() bool {
	return manager.ctx.Err() != nil
}

// AttachObserver registers observer for connection events. Attaching the same observer
// twice has no effect.
func (manager *ConnectionManager) AttachObserver(observer ConnectionObserver) {
	manager.observerLock.Lock()
	defer manager.observerLock.Unlock()
	manager.observers.attach(observer)
}

// DetachObserver removes observer. Events already queued for it are still delivered.
func (manager *ConnectionManager) DetachObserver(observer ConnectionObserver) {
	manager.observerLock.Lock()
	defer manager.observerLock.Unlock()
	manager.observers.detach(observer)
}

// Open connects to the broker if there is no live connection.
func (manager *ConnectionManager) Open(ctx context.Context) error {
	_, _, err := manager.AcquireConnection(ctx)
	return err
}

// AcquireConnection returns the live connection and its epoch, connecting first if
// there is none. Connect attempts are retried every ReconnectDelay until one succeeds,
// the credentials or vhost are rejected, ctx is cancelled or the manager is closed.
func (manager *ConnectionManager) AcquireConnection(
	ctx context.Context,
) (transport Transport, epoch uint64, err error) {
	if manager.IsClosing() {
		return nil, 0, ErrClosed
	}

	if live := manager.live.Load(); live != nil && live.isOpen() {
		return live.transport, live.epoch, nil
	}

	select {
	case manager.connectLock <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	defer func() {
		<-manager.connectLock
	}()

	// Another caller may have connected while we waited on the lock.
	previous := manager.live.Load()
	if previous != nil && previous.isOpen() {
		return previous.transport, previous.epoch, nil
	}

	if previous != nil {
		_ = previous.transport.Close()

		// Don't hammer a broker that drops us right after accepting the connection.
		if time.Since(previous.connectedAt) < manager.config.MinimumConnectedTime {
			manager.logger.Warn().
				Dur("DELAY", manager.config.ReconnectDelay).
				Msg("connection lost shortly after connecting, delaying reconnect")
			if err = manager.sleep(ctx, manager.config.ReconnectDelay); err != nil {
				return nil, 0, err
			}
		}
	}

	live, err := manager.connect(ctx)
	if err != nil {
		return nil, 0, err
	}

	return live.transport, live.epoch, nil
}

// sleep waits for delay, ctx or the manager closing, whichever comes first.
func (manager *ConnectionManager) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-manager.ctx.Done():
		return ErrClosed
	}
}

// dialed is the result of a single successful connect attempt.
type dialed struct {
	transport Transport
	monitor   TransportChannel
}

// connect must be called with connectLock held.
func (manager *ConnectionManager) connect(ctx context.Context) (*liveConnection, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(manager.ctx, cancel)
	defer stop()

	attempt := 0
	result, err := backoff.Retry(
		dialCtx,
		func() (dialed, error) {
			attempt++
			if manager.logger.Debug().Enabled() {
				manager.logger.Debug().Int("ATTEMPT", attempt).Msg("connecting to broker")
			}

			transport, err := manager.config.Dialer(dialCtx, manager.config.Params)
			if err != nil {
				manager.logger.Error().
					Err(err).
					Int("ATTEMPT", attempt).
					Msg("error connecting to broker")
				if isPermanentDialErr(err) {
					return dialed{}, backoff.Permanent(err)
				}
				return dialed{}, err
			}

			monitor, err := transport.Channel()
			if err != nil {
				_ = transport.Close()
				manager.logger.Error().
					Err(err).
					Int("ATTEMPT", attempt).
					Msg("error opening connection monitor channel")
				return dialed{}, err
			}

			return dialed{transport: transport, monitor: monitor}, nil
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(manager.config.ReconnectDelay)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if manager.IsClosing() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("error connecting to broker: %w", err)
	}

	live := &liveConnection{
		transport:   result.transport,
		epoch:       manager.epoch.Add(1),
		connectedAt: time.Now(),
		dead:        make(chan struct{}),
	}

	closeEvents := result.monitor.NotifyClose(make(chan *Error, 1))
	manager.live.Store(live)
	go manager.monitor(live, result.monitor, closeEvents)

	// Close may have raced the dial.
	if manager.IsClosing() {
		_ = live.transport.Close()
		return nil, ErrClosed
	}

	isReconnect := manager.reconnect
	manager.reconnect = true
	manager.metrics.ObserveConnect(live.epoch, isReconnect)

	manager.logger.Info().
		Uint64("EPOCH", live.epoch).
		Bool("RECONNECT", isReconnect).
		Str("LOCAL_ADDR", addrString(live.transport.LocalAddr())).
		Msg("connected to broker")

	params := manager.config.Params.Redacted()
	if isReconnect {
		manager.observers.send(ReconnectedEvent{
			Params:    params,
			LocalAddr: live.transport.LocalAddr(),
			Epoch:     live.epoch,
		})
	} else {
		manager.observers.send(ConnectedEvent{
			Params:    params,
			LocalAddr: live.transport.LocalAddr(),
			Epoch:     live.epoch,
		})
	}

	return live, nil
}

// monitor waits for the monitor channel of live to shut down. That shutdown is the one
// signal that the connection is gone.
func (manager *ConnectionManager) monitor(
	live *liveConnection, channel TransportChannel, closeEvents chan *Error,
) {
	closeErr := <-closeEvents
	live.markDead()
	_ = channel.Close()

	if manager.IsClosing() {
		return
	}

	event := DisconnectedEvent{Epoch: live.epoch}
	if closeErr != nil {
		event.ReplyCode = uint16(closeErr.Code)
		event.ReplyText = closeErr.Reason
	}

	manager.logger.Warn().
		Uint64("EPOCH", live.epoch).
		Uint16("REPLY_CODE", event.ReplyCode).
		Str("REPLY_TEXT", event.ReplyText).
		Msg("disconnected from broker")

	manager.observers.send(event)
}

// liveDone returns a channel that is closed when the connection of epoch is lost. If
// epoch is not the live connection, the returned channel is already closed.
func (manager *ConnectionManager) liveDone(epoch uint64) <-chan struct{} {
	live := manager.live.Load()
	if live == nil || live.epoch != epoch {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return live.dead
}

// Close closes the live connection and stops all connect attempts. Observers are
// flushed and released. Close is idempotent.
func (manager *ConnectionManager) Close() (err error) {
	manager.closeOnce.Do(func() {
		manager.cancel()

		if live := manager.live.Load(); live != nil {
			live.markDead()
			if closeErr := live.transport.Close(); closeErr != nil &&
				!errors.Is(closeErr, ErrClosed) {
				err = fmt.Errorf("error closing connection: %w", closeErr)
			}
		}

		manager.observerLock.Lock()
		defer manager.observerLock.Unlock()
		manager.observers.close()

		manager.logger.Info().Msg("connection closed")
	})
	return err
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
