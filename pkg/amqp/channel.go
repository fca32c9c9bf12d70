package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peake100/warren-go/internal/serialqueue"
	"github.com/rs/zerolog"
)

// ChannelType describes what a Channel is used for.
type ChannelType int

// Channel types.
const (
	ChannelTypePublish ChannelType = iota
	ChannelTypeConsumeDefault
	ChannelTypeConsumeDedicated
)

// String implements fmt.Stringer.
func (channelType ChannelType) String() string {
	switch channelType {
	case ChannelTypePublish:
		return "publish"
	case ChannelTypeConsumeDefault:
		return "consume"
	case ChannelTypeConsumeDedicated:
		return "consume-dedicated"
	default:
		return fmt.Sprintf("ChannelType(%d)", int(channelType))
	}
}

// ChannelOptions configures every physical channel a Channel opens.
type ChannelOptions struct {
	Type ChannelType
	// PublisherConfirms puts the channel in confirm mode.
	PublisherConfirms bool
	// PrefetchCount is applied with basic.qos when greater than 0.
	PrefetchCount int
	// OnInit runs once for every new physical channel, before any operation uses it.
	OnInit func(handle *ChannelHandle) error
	// Handlers tracks consumer handlers started from this channel. Channels sharing a
	// tracker can be drained together. If nil, the Channel creates its own.
	Handlers *HandlerTracker
}

// ChannelObserver is notified when the physical channel of a Channel shuts down and
// when it has been replaced. Observers are called from the Channel's operation queue:
// they must not wait on operations queued on the same Channel.
type ChannelObserver interface {
	OnShutdown(event ShutdownEvent)
	OnRecreated(handle *ChannelHandle)
}

// Channel is a resilient logical channel. It opens a physical channel on first use,
// replaces it after it shuts down, and runs every operation on it one at a time in the
// order they were enqueued.
type Channel struct {
	manager *ConnectionManager
	options ChannelOptions
	logger  zerolog.Logger

	queue *serialqueue.Queue
	// handle and lastHandle are only accessed from queued operations.
	handle     *ChannelHandle
	lastHandle *ChannelHandle

	observerLock sync.Mutex
	observers    []ChannelObserver

	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannel creates a Channel on manager. No physical channel is opened until the
// first operation or Open.
func NewChannel(manager *ConnectionManager, options ChannelOptions) *Channel {
	if options.Handlers == nil {
		options.Handlers = NewHandlerTracker(manager.Metrics())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		manager: manager,
		options: options,
		logger: manager.Logger().With().
			Str("TRANSPORT", "CHANNEL").
			Str("CHANNEL_TYPE", options.Type.String()).
			Logger(),
		queue:  new(serialqueue.Queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Type returns the type the channel was created with.
func (channel *Channel) Type() ChannelType {
	return channel.options.Type
}

// Handlers returns the tracker of consumer handlers started on this channel.
func (channel *Channel) Handlers() *HandlerTracker {
	return channel.options.Handlers
}

// Manager returns the connection manager of the channel.
func (channel *Channel) Manager() *ConnectionManager {
	return channel.manager
}

// AttachObserver registers observer for shutdown and recreation notifications.
func (channel *Channel) AttachObserver(observer ChannelObserver) {
	channel.observerLock.Lock()
	defer channel.observerLock.Unlock()
	channel.observers = append(channel.observers, observer)
}

// DetachObserver removes observer.
func (channel *Channel) DetachObserver(observer ChannelObserver) {
	channel.observerLock.Lock()
	defer channel.observerLock.Unlock()
	for i, existing := range channel.observers {
		if existing == observer {
			channel.observers = append(channel.observers[:i], channel.observers[i+1:]...)
			return
		}
	}
}

func (channel *Channel) observerSnapshot() []ChannelObserver {
	channel.observerLock.Lock()
	defer channel.observerLock.Unlock()
	snapshot := make([]ChannelObserver, len(channel.observers))
	copy(snapshot, channel.observers)
	return snapshot
}

// IsClosing reports whether the channel or its connection manager is closing.
func (channel *Channel) IsClosing() bool {
	return channel.closing.Load() || channel.manager.IsClosing()
}

// Open eagerly opens the physical channel.
func (channel *Channel) Open(ctx context.Context) error {
	return channel.Enqueue(ctx, func(*ChannelHandle) error { return nil })
}

// Enqueue runs op on the physical channel after every previously enqueued operation
// has finished, and waits for it. Cancelling ctx stops waiting for a channel to become
// available; once op has started, it runs to completion.
func (channel *Channel) Enqueue(ctx context.Context, op func(handle *ChannelHandle) error) error {
	_, err := EnqueueValue(ctx, channel, func(handle *ChannelHandle) (struct{}, error) {
		return struct{}{}, op(handle)
	})
	return err
}

// EnqueueValue is as Channel.Enqueue for an operation that returns a value.
func EnqueueValue[T any](
	ctx context.Context, channel *Channel, op func(handle *ChannelHandle) (T, error),
) (T, error) {
	if channel.closing.Load() {
		var zero T
		return zero, ErrClosed
	}

	future := serialqueue.Submit(channel.queue, func() (T, error) {
		// The caller may have stopped waiting while earlier operations ran.
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}

		handle, err := channel.acquireHandle(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		return op(handle)
	})

	value, err := future.Wait(ctx)
	if errors.Is(err, serialqueue.ErrQueueClosed) {
		err = ErrClosed
	}
	return value, err
}

// EnqueueRetry is as Enqueue, but when op fails because its physical channel or
// connection died, it is enqueued again on a fresh channel until it succeeds, fails
// for another reason or ctx is cancelled.
func (channel *Channel) EnqueueRetry(
	ctx context.Context, op func(handle *ChannelHandle) error,
) error {
	for {
		err := channel.Enqueue(ctx, op)
		if err == nil || !IsConnectionInvalidated(err) || channel.IsClosing() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if channel.logger.Debug().Enabled() {
			channel.logger.Debug().Err(err).Msg("retrying operation on new channel")
		}
	}
}

// enqueueBackground adds op without waiting for it. Used by the shutdown path, which
// may run inside another queued operation.
func (channel *Channel) enqueueBackground(op func() error) {
	channel.queue.Add(op)
}

// acquireHandle returns the current physical channel, opening a new one when there is
// none or the current one is dead. Must be called from a queued operation.
func (channel *Channel) acquireHandle(ctx context.Context) (*ChannelHandle, error) {
	if channel.handle != nil && channel.handle.usable() {
		return channel.handle, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(channel.ctx, cancel)
	defer stop()

	for {
		if channel.IsClosing() {
			return nil, ErrClosed
		}

		transport, epoch, err := channel.manager.AcquireConnection(ctx)
		if err != nil {
			if channel.IsClosing() {
				return nil, ErrClosed
			}
			return nil, err
		}

		// Don't hammer a broker that keeps closing new channels on a live connection.
		last := channel.lastHandle
		if last != nil &&
			last.epoch == epoch &&
			last.IsClosed() &&
			time.Since(last.createdAt) < channel.manager.config.MinimumChannelLifetime {
			channel.logger.Warn().
				Dur("DELAY", channel.manager.config.ChannelRecreateDelay).
				Msg("channel closed shortly after opening, delaying recreate")
			if err = channel.sleep(ctx, channel.manager.config.ChannelRecreateDelay); err != nil {
				return nil, err
			}
			// Prevent a second delay if opening fails below.
			channel.lastHandle = nil
		}

		handle, err := channel.openHandle(transport, epoch)
		if err == nil {
			channel.handle = handle
			channel.lastHandle = handle
			return handle, nil
		}

		channel.logger.Error().
			Err(err).
			Uint64("EPOCH", epoch).
			Msg("error opening channel, retrying")
		if err = channel.sleep(ctx, channel.manager.config.ChannelRecreateDelay); err != nil {
			return nil, err
		}
	}
}

func (channel *Channel) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if channel.IsClosing() {
			return ErrClosed
		}
		return ctx.Err()
	}
}

// openHandle opens and configures a physical channel on transport.
func (channel *Channel) openHandle(transport Transport, epoch uint64) (*ChannelHandle, error) {
	raw, err := transport.Channel()
	if err != nil {
		return nil, fmt.Errorf("error opening physical channel: %w", err)
	}

	handle := newChannelHandle(channel, raw, epoch)
	closeEvents := raw.NotifyClose(make(chan *Error, 1))
	go handle.watch(closeEvents)

	setupErr := channel.setupHandle(handle)
	if setupErr != nil {
		handle.shutdown(ShutdownEvent{Epoch: epoch, ReplyText: "channel setup failed"})
		return nil, setupErr
	}

	handle.installed.Store(true)
	// The channel may have died during setup before the handle was installed.
	if handle.IsClosed() {
		return nil, fmt.Errorf("channel closed during setup: %w", ErrClosed)
	}

	channel.logger.Debug().Uint64("EPOCH", epoch).Msg("channel opened")
	return handle, nil
}

func (channel *Channel) setupHandle(handle *ChannelHandle) error {
	if channel.options.PublisherConfirms {
		if err := handle.raw.Confirm(false); err != nil {
			return fmt.Errorf("error enabling publisher confirms: %w", err)
		}
		handle.confirms = newConfirmTracker(channel.manager.Metrics())
		// Unbuffered: returns must be processed before the acks that follow them.
		confirms := handle.raw.NotifyPublish(make(chan Confirmation))
		returns := handle.raw.NotifyReturn(make(chan Return))
		go handle.confirms.run(confirms, returns)
	}

	if channel.options.PrefetchCount > 0 {
		if err := handle.raw.Qos(channel.options.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("error setting prefetch count: %w", err)
		}
	}

	if channel.options.OnInit != nil {
		if err := channel.options.OnInit(handle); err != nil {
			return fmt.Errorf("error running channel init: %w", err)
		}
	}

	return nil
}

// handleShutdown is called once by a handle whose physical channel shut down. It
// queues the observer notification and, unless the channel is closing, a recreate.
func (channel *Channel) handleShutdown(handle *ChannelHandle, event ShutdownEvent) {
	logEvent := channel.logger.Info()
	if !event.IsClosing {
		logEvent = channel.logger.Warn()
	}
	logEvent.
		Uint64("EPOCH", event.Epoch).
		Uint16("REPLY_CODE", event.ReplyCode).
		Str("REPLY_TEXT", event.ReplyText).
		Bool("CLOSING", event.IsClosing).
		Msg("channel shut down")

	channel.enqueueBackground(func() error {
		if channel.handle == handle {
			channel.handle = nil
		}
		for _, observer := range channel.observerSnapshot() {
			observer.OnShutdown(event)
		}
		return nil
	})

	if event.IsClosing {
		return
	}

	channel.enqueueBackground(func() error {
		recreated, err := channel.acquireHandle(channel.ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				channel.logger.Error().Err(err).Msg("error recreating channel")
			}
			return err
		}

		channel.manager.Metrics().ObserveChannelRecreated(channel.options.Type.String())
		channel.logger.Info().Uint64("EPOCH", recreated.epoch).Msg("channel recreated")

		for _, observer := range channel.observerSnapshot() {
			observer.OnRecreated(recreated)
		}
		return nil
	})
}

// Close closes the physical channel and rejects further operations. Operations already
// queued fail with ErrClosed. Consumer handlers are not waited for, see
// HandlerTracker.WaitAll.
func (channel *Channel) Close(ctx context.Context) error {
	if channel.closing.Swap(true) {
		return nil
	}
	channel.cancel()

	// Closing the handle must run after whatever operation is in flight.
	closed := channel.queue.Add(func() error {
		handle := channel.handle
		channel.handle = nil
		if handle != nil {
			handle.shutdown(ShutdownEvent{
				Epoch:     handle.epoch,
				ReplyText: "channel closed",
				IsClosing: true,
			})
		}
		return nil
	})

	// The queue is still open, so this only fails on ctx.
	if _, err := closed.Wait(ctx); err != nil {
		return err
	}
	return channel.queue.Close(ctx)
}
