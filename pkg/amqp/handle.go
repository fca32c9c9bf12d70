package amqp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// QueueBinding binds a queue to an exchange with a routing key. It is comparable, so
// it can be used as a map key or set member.
type QueueBinding struct {
	Exchange   string
	RoutingKey string
}

// String implements fmt.Stringer.
func (binding QueueBinding) String() string {
	return binding.Exchange + ":" + binding.RoutingKey
}

// ShutdownEvent describes the shutdown of a physical channel.
type ShutdownEvent struct {
	// Epoch of the connection the channel was opened on.
	Epoch     uint64
	ReplyCode uint16
	ReplyText string
	// IsClosing is true when the shutdown was caused by closing the Channel or its
	// ConnectionManager. No replacement channel will be opened.
	IsClosing bool
}

// ChannelHandle is one physical channel bound to the connection epoch it was opened on.
// Once its epoch is no longer current every operation on it fails fast with
// ErrConnectionInvalidated, and the handle is never reused.
//
// Handles are passed to operations queued on a Channel. Their methods must only be
// called from within those operations.
type ChannelHandle struct {
	owner     *Channel
	raw       TransportChannel
	epoch     uint64
	createdAt time.Time
	confirms  *confirmTracker

	closed       chan struct{}
	shutdownOnce sync.Once
	// installed is set once the handle has been handed to the owning Channel. A handle
	// that failed setup shuts down without notifying the owner.
	installed atomic.Bool
}

func newChannelHandle(owner *Channel, raw TransportChannel, epoch uint64) *ChannelHandle {
	return &ChannelHandle{
		owner:     owner,
		raw:       raw,
		epoch:     epoch,
		createdAt: time.Now(),
		closed:    make(chan struct{}),
	}
}

// Epoch returns the connection epoch the handle was opened on.
func (handle *ChannelHandle) Epoch() uint64 {
	return handle.epoch
}

// CreatedAt returns when the physical channel was opened.
func (handle *ChannelHandle) CreatedAt() time.Time {
	return handle.createdAt
}

// Closed returns a channel that is closed when the physical channel shuts down.
func (handle *ChannelHandle) Closed() <-chan struct{} {
	return handle.closed
}

// IsClosed reports whether the physical channel has shut down.
func (handle *ChannelHandle) IsClosed() bool {
	select {
	case <-handle.closed:
		return true
	default:
		return false
	}
}

// usable reports whether the handle can serve further operations.
func (handle *ChannelHandle) usable() bool {
	return !handle.IsClosed() && handle.epoch == handle.owner.manager.Epoch()
}

// validate fails with ErrConnectionInvalidated when the handle's epoch is stale, and
// starts the channel's shutdown path so the handle is replaced.
func (handle *ChannelHandle) validate() error {
	current := handle.owner.manager.Epoch()
	if handle.epoch != current {
		handle.shutdown(ShutdownEvent{
			Epoch:     handle.epoch,
			ReplyText: "connection epoch changed",
			IsClosing: handle.owner.IsClosing(),
		})
		return ErrConnectionInvalidated{Expected: handle.epoch, Current: current}
	}

	if handle.IsClosed() {
		return ErrClosed
	}
	return nil
}

// watch waits for the physical channel or its connection to go away.
func (handle *ChannelHandle) watch(closeEvents chan *Error) {
	event := ShutdownEvent{Epoch: handle.epoch}

	select {
	case closeErr := <-closeEvents:
		if closeErr != nil {
			event.ReplyCode = uint16(closeErr.Code)
			event.ReplyText = closeErr.Reason
		}
	case <-handle.owner.manager.liveDone(handle.epoch):
		// Not every physical channel is told when its connection dies.
		event.ReplyText = "connection lost"
	case <-handle.closed:
		return
	}

	event.IsClosing = handle.owner.IsClosing()
	handle.shutdown(event)
}

// shutdown marks the handle dead, cancels its pending confirms and notifies the owner.
// Only the first call has an effect.
func (handle *ChannelHandle) shutdown(event ShutdownEvent) {
	handle.shutdownOnce.Do(func() {
		close(handle.closed)
		if handle.confirms != nil {
			handle.confirms.Cancel()
		}
		_ = handle.raw.Close()

		if handle.installed.Load() {
			handle.owner.handleShutdown(handle, event)
		}
	})
}

// Publish sends a message. With publisher confirms enabled, the returned PendingConfirm
// resolves when the broker acks, nacks or returns the message. Without confirms the
// message is fire-and-forget: mandatory is ignored and the returned confirm is already
// resolved.
func (handle *ChannelHandle) Publish(
	exchange string, routingKey string, mandatory bool, msg Publishing,
) (*PendingConfirm, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}

	if handle.confirms == nil {
		if err := handle.raw.Publish(exchange, routingKey, false, false, msg); err != nil {
			return nil, fmt.Errorf("error publishing message: %w", err)
		}
		pending := newPendingConfirm(exchange, routingKey, 0, nil)
		pending.resolve(nil)
		return pending, nil
	}

	pending := handle.confirms.Track(exchange, routingKey)
	if err := handle.raw.Publish(exchange, routingKey, mandatory, false, msg); err != nil {
		err = fmt.Errorf("error publishing message: %w", err)
		handle.confirms.Forget(pending, err)
		return nil, err
	}

	return pending, nil
}

// QueueDeclare declares a queue.
func (handle *ChannelHandle) QueueDeclare(
	name string, durable bool, autoDelete bool, exclusive bool, args Table,
) (Queue, error) {
	if err := handle.validate(); err != nil {
		return Queue{}, err
	}
	queue, err := handle.raw.QueueDeclare(name, durable, autoDelete, exclusive, false, args)
	if err != nil {
		return Queue{}, fmt.Errorf("error declaring queue '%v': %w", name, err)
	}
	return queue, nil
}

// QueueDeclarePassive checks that a queue exists. A missing queue closes the physical
// channel with a NotFound error.
func (handle *ChannelHandle) QueueDeclarePassive(name string) (Queue, error) {
	if err := handle.validate(); err != nil {
		return Queue{}, err
	}
	queue, err := handle.raw.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return Queue{}, fmt.Errorf("error verifying queue '%v': %w", name, err)
	}
	return queue, nil
}

// QueueBind binds queue, declaring the binding's exchange first if this connection
// manager has not declared it before.
func (handle *ChannelHandle) QueueBind(queue string, binding QueueBinding) error {
	if err := handle.validate(); err != nil {
		return err
	}
	if err := handle.DeclareExchange(binding.Exchange); err != nil {
		return err
	}
	err := handle.raw.QueueBind(queue, binding.RoutingKey, binding.Exchange, false, nil)
	if err != nil {
		return fmt.Errorf("error binding queue '%v' to %v: %w", queue, binding, err)
	}
	return nil
}

// QueueUnbind removes a binding from queue.
func (handle *ChannelHandle) QueueUnbind(queue string, binding QueueBinding) error {
	if err := handle.validate(); err != nil {
		return err
	}
	err := handle.raw.QueueUnbind(queue, binding.RoutingKey, binding.Exchange, nil)
	if err != nil {
		return fmt.Errorf("error unbinding queue '%v' from %v: %w", queue, binding, err)
	}
	return nil
}

// QueueDelete deletes queue and returns the number of messages it held. With ifEmpty
// the broker refuses with PreconditionFailed when the queue holds messages.
func (handle *ChannelHandle) QueueDelete(queue string, ifEmpty bool) (int, error) {
	if err := handle.validate(); err != nil {
		return 0, err
	}
	purged, err := handle.raw.QueueDelete(queue, false, ifEmpty, false)
	if err != nil {
		return 0, fmt.Errorf("error deleting queue '%v': %w", queue, err)
	}
	return purged, nil
}

// DeclareExchange declares a durable topic exchange once per connection manager.
func (handle *ChannelHandle) DeclareExchange(exchange string) error {
	if err := handle.validate(); err != nil {
		return err
	}

	state := handle.owner.manager.State()
	if exchange == "" || state.IsExchangeDeclared(exchange) {
		return nil
	}

	err := handle.raw.ExchangeDeclare(exchange, ExchangeTopic, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error declaring exchange '%v': %w", exchange, err)
	}
	state.SetExchangeDeclared(exchange)
	return nil
}
