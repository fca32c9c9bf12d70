// Package rconsumer consumes queues on resilient channels: it declares the topology of
// registered queues, starts their consumers and starts them again whenever a physical
// channel is replaced.
package rconsumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/roger/rconsumer/middleware"
	"github.com/peake100/warren-go/pkg/topology"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoHandler is returned by Subscriber.Register for a Registration without a
// handler.
var ErrNoHandler = errors.New("registration has no handler")

// ErrStopped is returned when registering or resuming on a stopped Subscriber.
var ErrStopped = errors.New("subscriber stopped")

// Registration describes a queue to consume and how its deliveries are handled.
type Registration struct {
	// Queue is the name of a durable queue. Leave empty to consume a dynamic queue.
	Queue string
	// DynamicPrefix prefixes the generated name of a dynamic queue. If empty, the broker
	// names the queue.
	DynamicPrefix string
	// Bindings the queue must have. Bindings of a durable queue not in this list are
	// removed in TopologyDeclare mode.
	Bindings []amqp.QueueBinding
	// Args are the queue arguments.
	Args amqp.Table
	// DedicatedChannel consumes the queue on a channel of its own instead of the
	// channel shared by other registrations.
	DedicatedChannel bool
	// Handler is called for every delivery.
	Handler amqp.HandlerFunc
}

// IsDynamic reports whether registration consumes a dynamic queue.
func (registration Registration) IsDynamic() bool {
	return registration.Queue == ""
}

// subscription is a registration bound to the channel it consumes on.
type subscription struct {
	registration Registration
	channel      *amqp.Channel
	handler      amqp.HandlerFunc
	logger       zerolog.Logger

	lock sync.Mutex
	// active is true between Resume and Stop.
	active bool
	// queue is the name consumed. For a dynamic queue it changes every time the queue
	// is declared again.
	queue      string
	queueEpoch uint64
	// handle is the physical channel the consumer was last started on.
	handle   *amqp.ChannelHandle
	consumer *amqp.ConsumerHandle
}

// declareDynamicOn declares the dynamic queue and its bindings. Must be called with
// the lock held.
func (sub *subscription) declareDynamicOn(handle *amqp.ChannelHandle) error {
	name, err := topology.DeclareDynamicOn(
		handle, sub.registration.DynamicPrefix, sub.registration.Args,
	)
	if err != nil {
		return err
	}

	for _, binding := range sub.registration.Bindings {
		if err = handle.QueueBind(name, binding); err != nil {
			return err
		}
	}

	sub.queue = name
	sub.queueEpoch = handle.Epoch()
	sub.logger.Info().
		Str("QUEUE", name).
		Uint64("EPOCH", sub.queueEpoch).
		Msg("dynamic queue declared")
	return nil
}

// consumeOn starts the consumer on handle unless it already runs there. A dynamic queue
// is declared again when it belongs to an older connection or a previous physical
// channel consumed it, since auto-delete removed it when that consumer went away.
func (sub *subscription) consumeOn(handle *amqp.ChannelHandle) error {
	sub.lock.Lock()
	defer sub.lock.Unlock()

	if !sub.active || sub.handle == handle {
		return nil
	}

	if sub.registration.IsDynamic() &&
		(sub.queue == "" || sub.queueEpoch != handle.Epoch() || sub.handle != nil) {
		if err := sub.declareDynamicOn(handle); err != nil {
			return err
		}
	}

	consumer, err := handle.Consume(sub.queue, sub.handler)
	if err != nil {
		return err
	}

	sub.handle = handle
	sub.consumer = consumer
	if consumer != nil {
		sub.logger.Info().
			Str("QUEUE", sub.queue).
			Uint64("EPOCH", handle.Epoch()).
			Msg("consuming queue")
	}
	return nil
}

// deactivate stops resuming the subscription and returns its current consumer.
func (sub *subscription) deactivate() *amqp.ConsumerHandle {
	sub.lock.Lock()
	defer sub.lock.Unlock()

	sub.active = false
	consumer := sub.consumer
	sub.consumer = nil
	return consumer
}

func (sub *subscription) queueName() string {
	sub.lock.Lock()
	defer sub.lock.Unlock()
	return sub.queue
}

// channelObserver starts the consumers of one channel again on every new physical
// channel.
type channelObserver struct {
	subscriber *Subscriber
	channel    *amqp.Channel
}

// OnShutdown implements amqp.ChannelObserver.
func (observer *channelObserver) OnShutdown(event amqp.ShutdownEvent) {
	if event.IsClosing {
		return
	}
	observer.subscriber.logger.Debug().
		Str("CHANNEL_TYPE", observer.channel.Type().String()).
		Uint64("EPOCH", event.Epoch).
		Msg("consumer channel shut down, waiting for recreate")
}

// OnRecreated implements amqp.ChannelObserver. It runs inside the channel's operation
// queue, so consumers are started on handle directly.
func (observer *channelObserver) OnRecreated(handle *amqp.ChannelHandle) {
	for _, sub := range observer.subscriber.subscriptionSnapshot() {
		if sub.channel != observer.channel {
			continue
		}
		if err := sub.consumeOn(handle); err != nil {
			sub.logger.Error().
				Err(err).
				Uint64("EPOCH", handle.Epoch()).
				Msg("error resuming consumer on recreated channel")
		}
	}
}

// Subscriber consumes registered queues. Call Register for every queue, then
// ApplyBindings to set up their topology and Resume to start consuming. Consumers are
// restarted automatically after their physical channel or connection is replaced,
// until Stop.
type Subscriber struct {
	manager  *amqp.ConnectionManager
	handlers *amqp.HandlerTracker
	shared   *amqp.Channel
	topology *topology.Manager
	chain    *middleware.Middlewares
	logger   zerolog.Logger
	opts     Opts

	lock          sync.Mutex
	subscriptions []*subscription
	channels      []*amqp.Channel
	obsolete      []string
	stopped       bool
}

// New creates a Subscriber consuming through manager. If opts is nil, default options
// will be used.
func New(manager *amqp.ConnectionManager, opts *Opts) *Subscriber {
	if opts == nil {
		opts = NewOpts()
	}

	logger := manager.Logger()
	if opts.logger != nil {
		logger = *opts.logger
	}

	chain := middleware.NewMiddlewares()
	if opts.middleware != nil {
		chain = opts.middleware.Clone()
	}
	if !opts.noLoggingMiddleware {
		// A caller supplied logging provider replaces the default one.
		_ = chain.AddProvider(middleware.NewDefaultLogging(
			logger.With().Str("COMPONENT", "CONSUMER").Logger(),
			opts.logDeliveryLevel,
			opts.logSuccessLevel,
		))
	}

	subscriber := &Subscriber{
		manager:  manager,
		handlers: amqp.NewHandlerTracker(manager.Metrics()),
		chain:    chain,
		logger:   logger.With().Str("COMPONENT", "SUBSCRIBER").Logger(),
		opts:     *opts,
	}

	subscriber.shared = subscriber.newChannel(amqp.ChannelTypeConsumeDefault)
	subscriber.topology = topology.NewManager(
		subscriber.shared,
		topology.NewOpts().
			WithLogger(&logger).
			WithManagementOpts(opts.management),
	)

	return subscriber
}

// newChannel creates a consume channel sharing the subscriber's handler tracker. Must
// be called with the lock held, or before the subscriber is shared.
func (subscriber *Subscriber) newChannel(channelType amqp.ChannelType) *amqp.Channel {
	channel := amqp.NewChannel(subscriber.manager, amqp.ChannelOptions{
		Type:          channelType,
		PrefetchCount: subscriber.manager.Config().Params.PrefetchCount,
		Handlers:      subscriber.handlers,
	})
	channel.AttachObserver(&channelObserver{subscriber: subscriber, channel: channel})
	subscriber.channels = append(subscriber.channels, channel)
	return channel
}

// Handlers returns the tracker of every handler started by the subscriber.
func (subscriber *Subscriber) Handlers() *amqp.HandlerTracker {
	return subscriber.handlers
}

// Topology returns the topology manager the subscriber declares queues with.
func (subscriber *Subscriber) Topology() *topology.Manager {
	return subscriber.topology
}

// Register adds a queue to consume. Registering after Resume requires calling
// ApplyBindings and Resume again for the new queue.
func (subscriber *Subscriber) Register(registration Registration) error {
	if registration.Handler == nil {
		return ErrNoHandler
	}

	subscriber.lock.Lock()
	defer subscriber.lock.Unlock()

	if subscriber.stopped {
		return ErrStopped
	}

	channel := subscriber.shared
	if registration.DedicatedChannel {
		channel = subscriber.newChannel(amqp.ChannelTypeConsumeDedicated)
	}

	logger := subscriber.logger.With()
	if registration.IsDynamic() {
		logger = logger.Str("DYNAMIC_PREFIX", registration.DynamicPrefix)
	} else {
		logger = logger.Str("QUEUE", registration.Queue)
	}

	subscriber.subscriptions = append(subscriber.subscriptions, &subscription{
		registration: registration,
		channel:      channel,
		handler:      subscriber.chain.Wrap(recoverPanicMiddleware(registration.Handler)),
		logger:       logger.Logger(),
		queue:        registration.Queue,
	})
	return nil
}

// AddObsoleteQueue names a durable queue that is no longer used. ApplyBindings deletes
// it in TopologyDeclare mode once it is empty, and strips its bindings until then.
func (subscriber *Subscriber) AddObsoleteQueue(queue string) {
	subscriber.lock.Lock()
	defer subscriber.lock.Unlock()
	subscriber.obsolete = append(subscriber.obsolete, queue)
}

func (subscriber *Subscriber) subscriptionSnapshot() []*subscription {
	subscriber.lock.Lock()
	defer subscriber.lock.Unlock()
	return append([]*subscription(nil), subscriber.subscriptions...)
}

// Queues returns the names of the consumed queues in registration order. A dynamic
// queue is empty until it has been declared.
func (subscriber *Subscriber) Queues() []string {
	subs := subscriber.subscriptionSnapshot()
	names := make([]string, len(subs))
	for i, sub := range subs {
		names[i] = sub.queueName()
	}
	return names
}

// ApplyBindings sets up the topology of every registration: dynamic queues are declared
// and bound, durable queues are handled according to the TopologyMode, after which
// obsolete queues are removed.
func (subscriber *Subscriber) ApplyBindings(ctx context.Context) error {
	for _, sub := range subscriber.subscriptionSnapshot() {
		var err error
		switch {
		case sub.registration.IsDynamic():
			err = sub.channel.EnqueueRetry(ctx, func(handle *amqp.ChannelHandle) error {
				sub.lock.Lock()
				defer sub.lock.Unlock()
				if sub.queue != "" && sub.queueEpoch == handle.Epoch() {
					return nil
				}
				return sub.declareDynamicOn(handle)
			})
		case subscriber.opts.topologyMode == TopologyDeclare:
			err = subscriber.topology.DeclareDurable(
				ctx, sub.registration.Queue, sub.registration.Bindings, sub.registration.Args,
			)
		case subscriber.opts.topologyMode == TopologyVerify:
			err = subscriber.topology.VerifyDurable(
				ctx, sub.registration.Queue, sub.registration.Args,
			)
		}
		if err != nil {
			return fmt.Errorf("error applying bindings: %w", err)
		}
	}

	if subscriber.opts.topologyMode != TopologyDeclare {
		return nil
	}

	subscriber.lock.Lock()
	obsolete := append([]string(nil), subscriber.obsolete...)
	subscriber.lock.Unlock()

	for _, queue := range obsolete {
		if err := subscriber.topology.DeleteDurable(ctx, queue, true); err != nil {
			return fmt.Errorf("error removing obsolete queue: %w", err)
		}
	}
	return nil
}

// Resume starts consuming every registered queue. Consumers that already run on their
// current physical channel are left alone.
func (subscriber *Subscriber) Resume(ctx context.Context) error {
	subscriber.lock.Lock()
	stopped := subscriber.stopped
	subscriber.lock.Unlock()
	if stopped {
		return ErrStopped
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, sub := range subscriber.subscriptionSnapshot() {
		group.Go(func() error {
			sub.lock.Lock()
			sub.active = true
			sub.lock.Unlock()

			err := sub.channel.EnqueueRetry(groupCtx, sub.consumeOn)
			if err != nil {
				return fmt.Errorf("error consuming queue '%v': %w", sub.queueName(), err)
			}
			return nil
		})
	}

	return group.Wait()
}

// Stop cancels every consumer. Consumers are not restarted afterwards. Handlers that
// are still running are not waited for, see Handlers.
func (subscriber *Subscriber) Stop(ctx context.Context) error {
	subscriber.lock.Lock()
	subscriber.stopped = true
	subscriber.lock.Unlock()

	group := new(errgroup.Group)
	for _, sub := range subscriber.subscriptionSnapshot() {
		consumer := sub.deactivate()
		if consumer == nil {
			continue
		}
		group.Go(func() error {
			return consumer.Cancel(ctx)
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("error stopping consumers: %w", err)
	}
	return nil
}

// Close stops the subscriber and closes its channels.
func (subscriber *Subscriber) Close(ctx context.Context) error {
	stopErr := subscriber.Stop(ctx)

	subscriber.lock.Lock()
	channels := append([]*amqp.Channel(nil), subscriber.channels...)
	subscriber.lock.Unlock()

	group := new(errgroup.Group)
	for _, channel := range channels {
		group.Go(func() error {
			return channel.Close(ctx)
		})
	}

	return errors.Join(stopErr, group.Wait())
}
