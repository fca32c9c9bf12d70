package amqptest

import (
	"fmt"

	events "github.com/docker/go-events"
	"github.com/google/uuid"
	"github.com/peake100/warren-go/pkg/amqp"
	streadway "github.com/streadway/amqp"
)

type unackedMessage struct {
	queue   string
	message storedMessage
}

type confirmEvent struct {
	listeners    []chan amqp.Confirmation
	confirmation amqp.Confirmation
}

type returnEvent struct {
	listeners []chan amqp.Return
	returned  amqp.Return
}

// channelEventSink delivers confirms and returns in the order they were produced,
// blocking on each listener like the streadway reader goroutine does.
type channelEventSink struct{}

// Write implements events.Sink.
func (channelEventSink) Write(event events.Event) error {
	switch typed := event.(type) {
	case confirmEvent:
		for _, listener := range typed.listeners {
			listener <- typed.confirmation
		}
	case returnEvent:
		for _, listener := range typed.listeners {
			listener <- typed.returned
		}
	}
	return nil
}

// Close implements events.Sink.
func (channelEventSink) Close() error {
	return nil
}

// fakeChannel is a channel on a fakeConnection. Its mutable fields are guarded by the
// broker's lock.
type fakeChannel struct {
	conn   *fakeConnection
	broker *FakeBroker
	events *events.Queue

	closed      bool
	confirming  bool
	publishSeq  uint64
	deliveryTag uint64
	prefetch    int
	unacked     map[uint64]unackedMessage
	consumers   map[string]*fakeConsumer

	closeListeners   []chan *amqp.Error
	confirmListeners []chan amqp.Confirmation
	returnListeners  []chan amqp.Return
}

func newFakeChannel(conn *fakeConnection) *fakeChannel {
	return &fakeChannel{
		conn:      conn,
		broker:    conn.broker,
		events:    events.NewQueue(channelEventSink{}),
		unacked:   make(map[uint64]unackedMessage),
		consumers: make(map[string]*fakeConsumer),
	}
}

// hasCapacity must be called with the lock held.
func (channel *fakeChannel) hasCapacity() bool {
	return !channel.closed && (channel.prefetch == 0 || len(channel.unacked) < channel.prefetch)
}

func channelError(code int, format string, args ...interface{}) *amqp.Error {
	return &amqp.Error{
		Code:    code,
		Reason:  fmt.Sprintf(format, args...),
		Server:  true,
		Recover: false,
	}
}

// fail closes the channel with err, as the broker does for channel exceptions, and
// returns err. Must be called without the lock held.
func (channel *fakeChannel) fail(err *amqp.Error) error {
	channel.shutdown(err)
	return err
}

// shutdown closes the channel. Unacknowledged messages are requeued and consumers are
// stopped. err is nil for a client-initiated close.
func (channel *fakeChannel) shutdown(err *amqp.Error) {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return
	}
	channel.closed = true

	for tag, unacked := range channel.unacked {
		broker.requeue(unacked.queue, unacked.message)
		delete(channel.unacked, tag)
	}

	consumers := make([]*fakeConsumer, 0, len(channel.consumers))
	for tag, consumer := range channel.consumers {
		broker.removeConsumer(consumer)
		consumers = append(consumers, consumer)
		delete(channel.consumers, tag)
	}

	for _, queue := range broker.queues {
		broker.dispatch(queue)
	}

	closeListeners := channel.closeListeners
	confirmListeners := channel.confirmListeners
	returnListeners := channel.returnListeners
	channel.closeListeners = nil
	channel.confirmListeners = nil
	channel.returnListeners = nil
	broker.lock.Unlock()

	for _, consumer := range consumers {
		consumer.close()
	}

	// Flush confirms and returns already produced before closing their listeners.
	_ = channel.events.Close()

	for _, listener := range closeListeners {
		if err != nil {
			listener <- err
		}
		close(listener)
	}
	for _, listener := range confirmListeners {
		close(listener)
	}
	for _, listener := range returnListeners {
		close(listener)
	}
}

// Close implements amqp.TransportChannel.
func (channel *fakeChannel) Close() error {
	channel.broker.lock.Lock()
	closed := channel.closed
	channel.broker.lock.Unlock()

	if closed {
		return amqp.ErrClosed
	}
	channel.shutdown(nil)
	return nil
}

// Confirm implements amqp.TransportChannel.
func (channel *fakeChannel) Confirm(noWait bool) error {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()
	if channel.closed {
		return amqp.ErrClosed
	}
	channel.confirming = true
	return nil
}

// Qos implements amqp.TransportChannel.
func (channel *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()
	if channel.closed {
		return amqp.ErrClosed
	}
	channel.prefetch = prefetchCount
	return nil
}

// NotifyClose implements amqp.TransportChannel.
func (channel *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()
	if channel.closed {
		close(receiver)
		return receiver
	}
	channel.closeListeners = append(channel.closeListeners, receiver)
	return receiver
}

// NotifyPublish implements amqp.TransportChannel.
func (channel *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()
	if channel.closed {
		close(confirm)
		return confirm
	}
	channel.confirmListeners = append(channel.confirmListeners, confirm)
	return confirm
}

// NotifyReturn implements amqp.TransportChannel.
func (channel *fakeChannel) NotifyReturn(returns chan amqp.Return) chan amqp.Return {
	channel.broker.lock.Lock()
	defer channel.broker.lock.Unlock()
	if channel.closed {
		close(returns)
		return returns
	}
	channel.returnListeners = append(channel.returnListeners, returns)
	return returns
}

// Publish implements amqp.TransportChannel.
func (channel *fakeChannel) Publish(
	exchange, key string, mandatory, immediate bool, msg amqp.Publishing,
) error {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return amqp.ErrClosed
	}

	if _, ok := broker.exchanges[exchange]; exchange != "" && !ok {
		broker.lock.Unlock()
		// Publishing is asynchronous: the channel exception arrives after Publish returns.
		go channel.shutdown(channelError(
			streadway.NotFound, "NOT_FOUND - no exchange '%v' in vhost '/'", exchange,
		))
		return nil
	}

	queues := broker.route(exchange, key)
	rejected := false
	for _, queue := range queues {
		if queue.rejectsPublish() {
			rejected = true
			continue
		}
		queue.messages = append(queue.messages, storedMessage{
			exchange:   exchange,
			routingKey: key,
			publishing: msg,
		})
		broker.dispatch(queue)
	}

	if len(queues) == 0 && mandatory {
		_ = channel.events.Write(returnEvent{
			listeners: append([]chan amqp.Return(nil), channel.returnListeners...),
			returned: amqp.Return{
				ReplyCode:       streadway.NoRoute,
				ReplyText:       "NO_ROUTE",
				Exchange:        exchange,
				RoutingKey:      key,
				ContentType:     msg.ContentType,
				ContentEncoding: msg.ContentEncoding,
				Headers:         msg.Headers,
				DeliveryMode:    msg.DeliveryMode,
				CorrelationId:   msg.CorrelationId,
				MessageId:       msg.MessageId,
				Body:            msg.Body,
			},
		})
	}

	if channel.confirming {
		channel.publishSeq++
		_ = channel.events.Write(confirmEvent{
			listeners: append([]chan amqp.Confirmation(nil), channel.confirmListeners...),
			confirmation: amqp.Confirmation{
				DeliveryTag: channel.publishSeq,
				Ack:         !rejected,
			},
		})
	}

	broker.lock.Unlock()
	return nil
}

// Consume implements amqp.TransportChannel.
func (channel *fakeChannel) Consume(
	queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table,
) (<-chan amqp.RawDelivery, error) {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return nil, amqp.ErrClosed
	}

	existing, ok := broker.queues[queue]
	if !ok {
		broker.lock.Unlock()
		return nil, channel.fail(channelError(
			streadway.NotFound, "NOT_FOUND - no queue '%v' in vhost '/'", queue,
		))
	}
	if existing.exclusive && existing.owner != channel.conn {
		broker.lock.Unlock()
		return nil, channel.fail(channelError(
			streadway.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%v'",
			queue,
		))
	}

	if consumer == "" {
		consumer = "amq.ctag-" + uuid.NewString()
	}

	fake := newFakeConsumer(channel, consumer, queue, autoAck)
	existing.consumers = append(existing.consumers, fake)
	existing.hadConsumers = true
	channel.consumers[consumer] = fake
	broker.dispatch(existing)
	broker.lock.Unlock()

	return fake.deliveries, nil
}

// Cancel implements amqp.TransportChannel.
func (channel *fakeChannel) Cancel(consumer string, noWait bool) error {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return amqp.ErrClosed
	}
	fake, ok := channel.consumers[consumer]
	if ok {
		delete(channel.consumers, consumer)
		broker.removeConsumer(fake)
	}
	broker.lock.Unlock()

	if ok {
		fake.close()
	}
	return nil
}

// settle removes unacknowledged deliveries, requeueing them if requested. A tag that
// is not outstanding on this channel is a channel exception.
func (channel *fakeChannel) settle(tag uint64, multiple bool, requeue bool) error {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for outstanding := range channel.unacked {
			if outstanding <= tag {
				tags = append(tags, outstanding)
			}
		}
	} else if _, ok := channel.unacked[tag]; ok {
		tags = append(tags, tag)
	}

	if len(tags) == 0 {
		broker.lock.Unlock()
		return channel.fail(channelError(
			streadway.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %v", tag,
		))
	}

	for _, settled := range tags {
		unacked := channel.unacked[settled]
		delete(channel.unacked, settled)
		if requeue {
			broker.requeue(unacked.queue, unacked.message)
		}
	}

	for _, queue := range broker.queues {
		broker.dispatch(queue)
	}
	broker.lock.Unlock()
	return nil
}

// Ack implements amqp.TransportChannel.
func (channel *fakeChannel) Ack(tag uint64, multiple bool) error {
	return channel.settle(tag, multiple, false)
}

// Nack implements amqp.TransportChannel.
func (channel *fakeChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	return channel.settle(tag, multiple, requeue)
}

// QueueDeclare implements amqp.TransportChannel.
func (channel *fakeChannel) QueueDeclare(
	name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table,
) (amqp.Queue, error) {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		name = generatedQueueName()
	}

	existing, ok := broker.queues[name]
	if ok {
		if existing.exclusive && existing.owner != channel.conn {
			broker.lock.Unlock()
			return amqp.Queue{}, channel.fail(channelError(
				streadway.ResourceLocked,
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%v'",
				name,
			))
		}
		if existing.durable != durable ||
			existing.autoDelete != autoDelete ||
			existing.exclusive != exclusive ||
			!argumentsEqual(existing.args, args) {
			broker.lock.Unlock()
			return amqp.Queue{}, channel.fail(channelError(
				streadway.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg for queue '%v' in vhost '/'",
				name,
			))
		}

		declared := amqp.Queue{
			Name:      name,
			Messages:  len(existing.messages),
			Consumers: len(existing.consumers),
		}
		broker.lock.Unlock()
		return declared, nil
	}

	created := &fakeQueue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       args,
		bindings:   make(map[amqp.QueueBinding]struct{}),
	}
	if exclusive {
		created.owner = channel.conn
	}
	broker.queues[name] = created
	broker.lock.Unlock()

	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive implements amqp.TransportChannel.
func (channel *fakeChannel) QueueDeclarePassive(
	name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table,
) (amqp.Queue, error) {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}
	existing, ok := broker.queues[name]
	if !ok {
		broker.lock.Unlock()
		return amqp.Queue{}, channel.fail(channelError(
			streadway.NotFound, "NOT_FOUND - no queue '%v' in vhost '/'", name,
		))
	}
	declared := amqp.Queue{
		Name:      name,
		Messages:  len(existing.messages),
		Consumers: len(existing.consumers),
	}
	broker.lock.Unlock()
	return declared, nil
}

// QueueBind implements amqp.TransportChannel.
func (channel *fakeChannel) QueueBind(
	name, key, exchange string, noWait bool, args amqp.Table,
) error {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return amqp.ErrClosed
	}
	if _, ok := broker.exchanges[exchange]; !ok {
		broker.lock.Unlock()
		return channel.fail(channelError(
			streadway.NotFound, "NOT_FOUND - no exchange '%v' in vhost '/'", exchange,
		))
	}
	existing, ok := broker.queues[name]
	if !ok {
		broker.lock.Unlock()
		return channel.fail(channelError(
			streadway.NotFound, "NOT_FOUND - no queue '%v' in vhost '/'", name,
		))
	}
	existing.bindings[amqp.QueueBinding{Exchange: exchange, RoutingKey: key}] = struct{}{}
	broker.lock.Unlock()
	return nil
}

// QueueUnbind implements amqp.TransportChannel.
func (channel *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	broker := channel.broker

	broker.lock.Lock()
	defer broker.lock.Unlock()
	if channel.closed {
		return amqp.ErrClosed
	}
	if existing, ok := broker.queues[name]; ok {
		delete(existing.bindings, amqp.QueueBinding{Exchange: exchange, RoutingKey: key})
	}
	return nil
}

// QueueDelete implements amqp.TransportChannel.
func (channel *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return 0, amqp.ErrClosed
	}

	existing, ok := broker.queues[name]
	if !ok {
		broker.lock.Unlock()
		return 0, nil
	}
	if ifEmpty && len(existing.messages) > 0 {
		broker.lock.Unlock()
		return 0, channel.fail(channelError(
			streadway.PreconditionFailed,
			"PRECONDITION_FAILED - queue '%v' in vhost '/' not empty",
			name,
		))
	}
	if ifUnused && len(existing.consumers) > 0 {
		broker.lock.Unlock()
		return 0, channel.fail(channelError(
			streadway.PreconditionFailed,
			"PRECONDITION_FAILED - queue '%v' in vhost '/' in use",
			name,
		))
	}

	purged := len(existing.messages)
	consumers := existing.consumers
	existing.consumers = nil
	delete(broker.queues, name)
	for _, consumer := range consumers {
		delete(consumer.channel.consumers, consumer.tag)
	}
	broker.lock.Unlock()

	for _, consumer := range consumers {
		consumer.close()
	}
	return purged, nil
}

// ExchangeDeclare implements amqp.TransportChannel.
func (channel *fakeChannel) ExchangeDeclare(
	name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table,
) error {
	broker := channel.broker

	broker.lock.Lock()
	if channel.closed {
		broker.lock.Unlock()
		return amqp.ErrClosed
	}
	if existing, ok := broker.exchanges[name]; ok && existing != kind {
		broker.lock.Unlock()
		return channel.fail(channelError(
			streadway.PreconditionFailed,
			"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%v' in vhost '/'",
			name,
		))
	}
	broker.exchanges[name] = kind
	broker.lock.Unlock()
	return nil
}
