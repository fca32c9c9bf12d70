package amqptest

import (
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/peake100/warren-go/pkg/amqp"
)

// consumerSink hands deliveries to the consumer's channel until the consumer stops.
type consumerSink struct {
	deliveries chan amqp.RawDelivery
	stop       chan struct{}
}

// Write implements events.Sink.
func (sink consumerSink) Write(event events.Event) error {
	delivery, ok := event.(amqp.RawDelivery)
	if !ok {
		return nil
	}
	select {
	case sink.deliveries <- delivery:
	case <-sink.stop:
	}
	return nil
}

// Close implements events.Sink.
func (sink consumerSink) Close() error {
	return nil
}

// fakeConsumer is a consumer registered on a fakeChannel.
type fakeConsumer struct {
	channel *fakeChannel
	tag     string
	queue   string
	autoAck bool

	deliveries chan amqp.RawDelivery
	stop       chan struct{}
	events     *events.Queue
	closeOnce  sync.Once
}

func newFakeConsumer(channel *fakeChannel, tag string, queue string, autoAck bool) *fakeConsumer {
	consumer := &fakeConsumer{
		channel:    channel,
		tag:        tag,
		queue:      queue,
		autoAck:    autoAck,
		deliveries: make(chan amqp.RawDelivery),
		stop:       make(chan struct{}),
	}
	consumer.events = events.NewQueue(consumerSink{
		deliveries: consumer.deliveries,
		stop:       consumer.stop,
	})
	return consumer
}

// deliver assigns a delivery tag to message and queues it for the consumer. Must be
// called with the broker lock held.
func (consumer *fakeConsumer) deliver(queue *fakeQueue, message storedMessage) {
	channel := consumer.channel
	channel.deliveryTag++
	tag := channel.deliveryTag

	if !consumer.autoAck {
		channel.unacked[tag] = unackedMessage{queue: queue.name, message: message}
	}

	publishing := message.publishing
	timestamp := publishing.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	_ = consumer.events.Write(amqp.RawDelivery{
		Headers:         publishing.Headers,
		ContentType:     publishing.ContentType,
		ContentEncoding: publishing.ContentEncoding,
		DeliveryMode:    publishing.DeliveryMode,
		Priority:        publishing.Priority,
		CorrelationId:   publishing.CorrelationId,
		ReplyTo:         publishing.ReplyTo,
		Expiration:      publishing.Expiration,
		MessageId:       publishing.MessageId,
		Timestamp:       timestamp,
		Type:            publishing.Type,
		UserId:          publishing.UserId,
		AppId:           publishing.AppId,
		ConsumerTag:     consumer.tag,
		DeliveryTag:     tag,
		Redelivered:     message.redelivered,
		Exchange:        message.exchange,
		RoutingKey:      message.routingKey,
		Body:            publishing.Body,
	})
}

// close stops the consumer and closes its delivery channel. Must be called without the
// broker lock held.
func (consumer *fakeConsumer) close() {
	consumer.closeOnce.Do(func() {
		close(consumer.stop)
		_ = consumer.events.Close()
		close(consumer.deliveries)
	})
}
