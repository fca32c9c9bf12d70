package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Decision is a handler's verdict on a delivery.
type Decision int

const (
	// Ack acknowledges the delivery.
	Ack Decision = iota
	// Nack rejects the delivery without requeueing it.
	Nack
	// Requeue rejects the delivery and asks the broker to redeliver it.
	Requeue
)

// String implements fmt.Stringer.
func (decision Decision) String() string {
	switch decision {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Requeue:
		return "requeue"
	default:
		return fmt.Sprintf("Decision(%d)", int(decision))
	}
}

// MessageProperties are the basic properties of a message.
type MessageProperties struct {
	Headers         Table
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Publishing returns a Publishing carrying properties and body.
func (properties MessageProperties) Publishing(body []byte) Publishing {
	return Publishing{
		Headers:         properties.Headers,
		ContentType:     properties.ContentType,
		ContentEncoding: properties.ContentEncoding,
		DeliveryMode:    properties.DeliveryMode,
		Priority:        properties.Priority,
		CorrelationId:   properties.CorrelationID,
		ReplyTo:         properties.ReplyTo,
		Expiration:      properties.Expiration,
		MessageId:       properties.MessageID,
		Timestamp:       properties.Timestamp,
		Type:            properties.Type,
		UserId:          properties.UserID,
		AppId:           properties.AppID,
		Body:            body,
	}
}

func propertiesFromDelivery(raw RawDelivery) MessageProperties {
	return MessageProperties{
		Headers:         raw.Headers,
		ContentType:     raw.ContentType,
		ContentEncoding: raw.ContentEncoding,
		DeliveryMode:    raw.DeliveryMode,
		Priority:        raw.Priority,
		CorrelationID:   raw.CorrelationId,
		ReplyTo:         raw.ReplyTo,
		Expiration:      raw.Expiration,
		MessageID:       raw.MessageId,
		Timestamp:       raw.Timestamp,
		Type:            raw.Type,
		UserID:          raw.UserId,
		AppID:           raw.AppId,
	}
}

// Delivery is a message received by a consumer.
type Delivery struct {
	Queue       string
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Properties  MessageProperties
	Body        []byte
}

// HandlerFunc handles one delivery. ctx is cancelled when the physical channel the
// delivery arrived on shuts down, after which the decision can no longer be sent. A
// returned error or a panic rejects the delivery without requeueing it.
type HandlerFunc func(ctx context.Context, delivery Delivery) (Decision, error)

// ConsumerHandle is a consumer registered on one physical channel.
type ConsumerHandle struct {
	Tag   string
	Queue string

	handle  *ChannelHandle
	handler HandlerFunc
	logger  zerolog.Logger
}

// Epoch returns the connection epoch the consumer was registered on.
func (consumer *ConsumerHandle) Epoch() uint64 {
	return consumer.handle.epoch
}

// Cancel stops the consumer. It is a no-op when the consumer's physical channel or
// connection is already gone.
func (consumer *ConsumerHandle) Cancel(ctx context.Context) error {
	if consumer.handle.IsClosed() ||
		consumer.handle.epoch != consumer.handle.owner.manager.Epoch() {
		return nil
	}

	return consumer.handle.owner.Enqueue(ctx, func(current *ChannelHandle) error {
		if current != consumer.handle || consumer.handle.IsClosed() {
			return nil
		}
		if err := consumer.handle.raw.Cancel(consumer.Tag, false); err != nil {
			return fmt.Errorf("error cancelling consumer '%v': %w", consumer.Tag, err)
		}
		return nil
	})
}

// Consume starts consuming queue, calling handler for every delivery. Deliveries are
// acknowledged manually according to the handler's Decision.
//
// A nil ConsumerHandle and nil error are returned when queue was deleted through this
// connection manager.
func (handle *ChannelHandle) Consume(queue string, handler HandlerFunc) (*ConsumerHandle, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}

	logger := handle.owner.logger.With().Str("QUEUE", queue).Logger()

	if handle.owner.manager.State().IsQueueDeleted(queue) {
		logger.Warn().Msg("queue was deleted, not consuming")
		return nil, nil
	}

	tag := "warren-" + uuid.NewString()
	deliveries, err := handle.raw.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("error consuming queue '%v': %w", queue, err)
	}

	consumer := &ConsumerHandle{
		Tag:     tag,
		Queue:   queue,
		handle:  handle,
		handler: handler,
		logger:  logger.With().Str("CONSUMER_TAG", tag).Logger(),
	}

	concurrency := handle.owner.manager.config.Params.ConsumerDispatchConcurrency
	go consumer.dispatch(deliveries, concurrency)

	consumer.logger.Debug().Uint64("EPOCH", handle.epoch).Msg("consumer started")
	return consumer, nil
}

// dispatch hands deliveries to handlers until the delivery channel closes, with at most
// concurrency handlers running for this consumer at a time.
func (consumer *ConsumerHandle) dispatch(deliveries <-chan RawDelivery, concurrency int) {
	sem := semaphore.NewWeighted(int64(concurrency))

	for raw := range deliveries {
		// Acquire never fails on a background context.
		_ = sem.Acquire(context.Background(), 1)

		go func(raw RawDelivery) {
			defer sem.Release(1)
			consumer.handleDelivery(raw)
		}(raw)
	}
}

type handlerResult struct {
	decision Decision
	err      error
}

// handleDelivery runs the handler on its own goroutine. If the physical channel shuts
// down first the handler is detached so the consumer is not held up by it.
func (consumer *ConsumerHandle) handleDelivery(raw RawDelivery) {
	tracker := consumer.handle.owner.options.Handlers
	tracker.Enter()

	delivery := Delivery{
		Queue:       consumer.Queue,
		ConsumerTag: raw.ConsumerTag,
		Exchange:    raw.Exchange,
		RoutingKey:  raw.RoutingKey,
		Redelivered: raw.Redelivered,
		Properties:  propertiesFromDelivery(raw),
		Body:        raw.Body,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-consumer.handle.Closed():
			cancel()
		case <-ctx.Done():
		}
	}()

	results := make(chan handlerResult, 1)
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		defer cancel()
		decision, err := consumer.runHandler(ctx, delivery)
		results <- handlerResult{decision: decision, err: err}
	}()

	select {
	case result := <-results:
		consumer.respond(raw.DeliveryTag, delivery, result)
		tracker.Exit()
	case <-consumer.handle.Closed():
		consumer.logger.Warn().
			Str("EXCHANGE", delivery.Exchange).
			Str("ROUTING_KEY", delivery.RoutingKey).
			Msg("channel closed while handler running, detaching handler")
		tracker.Detach(finished)
	}
}

func (consumer *ConsumerHandle) runHandler(
	ctx context.Context, delivery Delivery,
) (decision Decision, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()
	return consumer.handler(ctx, delivery)
}

// respond sends the handler's decision unless the physical channel has shut down, in
// which case the broker redelivers the message.
func (consumer *ConsumerHandle) respond(tag uint64, delivery Delivery, result handlerResult) {
	decision := result.decision
	if result.err != nil {
		consumer.logger.Error().
			Err(result.err).
			Str("EXCHANGE", delivery.Exchange).
			Str("ROUTING_KEY", delivery.RoutingKey).
			Msg("error handling delivery, rejecting")
		decision = Nack
	}

	consumer.handle.owner.manager.Metrics().ObserveDelivery(consumer.Queue, decision.String())

	if consumer.handle.IsClosed() {
		return
	}

	var err error
	switch decision {
	case Ack:
		err = consumer.handle.raw.Ack(tag, false)
	case Requeue:
		err = consumer.handle.raw.Nack(tag, false, true)
	default:
		err = consumer.handle.raw.Nack(tag, false, false)
	}

	if err != nil {
		consumer.logger.Error().
			Err(err).
			Str("DECISION", decision.String()).
			Msg("error responding to delivery")
	}
}
