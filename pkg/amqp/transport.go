package amqp

import (
	"context"
	"net"
	"time"

	streadway "github.com/streadway/amqp"
)

// Error is an alias to streadway/amqp.Error.
type Error = streadway.Error

// Table is an alias to streadway/amqp.Table.
type Table = streadway.Table

// Publishing is an alias to streadway/amqp.Publishing.
type Publishing = streadway.Publishing

// Confirmation is an alias to streadway/amqp.Confirmation.
type Confirmation = streadway.Confirmation

// Return is an alias to streadway/amqp.Return.
type Return = streadway.Return

// RawDelivery is an alias to streadway/amqp.Delivery.
type RawDelivery = streadway.Delivery

// Queue is an alias to streadway/amqp.Queue.
type Queue = streadway.Queue

// Protocol constants used by this package.
const (
	ExchangeTopic      = streadway.ExchangeTopic
	Persistent         = streadway.Persistent
	NoRoute            = streadway.NoRoute
	NotFound           = streadway.NotFound
	PreconditionFailed = streadway.PreconditionFailed
)

// Transport is a physical broker connection. *streadway.Connection satisfies it through
// DialStreadway, pkg/amqptest.FakeBroker satisfies it in memory.
type Transport interface {
	Channel() (TransportChannel, error)
	NotifyClose(receiver chan *Error) chan *Error
	IsClosed() bool
	LocalAddr() net.Addr
	Close() error
}

// TransportChannel is a physical channel. The method set is the subset of
// *streadway.Channel this package drives.
type TransportChannel interface {
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(receiver chan *Error) chan *Error
	NotifyPublish(confirm chan Confirmation) chan Confirmation
	NotifyReturn(returns chan Return) chan Return

	Publish(exchange, key string, mandatory, immediate bool, msg Publishing) error
	Consume(
		queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args Table,
	) (<-chan RawDelivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error

	QueueDeclare(
		name string, durable, autoDelete, exclusive, noWait bool, args Table,
	) (Queue, error)
	QueueDeclarePassive(
		name string, durable, autoDelete, exclusive, noWait bool, args Table,
	) (Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args Table) error
	QueueUnbind(name, key, exchange string, args Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	ExchangeDeclare(
		name, kind string, durable, autoDelete, internal, noWait bool, args Table,
	) error

	Close() error
}

// Dialer opens a physical connection to the broker described by params. ctx bounds the
// dial and handshake only.
type Dialer func(ctx context.Context, params ConnectionParams) (Transport, error)

// streadwayTransport adapts *streadway.Connection to Transport.
type streadwayTransport struct {
	*streadway.Connection
}

// Channel opens a new physical channel.
func (transport streadwayTransport) Channel() (TransportChannel, error) {
	channel, err := transport.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return channel, nil
}

// DialStreadway dials the broker with streadway/amqp using plain auth.
func DialStreadway(ctx context.Context, params ConnectionParams) (Transport, error) {
	properties := Table{
		"product":  "warren-go",
		"platform": "golang",
	}
	for key, value := range params.ClientProperties {
		properties[key] = value
	}

	config := streadway.Config{
		SASL: []streadway.Authentication{&streadway.PlainAuth{
			Username: params.Username,
			Password: params.Password,
		}},
		Vhost:      params.VirtualHost,
		Heartbeat:  params.Heartbeat,
		Properties: properties,
		Locale:     defaultLocale,
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: defaultHandshakeDeadline}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// streadway clears the deadline once the handshake completes.
			if err := conn.SetDeadline(time.Now().Add(defaultHandshakeDeadline)); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}

	conn, err := streadway.DialConfig(params.URI(), config)
	if err != nil {
		return nil, err
	}
	return streadwayTransport{Connection: conn}, nil
}
