// Package roger wires a connection manager, a producer and a subscriber into a single
// client with one shutdown path.
package roger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/roger/rconsumer"
	"github.com/peake100/warren-go/pkg/roger/rproducer"
	"github.com/rs/zerolog"
)

// Client publishes and consumes through one resilient connection.
//
// Client is safe for concurrent use.
type Client struct {
	manager     *amqp.ConnectionManager
	ownsManager bool

	producer   *rproducer.Producer
	subscriber *rconsumer.Subscriber
	logger     zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates a Client with its own connection manager built from config. Close closes
// the connection. If opts is nil, default options will be used.
func New(config amqp.Config, opts *Opts) *Client {
	client := NewWithManager(amqp.NewConnectionManager(config), opts)
	client.ownsManager = true
	return client
}

// NewWithManager creates a Client on an existing connection manager. The manager is
// left open by Close. If opts is nil, default options will be used.
func NewWithManager(manager *amqp.ConnectionManager, opts *Opts) *Client {
	if opts == nil {
		opts = NewOpts()
	}

	subscriberOpts := rconsumer.NewOpts()
	if opts.subscriber != nil {
		copied := *opts.subscriber
		subscriberOpts = &copied
	}
	if opts.management != nil {
		subscriberOpts.WithManagementOpts(opts.management)
	}

	return &Client{
		manager:    manager,
		producer:   rproducer.New(manager, opts.producer),
		subscriber: rconsumer.New(manager, subscriberOpts),
		logger:     manager.Logger().With().Str("COMPONENT", "CLIENT").Logger(),
	}
}

// Manager returns the connection manager of the client.
func (client *Client) Manager() *amqp.ConnectionManager {
	return client.manager
}

// Producer returns the producer of the client.
func (client *Client) Producer() *rproducer.Producer {
	return client.producer
}

// Subscriber returns the subscriber of the client.
func (client *Client) Subscriber() *rconsumer.Subscriber {
	return client.subscriber
}

// AttachObserver registers observer for connection events.
func (client *Client) AttachObserver(observer amqp.ConnectionObserver) {
	client.manager.AttachObserver(observer)
}

// Open connects to the broker, blocking until a connection is live or ctx is done.
func (client *Client) Open(ctx context.Context) error {
	return client.manager.Open(ctx)
}

// Publish publishes msg and waits for its confirmation. See rproducer.Producer.Publish.
func (client *Client) Publish(
	ctx context.Context,
	exchange string,
	routingKey string,
	mandatory bool,
	msg amqp.Publishing,
) error {
	return client.producer.Publish(ctx, exchange, routingKey, mandatory, msg)
}

// Register adds a queue registration to the subscriber. Registrations take effect on
// the next Start.
func (client *Client) Register(registration rconsumer.Registration) error {
	return client.subscriber.Register(registration)
}

// AddObsoleteQueue marks a durable queue for removal, once empty, during Start.
func (client *Client) AddObsoleteQueue(queue string) {
	client.subscriber.AddObsoleteQueue(queue)
}

// Start applies the topology of every registration and starts consuming.
func (client *Client) Start(ctx context.Context) error {
	if err := client.subscriber.ApplyBindings(ctx); err != nil {
		return err
	}
	if err := client.subscriber.Resume(ctx); err != nil {
		return err
	}

	client.logger.Info().
		Strs("QUEUES", client.subscriber.Queues()).
		Msg("consumers started")
	return nil
}

// Close stops every consumer, waits for running handlers until ctx is done, then closes
// the channels and, when the client created it, the connection. Close is idempotent.
func (client *Client) Close(ctx context.Context) error {
	client.closeOnce.Do(func() {
		var errs []error

		if err := client.subscriber.Stop(ctx); err != nil {
			errs = append(errs, err)
		}

		if err := client.subscriber.Handlers().WaitAll(ctx); err != nil {
			client.logger.Warn().
				Int64("RUNNING", client.subscriber.Handlers().Running()).
				Msg("handlers still running at shutdown")
			errs = append(errs, fmt.Errorf("error waiting on handlers: %w", err))
		}

		if err := client.producer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := client.subscriber.Close(ctx); err != nil {
			errs = append(errs, err)
		}

		if client.ownsManager {
			if err := client.manager.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		client.closeErr = errors.Join(errs...)
		client.logger.Info().Err(client.closeErr).Msg("client closed")
	})
	return client.closeErr
}
