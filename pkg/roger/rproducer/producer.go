// Package rproducer publishes messages over a pool of resilient channels and waits for
// their broker confirmations.
package rproducer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Publication is a message that has been sent to the broker and may still be awaiting
// its confirmation.
type Publication struct {
	pending *amqp.PendingConfirm
	timeout time.Duration
}

// Done is closed once the broker has confirmed, rejected or returned the message, or
// its channel died.
func (publication *Publication) Done() <-chan struct{} {
	return publication.pending.Done()
}

// WaitOnConfirmation blocks until the publication is confirmed. It returns nil on ack,
// amqp.ErrNoRoute for a returned mandatory message, amqp.ErrRejected on nack,
// amqp.ErrConfirmCancelled when its channel died first and amqp.ErrConfirmTimeout when
// no confirmation arrives in time.
func (publication *Publication) WaitOnConfirmation(ctx context.Context) error {
	return publication.pending.Wait(ctx, publication.timeout)
}

// Producer publishes messages through a pool of publish channels, picked round-robin.
// Publications that fail because their channel or connection went away before the
// message was sent are retried on a fresh channel. Once a message has been sent it is
// never resent: a lost confirmation surfaces as amqp.ErrConfirmCancelled.
//
// Producer is safe for concurrent use.
type Producer struct {
	channels []*amqp.Channel
	next     atomic.Uint64
	logger   zerolog.Logger
	// Caller options for producer behavior
	opts Opts
}

// New creates a Producer publishing through manager. No channel is opened until the
// first publication. If opts is nil, default options will be used.
func New(manager *amqp.ConnectionManager, opts *Opts) *Producer {
	if opts == nil {
		opts = NewOpts()
	}
	resolved := *opts

	config := manager.Config()
	if resolved.poolSize <= 0 {
		resolved.poolSize = config.Params.PublishChannelPoolSize
	}
	if resolved.poolSize <= 0 {
		resolved.poolSize = 1
	}
	if resolved.confirmTimeout <= 0 {
		resolved.confirmTimeout = config.ConfirmTimeout
	}

	logger := manager.Logger()
	if resolved.logger != nil {
		logger = *resolved.logger
	}

	channels := make([]*amqp.Channel, resolved.poolSize)
	for i := range channels {
		channels[i] = amqp.NewChannel(manager, amqp.ChannelOptions{
			Type:              amqp.ChannelTypePublish,
			PublisherConfirms: resolved.confirmPublish,
		})
	}

	return &Producer{
		channels: channels,
		logger:   logger.With().Str("COMPONENT", "PRODUCER").Logger(),
		opts:     resolved,
	}
}

// Channels returns the publish channels of the pool.
func (producer *Producer) Channels() []*amqp.Channel {
	channels := make([]*amqp.Channel, len(producer.channels))
	copy(channels, producer.channels)
	return channels
}

func (producer *Producer) pick() *amqp.Channel {
	index := (producer.next.Add(1) - 1) % uint64(len(producer.channels))
	return producer.channels[index]
}

// Publish a message. This method is goroutine safe. When confirming publications it
// blocks until the broker confirms the message or ctx is cancelled; see
// Publication.WaitOnConfirmation for the errors returned.
//
// Cancelling ctx after the message was sent causes this method to return, but has no
// other effect.
func (producer *Producer) Publish(
	ctx context.Context,
	exchange string,
	key string,
	mandatory bool,
	msg amqp.Publishing,
) error {
	publication, err := producer.QueueForPublication(ctx, exchange, key, mandatory, msg)
	if err != nil {
		return err
	}

	if err = publication.WaitOnConfirmation(ctx); err != nil {
		return fmt.Errorf("error waiting for order publication: %w", err)
	}
	return nil
}

// QueueForPublication is as Publish, but returns as soon as the message has been sent,
// allowing the user to wait on publication confirmation themselves through the
// returned Publication value.
//
// Useful when ensuring publication order is important: messages passed to successive
// calls from one goroutine are sent in order when the pool has a single channel.
func (producer *Producer) QueueForPublication(
	ctx context.Context,
	exchange string,
	key string,
	mandatory bool,
	msg amqp.Publishing,
) (*Publication, error) {
	channel := producer.pick()

	for {
		pending, err := amqp.EnqueueValue(
			ctx,
			channel,
			func(handle *amqp.ChannelHandle) (*amqp.PendingConfirm, error) {
				return handle.Publish(exchange, key, mandatory, msg)
			},
		)
		if err == nil {
			return &Publication{pending: pending, timeout: producer.opts.confirmTimeout}, nil
		}

		if !amqp.IsConnectionInvalidated(err) || channel.IsClosing() || ctx.Err() != nil {
			return nil, fmt.Errorf("error publishing message: %w", err)
		}

		if producer.logger.Debug().Enabled() {
			producer.logger.Debug().
				Err(err).
				Str("EXCHANGE", exchange).
				Str("ROUTING_KEY", key).
				Msg("retrying publication on new channel")
		}
	}
}

// Close closes every publish channel. Publications still awaiting confirmation fail
// with amqp.ErrConfirmCancelled.
func (producer *Producer) Close(ctx context.Context) error {
	group := new(errgroup.Group)
	for _, channel := range producer.channels {
		group.Go(func() error {
			return channel.Close(ctx)
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("error closing producer: %w", err)
	}
	return nil
}
