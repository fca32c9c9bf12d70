package roger

import (
	"github.com/peake100/warren-go/pkg/amqp/management"
	"github.com/peake100/warren-go/pkg/roger/rconsumer"
	"github.com/peake100/warren-go/pkg/roger/rproducer"
)

// Opts holds options for Client.
type Opts struct {
	producer   *rproducer.Opts
	subscriber *rconsumer.Opts
	management *management.Opts
}

// WithProducerOpts sets the options of the client's producer.
//
// Default: rproducer.NewOpts().
func (opts *Opts) WithProducerOpts(producerOpts *rproducer.Opts) *Opts {
	opts.producer = producerOpts
	return opts
}

// WithSubscriberOpts sets the options of the client's subscriber.
//
// Default: rconsumer.NewOpts().
func (opts *Opts) WithSubscriberOpts(subscriberOpts *rconsumer.Opts) *Opts {
	opts.subscriber = subscriberOpts
	return opts
}

// WithManagementOpts sets the management API client options the subscriber's topology
// manager uses. Overrides management options set on the subscriber options.
//
// Default: nil, derived from the connection params.
func (opts *Opts) WithManagementOpts(managementOpts *management.Opts) *Opts {
	opts.management = managementOpts
	return opts
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts).
		WithProducerOpts(rproducer.NewOpts()).
		WithSubscriberOpts(rconsumer.NewOpts())
}
