package rproducer

import (
	"time"

	"github.com/rs/zerolog"
)

// Opts holds options for Producer.
type Opts struct {
	// Whether to confirm publications with the broker.
	confirmPublish bool
	// Number of publish channels. 0 uses the connection's PublishChannelPoolSize.
	poolSize int
	// How long to wait for a confirm. 0 uses the connection's ConfirmTimeout.
	confirmTimeout time.Duration
	logger         *zerolog.Logger
}

// WithConfirmPublish sets whether to confirm publications with the broker before
// returning on a "Publish" call. When true, all calls to Producer.Publish() will block
// until a publish confirmation is received from the broker, and a mandatory message
// that could not be routed fails with amqp.ErrNoRoute.
//
// When false, the mandatory flag is ignored, since undeliverable messages can only be
// detected through confirms.
//
// Default: true.
func (opts *Opts) WithConfirmPublish(confirm bool) *Opts {
	opts.confirmPublish = confirm
	return opts
}

// WithPoolSize sets how many publish channels the producer spreads publications over.
// Messages published through different channels have no ordering relative to each
// other. 0 uses amqp.ConnectionParams.PublishChannelPoolSize.
//
// Default: 0.
func (opts *Opts) WithPoolSize(size int) *Opts {
	opts.poolSize = size
	return opts
}

// WithConfirmTimeout sets how long Publish waits for a confirm before failing with
// amqp.ErrConfirmTimeout. 0 uses amqp.Config.ConfirmTimeout.
//
// Default: 0.
func (opts *Opts) WithConfirmTimeout(timeout time.Duration) *Opts {
	opts.confirmTimeout = timeout
	return opts
}

// WithLogger sets the logger. If nil, the connection manager's logger is used.
//
// Default: nil.
func (opts *Opts) WithLogger(logger *zerolog.Logger) *Opts {
	opts.logger = logger
	return opts
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts).
		WithConfirmPublish(true)
}
