package rconsumer

import (
	"github.com/peake100/warren-go/pkg/amqp/management"
	"github.com/peake100/warren-go/pkg/roger/rconsumer/middleware"
	"github.com/rs/zerolog"
)

// TopologyMode decides what the subscriber does with the durable queues it consumes
// before consuming them.
type TopologyMode int

const (
	// TopologyDeclare declares durable queues and syncs their bindings, and deletes
	// obsolete queues.
	TopologyDeclare TopologyMode = iota
	// TopologyVerify only checks that durable queues exist.
	TopologyVerify
	// TopologyNone leaves durable queues alone. Dynamic queues are always declared.
	TopologyNone
)

// String implements fmt.Stringer.
func (mode TopologyMode) String() string {
	switch mode {
	case TopologyDeclare:
		return "declare"
	case TopologyVerify:
		return "verify"
	case TopologyNone:
		return "none"
	default:
		return "unknown"
	}
}

// Opts holds options for Subscriber.
type Opts struct {
	topologyMode TopologyMode

	logger              *zerolog.Logger
	noLoggingMiddleware bool
	logDeliveryLevel    zerolog.Level
	logSuccessLevel     zerolog.Level

	middleware *middleware.Middlewares
	management *management.Opts
}

// WithTopologyMode sets what the subscriber does with durable queues in ApplyBindings.
//
// Default: TopologyDeclare.
func (opts *Opts) WithTopologyMode(mode TopologyMode) *Opts {
	opts.topologyMode = mode
	return opts
}

// WithLogger sets the logger. If nil, the connection manager's logger is used.
//
// Default: nil.
func (opts *Opts) WithLogger(logger *zerolog.Logger) *Opts {
	opts.logger = logger
	return opts
}

// WithLoggingMiddleware sets whether the default logging middleware is applied to
// every handler.
//
// Default: true.
func (opts *Opts) WithLoggingMiddleware(enabled bool) *Opts {
	opts.noLoggingMiddleware = !enabled
	return opts
}

// WithLogDeliveryLevel sets the level at which the full delivery is added to the log
// entry of a processed delivery.
//
// Default: zerolog.DebugLevel.
func (opts *Opts) WithLogDeliveryLevel(level zerolog.Level) *Opts {
	opts.logDeliveryLevel = level
	return opts
}

// WithLogSuccessLevel sets the level at which successfully processed deliveries are
// logged.
//
// Default: zerolog.DebugLevel.
func (opts *Opts) WithLogSuccessLevel(level zerolog.Level) *Opts {
	opts.logSuccessLevel = level
	return opts
}

// WithMiddleware sets the delivery middleware applied to every registration's handler.
// The default logging middleware is added around them unless disabled.
//
// Default: no middleware.
func (opts *Opts) WithMiddleware(middlewares *middleware.Middlewares) *Opts {
	opts.middleware = middlewares
	return opts
}

// WithManagementOpts sets the management API client options used by the topology
// manager. See topology.Opts.WithManagementOpts.
//
// Default: nil.
func (opts *Opts) WithManagementOpts(managementOpts *management.Opts) *Opts {
	opts.management = managementOpts
	return opts
}

// NewOpts returns a new Opts with default options.
func NewOpts() *Opts {
	return new(Opts).
		WithTopologyMode(TopologyDeclare).
		WithLoggingMiddleware(true).
		WithLogDeliveryLevel(zerolog.DebugLevel).
		WithLogSuccessLevel(zerolog.DebugLevel).
		WithMiddleware(middleware.NewMiddlewares())
}
