package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/rs/zerolog"
)

type contextKey string

// DefaultLoggerKey is the context value key for fetching the logger provided by the
// DefaultLogging middleware.
const DefaultLoggerKey = contextKey("ConsumerDefaultLogger")

// DefaultLoggerTypeID is the ProviderTypeID for DefaultLogging.
const DefaultLoggerTypeID ProviderTypeID = "DefaultLogger"

// PanicError is a panic recovered from a delivery handler.
type PanicError struct {
	Recovered  interface{}
	StackTrace string
}

// Error implements builtins.error.
func (err PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", err.Recovered)
}

// ctxWithLogger adds a logger provided by DefaultLogging to a context.
func ctxWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, DefaultLoggerKey, logger)
}

// LoggerFromCtx returns the logger DefaultLogging added to ctx, or a disabled logger.
func LoggerFromCtx(ctx context.Context) zerolog.Logger {
	logger, ok := ctx.Value(DefaultLoggerKey).(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return logger
}

// DefaultLogging provides logging middleware for rconsumer.Subscriber.
type DefaultLogging struct {
	Logger           zerolog.Logger
	LogDeliveryLevel zerolog.Level
	SuccessLogLevel  zerolog.Level
}

// TypeID implement ProvidesMiddleware.
func (middleware DefaultLogging) TypeID() ProviderTypeID {
	return DefaultLoggerTypeID
}

// Delivery implements ProvidesDelivery for logging.
func (middleware DefaultLogging) Delivery(next HandlerDelivery) HandlerDelivery {
	return func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error) {
		logger := middleware.Logger.With().
			Str("HANDLER", "Delivery").
			Str("QUEUE", delivery.Queue).
			Str("EXCHANGE", delivery.Exchange).
			Str("ROUTING_KEY", delivery.RoutingKey).
			Logger()
		ctx = ctxWithLogger(ctx, logger)

		start := time.Now().UTC()
		decision, err := next(ctx, delivery)
		middleware.logDeliveryResult(delivery, decision, err, start, logger)

		return decision, err
	}
}

// logDeliveryResult logs the result of a delivery handler to logger.
func (middleware DefaultLogging) logDeliveryResult(
	delivery amqp.Delivery,
	decision amqp.Decision,
	err error,
	start time.Time,
	logger zerolog.Logger,
) {
	var event *zerolog.Event
	var eventLevel zerolog.Level
	if err != nil {
		event = logger.Err(err)
		var errPanic PanicError
		if errors.As(err, &errPanic) {
			event.Str("STACKTRACE", errPanic.StackTrace)
		}
		eventLevel = zerolog.ErrorLevel
	} else {
		event = logger.WithLevel(middleware.SuccessLogLevel)
		eventLevel = middleware.SuccessLogLevel
	}

	if !event.Enabled() {
		return
	}

	event.TimeDiff("DURATION", time.Now().UTC(), start).Str("DECISION", decision.String())
	if middleware.LogDeliveryLevel <= eventLevel {
		event.Interface("DELIVERY", delivery)
	}

	event.Msg("delivery processed")
}

// NewDefaultLogging returns a new DefaultLogging as a ProvidesMiddleware interface.
func NewDefaultLogging(
	logger zerolog.Logger,
	logDeliveryLevel zerolog.Level,
	successLogLevel zerolog.Level,
) ProvidesMiddleware {
	return DefaultLogging{
		Logger:           logger,
		LogDeliveryLevel: logDeliveryLevel,
		SuccessLogLevel:  successLogLevel,
	}
}
