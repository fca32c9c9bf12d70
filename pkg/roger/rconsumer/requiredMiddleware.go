package rconsumer

import (
	"context"
	"runtime/debug"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/roger/rconsumer/middleware"
)

// recoverPanicMiddleware is used as the innermost middleware for deliveries. It catches
// panics and converts them to middleware.PanicError errors, so outer middleware sees
// them as a rejected delivery.
func recoverPanicMiddleware(next middleware.HandlerDelivery) middleware.HandlerDelivery {
	return func(ctx context.Context, delivery amqp.Delivery) (decision amqp.Decision, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				decision = amqp.Nack
				err = middleware.PanicError{
					Recovered:  recovered,
					StackTrace: string(debug.Stack()),
				}
			}
		}()
		return next(ctx, delivery)
	}
}
