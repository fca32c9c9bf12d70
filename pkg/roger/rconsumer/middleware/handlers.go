package middleware

import (
	"context"

	"github.com/peake100/warren-go/pkg/amqp"
)

// HandlerDelivery defines the handler type for middleware wrapping a registration's
// amqp.HandlerFunc.
type HandlerDelivery = func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error)
