package middleware

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrDuplicateProvider is returned by Middlewares.AddProvider when a provider with the
// same ProviderTypeID was added before.
var ErrDuplicateProvider = errors.New("middleware provider already registered")

// ProviderTypeID identifies a ProvidesMiddleware type for catching duplicate providers.
type ProviderTypeID string

// ProvidesMiddleware is the base interface that must be implemented by any middleware
// provider.
type ProvidesMiddleware interface {
	// TypeID returns a unique ID for verifying that a provider has not been registered
	// more than once.
	TypeID() ProviderTypeID
}

// ProvidesDelivery provides Delivery middleware as a method.
type ProvidesDelivery interface {
	ProvidesMiddleware
	Delivery(next HandlerDelivery) HandlerDelivery
}

// Middlewares holds the delivery middlewares of a subscriber, in the order they were
// added. The first one added is the innermost.
type Middlewares struct {
	providers mapset.Set[ProviderTypeID]
	delivery  []Delivery
}

// AddDelivery adds a delivery middleware.
func (middlewares *Middlewares) AddDelivery(middleware Delivery) {
	middlewares.delivery = append(middlewares.delivery, middleware)
}

// AddProvider adds the middleware of provider. It fails with ErrDuplicateProvider if a
// provider of the same type was added before, and with an error if provider provides
// no middleware this package knows.
func (middlewares *Middlewares) AddProvider(provider ProvidesMiddleware) error {
	typeID := provider.TypeID()
	if middlewares.providers.Contains(typeID) {
		return fmt.Errorf("%w: %v", ErrDuplicateProvider, typeID)
	}

	deliveryProvider, ok := provider.(ProvidesDelivery)
	if !ok {
		return fmt.Errorf("provider %v implements no middleware", typeID)
	}

	middlewares.providers.Add(typeID)
	middlewares.AddDelivery(deliveryProvider.Delivery)
	return nil
}

// Wrap applies every middleware to handler.
func (middlewares *Middlewares) Wrap(handler HandlerDelivery) HandlerDelivery {
	for _, middleware := range middlewares.delivery {
		handler = middleware(handler)
	}
	return handler
}

// Clone returns a copy that middlewares can be added to without affecting the
// original.
func (middlewares *Middlewares) Clone() *Middlewares {
	return &Middlewares{
		providers: middlewares.providers.Clone(),
		delivery:  append([]Delivery(nil), middlewares.delivery...),
	}
}

// NewMiddlewares returns an empty Middlewares.
func NewMiddlewares() *Middlewares {
	return &Middlewares{
		providers: mapset.NewThreadUnsafeSet[ProviderTypeID](),
	}
}
