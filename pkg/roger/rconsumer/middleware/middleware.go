package middleware

// Delivery is a middleware signature for wrapping delivery handlers.
type Delivery = func(next HandlerDelivery) HandlerDelivery
