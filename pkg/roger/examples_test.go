package roger_test

import (
	"context"
	"fmt"
	"time"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqptest"
	"github.com/peake100/warren-go/pkg/roger"
	"github.com/peake100/warren-go/pkg/roger/rconsumer"
)

func ExampleNew() {
	config := amqp.DefaultConfig()
	params, err := amqp.ParseConnectionURI(amqptest.TestDialAddress)
	if err != nil {
		panic(err)
	}
	config.Params = params

	// The client owns its connection: closing the client closes the connection.
	client := roger.New(config, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	}()

	// Register a durable queue bound to the orders exchange. Start declares the queue,
	// syncs its bindings and begins consuming. Consumers are restarted automatically
	// whenever the connection is replaced.
	err = client.Register(rconsumer.Registration{
		Queue: "example_orders",
		Bindings: []amqp.QueueBinding{
			{Exchange: "amq.topic", RoutingKey: "order.#"},
		},
		Handler: func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error) {
			fmt.Println("Received:", string(delivery.Body))
			return amqp.Ack, nil
		},
	})
	if err != nil {
		panic(err)
	}

	if err = client.Start(context.Background()); err != nil {
		panic(err)
	}

	// Publish blocks until the broker confirms the message.
	err = client.Publish(
		context.Background(),
		"amq.topic",     // exchange
		"order.created", // routing key
		true,            // mandatory
		amqp.Publishing{Body: []byte("order 1")},
	)
	if err != nil {
		panic(err)
	}
}
