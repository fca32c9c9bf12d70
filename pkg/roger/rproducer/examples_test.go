package rproducer_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqptest"
	"github.com/peake100/warren-go/pkg/roger/rproducer"
)

func ExampleNew() {
	// Connect to our test broker. The connection is made lazily, on first use.
	config := amqp.DefaultConfig()
	params, err := amqp.ParseConnectionURI(amqptest.TestDialAddress)
	if err != nil {
		panic(err)
	}
	config.Params = params

	manager := amqp.NewConnectionManager(config)
	defer manager.Close()

	// Create a new producer. Passing nil to opts will result in default opts being
	// used. By default, each call to Publish blocks until a confirmation from the
	// broker has been received.
	producer := rproducer.New(manager, nil)
	defer producer.Close(context.Background())

	messagesPublished := new(sync.WaitGroup)
	for i := 0; i < 10; i++ {
		messagesPublished.Add(1)

		// Publish each message in its own goroutine. The producer handles the
		// boilerplate of tracking delivery tags and receiving broker confirmations.
		go func() {
			defer messagesPublished.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := producer.Publish(
				ctx,
				"",                       // exchange
				"example_producer_queue", // routing key
				true,                     // mandatory
				amqp.Publishing{Body: []byte("test message")},
			)
			if err != nil {
				panic(err)
			}

			fmt.Println("Message Published and Confirmed!")
		}()
	}

	// Wait for all our messages to be published
	messagesPublished.Wait()
}
