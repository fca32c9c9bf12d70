//revive:disable

package roger_test

import (
	"context"
	"testing"
	"time"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqptest"
	"github.com/peake100/warren-go/pkg/roger"
	"github.com/peake100/warren-go/pkg/roger/rconsumer"
	"github.com/stretchr/testify/suite"
)

var ordersBinding = amqp.QueueBinding{Exchange: "shop", RoutingKey: "order.#"}

type ClientSuite struct {
	amqptest.AmqpSuite
}

func (suite *ClientSuite) newClient() *roger.Client {
	client := roger.NewWithManager(
		suite.Manager(),
		roger.NewOpts().WithManagementOpts(suite.ManagementOpts()),
	)
	suite.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})
	return client
}

func (suite *ClientSuite) Test0000_PublishAndConsume() {
	received := make(chan amqp.Delivery, 10)
	client := suite.newClient()

	suite.Require().NoError(client.Register(rconsumer.Registration{
		Queue:    "orders",
		Bindings: []amqp.QueueBinding{ordersBinding},
		Handler: func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error) {
			received <- delivery
			return amqp.Ack, nil
		},
	}))
	suite.Require().NoError(client.Start(context.Background()))

	err := client.Publish(
		context.Background(),
		"shop",
		"order.created",
		true,
		amqp.Publishing{Body: []byte("order 1")},
	)
	suite.Require().NoError(err)

	select {
	case delivery := <-received:
		suite.Equal("order 1", string(delivery.Body))
		suite.Equal("orders", delivery.Queue)
	case <-time.After(2 * time.Second):
		suite.T().Fatal("delivery not received")
	}
}

func (suite *ClientSuite) Test0010_CloseWaitsForHandlers() {
	started := make(chan struct{})
	release := make(chan struct{})
	client := suite.newClient()

	suite.Require().NoError(client.Register(rconsumer.Registration{
		Queue: "orders",
		Handler: func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error) {
			close(started)
			<-release
			return amqp.Ack, nil
		},
	}))
	suite.Require().NoError(client.Start(context.Background()))
	suite.PublishMessages("", "orders", 1)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		suite.T().Fatal("handler not started")
	}

	closed := make(chan error, 1)
	go func() {
		closed <- client.Close(context.Background())
	}()

	select {
	case <-closed:
		suite.T().Fatal("close returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-closed:
		suite.NoError(err)
	case <-time.After(2 * time.Second):
		suite.T().Fatal("close did not return")
	}

	suite.Equal(0, suite.Broker().ConsumerCount("orders"))
	suite.Equal(int64(0), client.Subscriber().Handlers().Running())
}

func (suite *ClientSuite) Test0020_CloseTimesOutOnStuckHandler() {
	started := make(chan struct{})
	release := make(chan struct{})
	suite.T().Cleanup(func() {
		close(release)
	})
	client := suite.newClient()

	suite.Require().NoError(client.Register(rconsumer.Registration{
		Queue: "orders",
		Handler: func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error) {
			close(started)
			<-release
			return amqp.Ack, nil
		},
	}))
	suite.Require().NoError(client.Start(context.Background()))
	suite.PublishMessages("", "orders", 1)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Close(ctx)
	suite.ErrorIs(err, context.DeadlineExceeded)
	suite.ErrorIs(client.Close(context.Background()), context.DeadlineExceeded, "idempotent")
}

func (suite *ClientSuite) Test0030_OwnsConnection() {
	config := suite.Config()
	config.Registerer = nil

	client := roger.New(config, nil)
	suite.Require().NoError(client.Open(context.Background()))
	suite.Equal(1, suite.Broker().OpenConnections())

	suite.Require().NoError(client.Close(context.Background()))
	suite.Equal(0, suite.Broker().OpenConnections())
	suite.True(client.Manager().IsClosing())

	err := client.Publish(context.Background(), "", "orders", false, amqp.Publishing{})
	suite.ErrorIs(err, amqp.ErrClosed)
}

func (suite *ClientSuite) Test0040_BorrowedConnectionLeftOpen() {
	client := suite.newClient()
	suite.Require().NoError(client.Open(context.Background()))
	suite.Require().NoError(client.Close(context.Background()))

	suite.False(suite.Manager().IsClosing())
	suite.Equal(1, suite.Broker().OpenConnections())
}

func (suite *ClientSuite) Test0050_ObserverSeesReconnect() {
	reconnected := make(chan amqp.ReconnectedEvent, 1)
	client := suite.newClient()
	client.AttachObserver(&amqp.ConnectionObserverFuncs{
		OnReconnected: func(event amqp.ReconnectedEvent) {
			reconnected <- event
		},
	})

	suite.Require().NoError(client.Open(context.Background()))
	suite.Broker().Sever()
	suite.Require().NoError(client.Open(context.Background()))

	select {
	case event := <-reconnected:
		suite.Equal(uint64(2), event.Epoch)
	case <-time.After(2 * time.Second):
		suite.T().Fatal("reconnect not observed")
	}
}

func (suite *ClientSuite) Test0060_DurableQueueDeclaredOnStart() {
	client := suite.newClient()
	suite.Require().NoError(client.Register(rconsumer.Registration{
		Queue:    "orders",
		Bindings: []amqp.QueueBinding{ordersBinding},
		Handler: func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error) {
			return amqp.Ack, nil
		},
	}))
	suite.Require().NoError(client.Start(context.Background()))

	broker := suite.Broker()
	suite.True(broker.QueueExists("orders"))
	suite.Equal([]amqp.QueueBinding{ordersBinding}, broker.Bindings("orders"))
	suite.Equal([]string{"orders"}, client.Subscriber().Queues())
}

func TestClient(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}
