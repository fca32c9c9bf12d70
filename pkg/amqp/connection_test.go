//revive:disable

package amqp_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqptest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	streadway "github.com/streadway/amqp"
	"github.com/stretchr/testify/suite"
)

// recordingObserver collects connection events in the order they were received.
type recordingObserver struct {
	lock   sync.Mutex
	events []interface{}
}

func (observer *recordingObserver) Connected(event amqp.ConnectedEvent) {
	observer.record(event)
}

func (observer *recordingObserver) Reconnected(event amqp.ReconnectedEvent) {
	observer.record(event)
}

func (observer *recordingObserver) Disconnected(event amqp.DisconnectedEvent) {
	observer.record(event)
}

func (observer *recordingObserver) record(event interface{}) {
	observer.lock.Lock()
	defer observer.lock.Unlock()
	observer.events = append(observer.events, event)
}

func (observer *recordingObserver) Events() []interface{} {
	observer.lock.Lock()
	defer observer.lock.Unlock()
	return append([]interface{}(nil), observer.events...)
}

type ConnectionSuite struct {
	amqptest.AmqpSuite
}

func (suite *ConnectionSuite) Test0000_ConnectsLazily() {
	broker := suite.Broker()
	suite.Equal(0, broker.Dials(), "no dial before first use")
	suite.Equal(uint64(0), suite.Manager().Epoch())

	transport, epoch, err := suite.Manager().AcquireConnection(context.Background())
	suite.Require().NoError(err)
	suite.NotNil(transport)
	suite.Equal(uint64(1), epoch)
	suite.Equal(1, broker.Dials())

	_, again, err := suite.Manager().AcquireConnection(context.Background())
	suite.Require().NoError(err)
	suite.Equal(uint64(1), again, "live connection reused")
	suite.Equal(1, broker.Dials())
}

func (suite *ConnectionSuite) Test0010_ReconnectIncrementsEpoch() {
	broker := suite.Broker()
	observer := new(recordingObserver)
	suite.Manager().AttachObserver(observer)

	suite.Require().NoError(suite.Manager().Open(context.Background()))

	broker.Sever()

	suite.Eventually(func() bool {
		return len(observer.Events()) == 2
	}, time.Second, 5*time.Millisecond, "disconnect observed")

	_, epoch, err := suite.Manager().AcquireConnection(context.Background())
	suite.Require().NoError(err)
	suite.Equal(uint64(2), epoch)
	suite.Equal(uint64(2), suite.Manager().Epoch())

	suite.Eventually(func() bool {
		return len(observer.Events()) == 3
	}, time.Second, 5*time.Millisecond, "reconnect observed")

	events := observer.Events()
	suite.IsType(amqp.ConnectedEvent{}, events[0])
	suite.Equal(uint64(1), events[0].(amqp.ConnectedEvent).Epoch)

	disconnected := events[1].(amqp.DisconnectedEvent)
	suite.Equal(uint64(1), disconnected.Epoch)
	suite.Equal(uint16(streadway.ConnectionForced), disconnected.ReplyCode)

	reconnected := events[2].(amqp.ReconnectedEvent)
	suite.Equal(uint64(2), reconnected.Epoch)
	suite.NotEqual("guest", reconnected.Params.Password, "password redacted")

	suite.Equal(float64(1), testutil.ToFloat64(suite.Manager().Metrics().Reconnects))
	suite.Equal(float64(2), testutil.ToFloat64(suite.Manager().Metrics().Epoch))
}

func (suite *ConnectionSuite) Test0020_RetriesUntilReachable() {
	broker := suite.Broker()
	broker.SetUnreachable(true)

	go func() {
		time.Sleep(50 * time.Millisecond)
		broker.SetUnreachable(false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, epoch, err := suite.Manager().AcquireConnection(ctx)
	suite.Require().NoError(err)
	suite.Equal(uint64(1), epoch, "failed attempts do not consume epochs")
	suite.Greater(broker.Dials(), 1)
}

func (suite *ConnectionSuite) Test0030_PermanentDialErrorIsNotRetried() {
	broker := suite.Broker()
	broker.SetDialError(streadway.ErrCredentials)

	_, _, err := suite.Manager().AcquireConnection(context.Background())
	suite.ErrorIs(err, streadway.ErrCredentials)
	suite.Equal(1, broker.Dials())
	suite.Equal(uint64(0), suite.Manager().Epoch())
}

func (suite *ConnectionSuite) Test0040_AcquireStopsOnContext() {
	suite.Broker().SetUnreachable(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := suite.Manager().AcquireConnection(ctx)
	suite.ErrorIs(err, context.DeadlineExceeded)
}

func (suite *ConnectionSuite) Test0050_Close() {
	broker := suite.Broker()
	suite.Require().NoError(suite.Manager().Open(context.Background()))
	suite.Equal(1, broker.OpenConnections())

	suite.NoError(suite.Manager().Close())
	suite.True(suite.Manager().IsClosing())
	suite.Equal(0, broker.OpenConnections())

	_, _, err := suite.Manager().AcquireConnection(context.Background())
	suite.ErrorIs(err, amqp.ErrClosed)

	suite.NoError(suite.Manager().Close(), "close is idempotent")
}

func (suite *ConnectionSuite) Test0060_CloseStopsConnectAttempts() {
	suite.Broker().SetUnreachable(true)

	result := make(chan error, 1)
	go func() {
		_, _, err := suite.Manager().AcquireConnection(context.Background())
		result <- err
	}()

	time.Sleep(30 * time.Millisecond)
	suite.NoError(suite.Manager().Close())

	select {
	case err := <-result:
		suite.ErrorIs(err, amqp.ErrClosed)
	case <-time.After(time.Second):
		suite.FailNow("connect attempt not stopped")
	}
}

func (suite *ConnectionSuite) Test0070_ObserverFuncs() {
	connected := make(chan amqp.ConnectedEvent, 1)
	suite.Manager().AttachObserver(&amqp.ConnectionObserverFuncs{
		OnConnected: func(event amqp.ConnectedEvent) {
			connected <- event
		},
	})

	suite.Require().NoError(suite.Manager().Open(context.Background()))

	select {
	case event := <-connected:
		suite.Equal(uint64(1), event.Epoch)
		suite.NotNil(event.LocalAddr)
	case <-time.After(time.Second):
		suite.FailNow("connected event not received")
	}
}

func (suite *ConnectionSuite) Test0080_PanickingObserverDoesNotBlockOthers() {
	suite.Manager().AttachObserver(&amqp.ConnectionObserverFuncs{
		OnConnected: func(event amqp.ConnectedEvent) {
			panic("observer failure")
		},
	})
	observer := new(recordingObserver)
	suite.Manager().AttachObserver(observer)

	suite.Require().NoError(suite.Manager().Open(context.Background()))

	suite.Eventually(func() bool {
		return len(observer.Events()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionManager(t *testing.T) {
	suite.Run(t, new(ConnectionSuite))
}
