//revive:disable

package amqp_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqptest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

// channelRecorder is a ChannelObserver that records what it is told.
type channelRecorder struct {
	lock      sync.Mutex
	shutdowns []amqp.ShutdownEvent
	recreated []*amqp.ChannelHandle
}

func (recorder *channelRecorder) OnShutdown(event amqp.ShutdownEvent) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.shutdowns = append(recorder.shutdowns, event)
}

func (recorder *channelRecorder) OnRecreated(handle *amqp.ChannelHandle) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.recreated = append(recorder.recreated, handle)
}

func (recorder *channelRecorder) Shutdowns() []amqp.ShutdownEvent {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	return append([]amqp.ShutdownEvent(nil), recorder.shutdowns...)
}

func (recorder *channelRecorder) Recreated() []*amqp.ChannelHandle {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	return append([]*amqp.ChannelHandle(nil), recorder.recreated...)
}

type ChannelSuite struct {
	amqptest.AmqpSuite
}

func (suite *ChannelSuite) publishChannel() *amqp.Channel {
	return suite.NewChannel(amqp.ChannelOptions{
		Type:              amqp.ChannelTypePublish,
		PublisherConfirms: true,
	})
}

func (suite *ChannelSuite) publish(
	channel *amqp.Channel, exchange string, key string, mandatory bool,
) error {
	pending, err := amqp.EnqueueValue(
		context.Background(),
		channel,
		func(handle *amqp.ChannelHandle) (*amqp.PendingConfirm, error) {
			return handle.Publish(exchange, key, mandatory, amqp.Publishing{Body: []byte("body")})
		},
	)
	if err != nil {
		return err
	}
	return pending.Wait(context.Background(), 2*time.Second)
}

func (suite *ChannelSuite) currentHandle(channel *amqp.Channel) *amqp.ChannelHandle {
	handle, err := amqp.EnqueueValue(
		context.Background(),
		channel,
		func(handle *amqp.ChannelHandle) (*amqp.ChannelHandle, error) {
			return handle, nil
		},
	)
	suite.Require().NoError(err)
	return handle
}

func (suite *ChannelSuite) Test0000_OpensLazily() {
	channel := suite.publishChannel()
	suite.Equal(0, suite.Broker().Dials(), "nothing opened before first operation")

	suite.Require().NoError(channel.Open(context.Background()))
	suite.Equal(1, suite.Broker().Dials())
}

func (suite *ChannelSuite) Test0010_OperationsNeverOverlap() {
	channel := suite.NewChannel(amqp.ChannelOptions{Type: amqp.ChannelTypeConsumeDefault})

	var running atomic.Int32
	var overlapped atomic.Bool
	var completed atomic.Int32

	wg := new(sync.WaitGroup)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := channel.Enqueue(context.Background(), func(*amqp.ChannelHandle) error {
				if running.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				completed.Add(1)
				return nil
			})
			suite.NoError(err)
		}()
	}
	wg.Wait()

	suite.False(overlapped.Load(), "operations overlapped")
	suite.Equal(int32(50), completed.Load())
}

func (suite *ChannelSuite) Test0020_StaleHandleIsInvalidated() {
	channel := suite.publishChannel()
	suite.CreateTestQueue("orders", nil)

	first := suite.currentHandle(channel)
	suite.Equal(uint64(1), first.Epoch())

	suite.Broker().Sever()
	suite.Eventually(first.IsClosed, time.Second, 5*time.Millisecond)

	second := suite.currentHandle(channel)
	suite.Equal(uint64(2), second.Epoch())
	suite.NotSame(first, second)

	err := channel.Enqueue(context.Background(), func(*amqp.ChannelHandle) error {
		_, err := first.Publish("", "orders", false, amqp.Publishing{})
		return err
	})
	suite.True(amqp.IsConnectionInvalidated(err), "stale handle rejected: %v", err)

	var invalidated amqp.ErrConnectionInvalidated
	if suite.ErrorAs(err, &invalidated) {
		suite.Equal(uint64(1), invalidated.Expected)
		suite.Equal(uint64(2), invalidated.Current)
	}

	suite.NoError(suite.publish(channel, "", "orders", true), "fresh handle works")
}

func (suite *ChannelSuite) Test0030_ObserversNotifiedOnSever() {
	channel := suite.NewChannel(amqp.ChannelOptions{Type: amqp.ChannelTypeConsumeDefault})
	recorder := new(channelRecorder)
	channel.AttachObserver(recorder)

	suite.Require().NoError(channel.Open(context.Background()))
	suite.Broker().Sever()

	suite.Eventually(func() bool {
		return len(recorder.Recreated()) == 1
	}, time.Second, 5*time.Millisecond, "channel recreated")

	shutdowns := recorder.Shutdowns()
	suite.Require().Len(shutdowns, 1)
	suite.Equal(uint64(1), shutdowns[0].Epoch)
	suite.False(shutdowns[0].IsClosing)
	suite.Equal(uint64(2), recorder.Recreated()[0].Epoch())

	suite.Equal(
		float64(1),
		testutil.ToFloat64(
			suite.Manager().Metrics().ChannelRecreations.WithLabelValues("consume"),
		),
	)
}

func (suite *ChannelSuite) Test0040_ChannelExceptionRecreatesOnSameEpoch() {
	channel := suite.NewChannel(amqp.ChannelOptions{Type: amqp.ChannelTypeConsumeDefault})
	recorder := new(channelRecorder)
	channel.AttachObserver(recorder)

	suite.Broker().DeclareQueue("orders", true, nil)

	err := channel.Enqueue(context.Background(), func(handle *amqp.ChannelHandle) error {
		_, err := handle.QueueDeclare("orders", false, false, false, nil)
		return err
	})
	var amqpErr *amqp.Error
	suite.Require().ErrorAs(err, &amqpErr)
	suite.Equal(amqp.PreconditionFailed, amqpErr.Code)

	suite.Eventually(func() bool {
		return len(recorder.Recreated()) == 1
	}, time.Second, 5*time.Millisecond, "channel recreated")

	shutdowns := recorder.Shutdowns()
	suite.Require().Len(shutdowns, 1)
	suite.Equal(uint16(amqp.PreconditionFailed), shutdowns[0].ReplyCode)
	suite.Equal(uint64(1), recorder.Recreated()[0].Epoch(), "connection survives")
	suite.Equal(1, suite.Broker().Dials())
}

func (suite *ChannelSuite) Test0050_PublishAcked() {
	channel := suite.publishChannel()
	suite.CreateTestQueue("orders", nil)

	suite.NoError(suite.publish(channel, "", "orders", true))
	suite.Equal(1, suite.Broker().MessageCount("orders"))
}

func (suite *ChannelSuite) Test0060_MandatoryPublishWithoutRoute() {
	channel := suite.publishChannel()
	suite.Broker().DeclareQueue("audit", true, nil)
	suite.Broker().Bind("audit", amqp.QueueBinding{Exchange: "shop", RoutingKey: "audit.#"})

	err := suite.publish(channel, "shop", "order.created", true)

	var noRoute amqp.ErrNoRoute
	suite.Require().ErrorAs(err, &noRoute)
	suite.Equal(uint16(amqp.NoRoute), noRoute.ReplyCode)
	suite.Equal("shop", noRoute.Exchange)
	suite.Equal("order.created", noRoute.RoutingKey)

	suite.NoError(suite.publish(channel, "shop", "order.created", false), "not mandatory")
}

func (suite *ChannelSuite) Test0070_OverflowRejectPublishIsNacked() {
	channel := suite.publishChannel()
	suite.CreateTestQueue("orders", amqp.Table{
		"x-max-length": int32(1),
		"x-overflow":   "reject-publish",
	})

	suite.NoError(suite.publish(channel, "", "orders", true))

	err := suite.publish(channel, "", "orders", true)
	var rejected amqp.ErrRejected
	suite.Require().ErrorAs(err, &rejected)
	suite.Equal("orders", rejected.RoutingKey)
	suite.Equal(1, suite.Broker().MessageCount("orders"))
}

func (suite *ChannelSuite) Test0080_UnknownExchangeCancelsConfirm() {
	channel := suite.publishChannel()
	recorder := new(channelRecorder)
	channel.AttachObserver(recorder)

	err := suite.publish(channel, "missing", "order.created", true)
	suite.ErrorAs(err, new(amqp.ErrConfirmCancelled))

	suite.Eventually(func() bool {
		return len(recorder.Recreated()) == 1
	}, time.Second, 5*time.Millisecond, "channel recreated")

	suite.Require().Len(recorder.Shutdowns(), 1)
	suite.Equal(uint16(amqp.NotFound), recorder.Shutdowns()[0].ReplyCode)
}

func (suite *ChannelSuite) Test0090_ExchangeDeclaredOnce() {
	channel := suite.NewChannel(amqp.ChannelOptions{Type: amqp.ChannelTypeConsumeDefault})
	suite.CreateTestQueue("orders", nil)

	binding := amqp.QueueBinding{Exchange: "shop", RoutingKey: "order.*"}
	err := channel.Enqueue(context.Background(), func(handle *amqp.ChannelHandle) error {
		return handle.QueueBind("orders", binding)
	})
	suite.Require().NoError(err)

	suite.True(suite.Broker().ExchangeDeclared("shop"))
	suite.True(suite.Manager().State().IsExchangeDeclared("shop"))
	suite.Equal([]amqp.QueueBinding{binding}, suite.Broker().Bindings("orders"))
}

func (suite *ChannelSuite) Test0100_EnqueueRetrySurvivesSever() {
	channel := suite.publishChannel()
	suite.CreateTestQueue("orders", nil)
	suite.Require().NoError(channel.Open(context.Background()))

	attempts := 0
	err := channel.EnqueueRetry(context.Background(), func(handle *amqp.ChannelHandle) error {
		attempts++
		if attempts == 1 {
			suite.Broker().Sever()
			// Wait for the handle to notice.
			<-handle.Closed()
			_, err := handle.Publish("", "orders", false, amqp.Publishing{})
			return err
		}
		_, err := handle.Publish("", "orders", false, amqp.Publishing{})
		return err
	})

	suite.NoError(err)
	suite.Equal(2, attempts)
}

func (suite *ChannelSuite) Test0110_CloseRejectsOperations() {
	channel := suite.publishChannel()
	recorder := new(channelRecorder)
	channel.AttachObserver(recorder)
	suite.Require().NoError(channel.Open(context.Background()))

	suite.Require().NoError(channel.Close(context.Background()))

	err := channel.Enqueue(context.Background(), func(*amqp.ChannelHandle) error {
		return nil
	})
	suite.ErrorIs(err, amqp.ErrClosed)
	suite.Empty(recorder.Recreated(), "closed channel is not recreated")
	suite.NoError(channel.Close(context.Background()), "close is idempotent")
}

func (suite *ChannelSuite) Test0120_EnqueueHonorsContext() {
	channel := suite.publishChannel()
	suite.Broker().SetUnreachable(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := channel.Open(ctx)
	suite.ErrorIs(err, context.DeadlineExceeded)
}

func (suite *ChannelSuite) Test0130_OnInitRunsForEveryChannel() {
	var inits atomic.Int32
	channel := suite.NewChannel(amqp.ChannelOptions{
		Type: amqp.ChannelTypeConsumeDefault,
		OnInit: func(handle *amqp.ChannelHandle) error {
			inits.Add(1)
			return nil
		},
	})

	suite.Require().NoError(channel.Open(context.Background()))
	suite.Broker().Sever()

	suite.Eventually(func() bool {
		return inits.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestChannel(t *testing.T) {
	suite.Run(t, new(ChannelSuite))
}
