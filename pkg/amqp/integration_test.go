//go:build integration

//revive:disable

package amqp_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqptest"
	"github.com/stretchr/testify/suite"
)

// BrokerSuite runs against the real broker at amqptest.DialAddress().
type BrokerSuite struct {
	amqptest.AmqpSuite
}

// declareQueue declares an auto-delete queue with a unique name, so reruns never see
// messages left over by a previous run.
func (suite *BrokerSuite) declareQueue(channel *amqp.Channel, args amqp.Table) string {
	name := "warren_integration_" + uuid.NewString()
	err := channel.Enqueue(context.Background(), func(handle *amqp.ChannelHandle) error {
		_, err := handle.QueueDeclare(name, false, true, false, args)
		return err
	})
	suite.Require().NoError(err, "declare queue")
	return name
}

func (suite *BrokerSuite) publish(channel *amqp.Channel, key string) error {
	pending, err := amqp.EnqueueValue(
		context.Background(),
		channel,
		func(handle *amqp.ChannelHandle) (*amqp.PendingConfirm, error) {
			return handle.Publish("", key, true, amqp.Publishing{Body: msgBody})
		},
	)
	if err != nil {
		return err
	}
	return pending.Wait(context.Background(), 5*time.Second)
}

func (suite *BrokerSuite) newPublishChannel() *amqp.Channel {
	return suite.NewChannel(amqp.ChannelOptions{
		Type:              amqp.ChannelTypePublish,
		PublisherConfirms: true,
	})
}

func (suite *BrokerSuite) Test0000_NoRouteThenRoutable() {
	channel := suite.newPublishChannel()
	queue := suite.declareQueue(channel, nil)

	var noRoute amqp.ErrNoRoute
	suite.Require().ErrorAs(suite.publish(channel, "warren_integration_missing"), &noRoute)
	suite.Equal(uint16(amqp.NoRoute), noRoute.ReplyCode)

	suite.NoError(suite.publish(channel, queue))
}

func (suite *BrokerSuite) Test0010_OverflowRejectedThenRecovers() {
	channel := suite.newPublishChannel()
	limited := suite.declareQueue(channel, amqp.Table{
		"x-max-length": int32(5),
		"x-overflow":   "reject-publish",
	})
	other := suite.declareQueue(channel, nil)

	for i := 0; i < 5; i++ {
		suite.Require().NoErrorf(suite.publish(channel, limited), "publish %v", i)
	}

	var rejected amqp.ErrRejected
	suite.Require().ErrorAs(suite.publish(channel, limited), &rejected)

	suite.NoError(suite.publish(channel, other))
}

func (suite *BrokerSuite) Test0020_ConsumeAndAck() {
	channel := suite.NewChannel(amqp.ChannelOptions{
		Type:          amqp.ChannelTypeConsumeDefault,
		PrefetchCount: 10,
	})
	queue := suite.declareQueue(channel, nil)

	received := make(chan amqp.Delivery, 10)
	err := channel.Enqueue(context.Background(), func(handle *amqp.ChannelHandle) error {
		_, err := handle.Consume(queue, func(ctx context.Context, delivery amqp.Delivery) (amqp.Decision, error) {
			received <- delivery
			return amqp.Ack, nil
		})
		return err
	})
	suite.Require().NoError(err)

	suite.Require().NoError(suite.publish(suite.newPublishChannel(), queue))

	select {
	case delivery := <-received:
		suite.Equal(queue, delivery.Queue)
		suite.Equal(msgBody, delivery.Body)
	case <-time.After(5 * time.Second):
		suite.T().Fatal("delivery not received")
	}
}

func TestBrokerIntegration(t *testing.T) {
	suite.Run(t, &BrokerSuite{
		AmqpSuite: amqptest.AmqpSuite{
			Opts: amqptest.NewSuiteOpts().WithDialAddress(amqptest.DialAddress()),
		},
	})
}
