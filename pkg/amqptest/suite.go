//revive:disable:import-shadowing

package amqptest

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/peake100/warren-go/pkg/amqp"
	"github.com/peake100/warren-go/pkg/amqp/management"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

const (
	// TestDialAddress is the default address of a real test broker.
	TestDialAddress = "amqp://localhost:57018"
	// DialAddressEnv overrides TestDialAddress.
	DialAddressEnv = "WARREN_TEST_ADDRESS"
)

// DialAddress returns the address of the real test broker.
func DialAddress() string {
	if address := os.Getenv(DialAddressEnv); address != "" {
		return address
	}
	return TestDialAddress
}

// SuiteOpts configures AmqpSuite.
type SuiteOpts struct {
	dialAddress string
	configure   func(config *amqp.Config)
}

// WithDialAddress makes the suite connect to a real broker at amqpURI instead of a
// FakeBroker.
//
// Default: "" (use a FakeBroker).
func (opts *SuiteOpts) WithDialAddress(amqpURI string) *SuiteOpts {
	opts.dialAddress = amqpURI
	return opts
}

// WithConfig registers a function that adjusts the amqp.Config of every connection
// manager the suite creates.
//
// Default: nil.
func (opts *SuiteOpts) WithConfig(configure func(config *amqp.Config)) *SuiteOpts {
	opts.configure = configure
	return opts
}

// NewSuiteOpts returns a new SuiteOpts with default values.
func NewSuiteOpts() *SuiteOpts {
	return new(SuiteOpts)
}

// AmqpSuite can be embedded into a testify suite. Every test gets a fresh broker, a
// ConnectionManager with short reconnect delays and a prometheus registry, torn down at
// the end of the test.
type AmqpSuite struct {
	// Suite is the embedded suite type.
	suite.Suite

	// Opts can be set on suite instantiation or during setup.
	Opts *SuiteOpts

	broker     *FakeBroker
	management *httptest.Server
	registry   *prometheus.Registry
	manager    *amqp.ConnectionManager
}

// TestConfig returns a config with short delays, logging disabled and the given
// registerer, for dialer.
func TestConfig(dialer amqp.Dialer, registerer prometheus.Registerer) amqp.Config {
	logger := zerolog.Nop()

	config := amqp.DefaultConfig()
	config.Logger = &logger
	config.Dialer = dialer
	config.Registerer = registerer
	config.ReconnectDelay = 10 * time.Millisecond
	config.MinimumConnectedTime = time.Nanosecond
	config.ChannelRecreateDelay = 10 * time.Millisecond
	config.MinimumChannelLifetime = time.Nanosecond
	config.ConfirmTimeout = 2 * time.Second
	return config
}

// IsFake reports whether the suite runs against a FakeBroker.
func (suite *AmqpSuite) IsFake() bool {
	return suite.Opts == nil || suite.Opts.dialAddress == ""
}

// Config returns the config the suite builds connection managers from.
func (suite *AmqpSuite) Config() amqp.Config {
	var config amqp.Config
	if suite.IsFake() {
		config = TestConfig(suite.broker.Dial, suite.registry)
	} else {
		config = TestConfig(amqp.DialStreadway, suite.registry)
		params, err := amqp.ParseConnectionURI(suite.Opts.dialAddress)
		if !suite.NoError(err, "parse dial address") {
			suite.T().FailNow()
		}
		config.Params = params
	}

	if suite.Opts != nil && suite.Opts.configure != nil {
		suite.Opts.configure(&config)
	}
	return config
}

// Broker returns the FakeBroker of the current test. The test is skipped when the suite
// runs against a real broker.
func (suite *AmqpSuite) Broker() *FakeBroker {
	if !suite.IsFake() {
		suite.T().Skip("test requires a fake broker")
	}
	return suite.broker
}

// Registry returns the prometheus registry of the current test.
func (suite *AmqpSuite) Registry() *prometheus.Registry {
	return suite.registry
}

// Manager returns the ConnectionManager of the current test.
func (suite *AmqpSuite) Manager() *amqp.ConnectionManager {
	return suite.manager
}

// NewManager returns an extra ConnectionManager on the test's broker, closed at the end
// of the test.
func (suite *AmqpSuite) NewManager() *amqp.ConnectionManager {
	config := suite.Config()
	config.Registerer = nil
	manager := amqp.NewConnectionManager(config)
	suite.T().Cleanup(func() {
		_ = manager.Close()
	})
	return manager
}

// ManagementOpts returns management client options pointing at the test broker with a
// fast retry schedule.
func (suite *AmqpSuite) ManagementOpts() *management.Opts {
	opts := management.NewOpts().
		WithMetrics(suite.manager.Metrics()).
		WithBackOff(func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		})
	if suite.management != nil {
		opts.WithBaseURL(suite.management.URL)
	}
	return opts
}

// NewChannel returns a Channel on the test's manager, closed at the end of the test.
func (suite *AmqpSuite) NewChannel(options amqp.ChannelOptions) *amqp.Channel {
	channel := amqp.NewChannel(suite.manager, options)
	suite.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = channel.Close(ctx)
	})
	return channel
}

// CreateTestQueue declares a non-durable queue and binds it, failing the test
// immediately on error.
func (suite *AmqpSuite) CreateTestQueue(
	name string, args amqp.Table, bindings ...amqp.QueueBinding,
) {
	channel := suite.NewChannel(amqp.ChannelOptions{Type: amqp.ChannelTypeConsumeDefault})
	err := channel.Enqueue(context.Background(), func(handle *amqp.ChannelHandle) error {
		if _, err := handle.QueueDeclare(name, false, false, false, args); err != nil {
			return err
		}
		for _, binding := range bindings {
			if err := handle.QueueBind(name, binding); err != nil {
				return err
			}
		}
		return nil
	})
	if !suite.NoError(err, "create test queue") {
		suite.T().FailNow()
	}
}

// PublishMessages publishes count confirmed messages to exchange with key and waits
// for their confirms. Message bodies are their index, starting at 0.
func (suite *AmqpSuite) PublishMessages(exchange string, key string, count int) {
	channel := suite.NewChannel(amqp.ChannelOptions{
		Type:              amqp.ChannelTypePublish,
		PublisherConfirms: true,
	})

	for i := 0; i < count; i++ {
		pending, err := amqp.EnqueueValue(
			context.Background(),
			channel,
			func(handle *amqp.ChannelHandle) (*amqp.PendingConfirm, error) {
				return handle.Publish(exchange, key, true, amqp.Publishing{
					Body: []byte(fmt.Sprint(i)),
				})
			},
		)
		if !suite.NoErrorf(err, "publish %v", i) {
			suite.T().FailNow()
		}

		err = pending.Wait(context.Background(), 2*time.Second)
		if !suite.NoErrorf(err, "confirm %v", i) {
			suite.T().FailNow()
		}
	}
}

// SetupTest implements suite.SetupTestSuite.
func (suite *AmqpSuite) SetupTest() {
	if suite.Opts == nil {
		suite.Opts = NewSuiteOpts()
	}

	suite.registry = prometheus.NewRegistry()
	if suite.IsFake() {
		suite.broker = NewFakeBroker()
		suite.management = httptest.NewServer(suite.broker.ManagementHandler())
	}
	suite.manager = amqp.NewConnectionManager(suite.Config())
}

// TearDownTest implements suite.TearDownTestSuite.
func (suite *AmqpSuite) TearDownTest() {
	if suite.manager != nil {
		_ = suite.manager.Close()
	}
	if suite.management != nil {
		suite.management.Close()
		suite.management = nil
	}
}
