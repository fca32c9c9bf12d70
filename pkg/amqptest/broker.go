package amqptest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/peake100/warren-go/pkg/amqp"
	streadway "github.com/streadway/amqp"
)

// ErrBrokerUnreachable is returned by FakeBroker.Dial while the broker is unreachable.
var ErrBrokerUnreachable = errors.New("fake broker unreachable")

// storedMessage is a message sitting in a fake queue.
type storedMessage struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type fakeQueue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	// owner is the connection an exclusive queue belongs to.
	owner *fakeConnection

	messages  []storedMessage
	bindings  map[amqp.QueueBinding]struct{}
	consumers []*fakeConsumer
	// nextConsumer is the round-robin index into consumers.
	nextConsumer int
	// hadConsumers is set once a consumer attached, for auto-delete.
	hadConsumers bool
}

// maxLength returns the x-max-length argument, or -1.
func (queue *fakeQueue) maxLength() int {
	value, ok := queue.args["x-max-length"]
	if !ok {
		return -1
	}
	switch typed := value.(type) {
	case int:
		return typed
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return -1
	}
}

func (queue *fakeQueue) rejectsPublish() bool {
	overflow, _ := queue.args["x-overflow"].(string)
	maxLength := queue.maxLength()
	return overflow == "reject-publish" && maxLength >= 0 && len(queue.messages) >= maxLength
}

// FakeBroker is an in-memory AMQP broker implementing amqp.Transport through Dial. It
// supports default and topic exchanges, queue arguments x-max-length with
// x-overflow=reject-publish, publisher confirms, mandatory returns, manual
// acknowledgement, prefetch and exclusive / auto-delete queues. Protocol errors close
// the offending channel with the reply code a real broker uses.
type FakeBroker struct {
	lock        sync.Mutex
	queues      map[string]*fakeQueue
	exchanges   map[string]string
	connections map[*fakeConnection]struct{}
	unreachable bool
	dialErr     error
	dials       int
	nextPort    int

	// management holds injected management api failures.
	managementFailures []int
	managementRequests int
}

// NewFakeBroker returns an empty, reachable broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		queues:      make(map[string]*fakeQueue),
		exchanges:   make(map[string]string),
		connections: make(map[*fakeConnection]struct{}),
		nextPort:    50000,
	}
}

// Dial implements amqp.Dialer.
func (broker *FakeBroker) Dial(ctx context.Context, params amqp.ConnectionParams) (amqp.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	broker.lock.Lock()
	defer broker.lock.Unlock()

	broker.dials++
	if broker.dialErr != nil {
		return nil, broker.dialErr
	}
	if broker.unreachable {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: ErrBrokerUnreachable}
	}

	broker.nextPort++
	conn := &fakeConnection{
		broker:    broker,
		localAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: broker.nextPort},
	}
	broker.connections[conn] = struct{}{}
	return conn, nil
}

// Dials returns how many times Dial was called.
func (broker *FakeBroker) Dials() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return broker.dials
}

// SetUnreachable makes Dial fail with a network error while unreachable is true.
func (broker *FakeBroker) SetUnreachable(unreachable bool) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.unreachable = unreachable
}

// SetDialError makes Dial fail with err until it is reset with nil.
func (broker *FakeBroker) SetDialError(err error) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.dialErr = err
}

// Sever force-closes every open connection, as a broker restart or network failure
// would.
func (broker *FakeBroker) Sever() {
	broker.lock.Lock()
	connections := make([]*fakeConnection, 0, len(broker.connections))
	for conn := range broker.connections {
		connections = append(connections, conn)
	}
	broker.lock.Unlock()

	for _, conn := range connections {
		conn.shutdown(&amqp.Error{
			Code:   streadway.ConnectionForced,
			Reason: "CONNECTION_FORCED - broker forced connection closure",
			Server: true,
		})
	}
}

// OpenConnections returns the number of open connections.
func (broker *FakeBroker) OpenConnections() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return len(broker.connections)
}

// DeclareQueue creates a queue directly, bypassing any channel.
func (broker *FakeBroker) DeclareQueue(name string, durable bool, args amqp.Table) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.queues[name] = &fakeQueue{
		name:     name,
		durable:  durable,
		args:     args,
		bindings: make(map[amqp.QueueBinding]struct{}),
	}
}

// Bind adds a binding directly, declaring the exchange as a topic exchange if needed.
func (broker *FakeBroker) Bind(queue string, binding amqp.QueueBinding) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	if _, ok := broker.exchanges[binding.Exchange]; !ok {
		broker.exchanges[binding.Exchange] = amqp.ExchangeTopic
	}
	if existing, ok := broker.queues[queue]; ok {
		existing.bindings[binding] = struct{}{}
	}
}

// QueueExists reports whether queue exists.
func (broker *FakeBroker) QueueExists(queue string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	_, ok := broker.queues[queue]
	return ok
}

// QueueNames returns the names of all queues.
func (broker *FakeBroker) QueueNames() []string {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	names := make([]string, 0, len(broker.queues))
	for name := range broker.queues {
		names = append(names, name)
	}
	return names
}

// MessageCount returns the number of ready messages in queue.
func (broker *FakeBroker) MessageCount(queue string) int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	if existing, ok := broker.queues[queue]; ok {
		return len(existing.messages)
	}
	return 0
}

// ConsumerCount returns the number of consumers of queue.
func (broker *FakeBroker) ConsumerCount(queue string) int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	if existing, ok := broker.queues[queue]; ok {
		return len(existing.consumers)
	}
	return 0
}

// Bindings returns the non-default bindings of queue.
func (broker *FakeBroker) Bindings(queue string) []amqp.QueueBinding {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	existing, ok := broker.queues[queue]
	if !ok {
		return nil
	}
	bindings := make([]amqp.QueueBinding, 0, len(existing.bindings))
	for binding := range existing.bindings {
		bindings = append(bindings, binding)
	}
	return bindings
}

// ExchangeDeclared reports whether exchange was declared.
func (broker *FakeBroker) ExchangeDeclared(exchange string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	_, ok := broker.exchanges[exchange]
	return ok
}

// Publish routes a message into the broker without a channel, as another client would.
func (broker *FakeBroker) Publish(exchange string, routingKey string, msg amqp.Publishing) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	for _, queue := range broker.route(exchange, routingKey) {
		queue.messages = append(queue.messages, storedMessage{
			exchange:   exchange,
			routingKey: routingKey,
			publishing: msg,
		})
		broker.dispatch(queue)
	}
}

// route must be called with the lock held.
func (broker *FakeBroker) route(exchange string, routingKey string) []*fakeQueue {
	if exchange == "" {
		if queue, ok := broker.queues[routingKey]; ok {
			return []*fakeQueue{queue}
		}
		return nil
	}

	var matched []*fakeQueue
	for _, queue := range broker.queues {
		for binding := range queue.bindings {
			if binding.Exchange == exchange && TopicMatch(binding.RoutingKey, routingKey) {
				matched = append(matched, queue)
				break
			}
		}
	}
	return matched
}

// dispatch hands ready messages of queue to consumers with spare prefetch capacity,
// round-robin. Must be called with the lock held.
func (broker *FakeBroker) dispatch(queue *fakeQueue) {
	for len(queue.messages) > 0 && len(queue.consumers) > 0 {
		var consumer *fakeConsumer
		for i := 0; i < len(queue.consumers); i++ {
			candidate := queue.consumers[(queue.nextConsumer+i)%len(queue.consumers)]
			if candidate.channel.hasCapacity() {
				consumer = candidate
				queue.nextConsumer = (queue.nextConsumer + i + 1) % len(queue.consumers)
				break
			}
		}
		if consumer == nil {
			return
		}

		message := queue.messages[0]
		queue.messages = queue.messages[1:]
		consumer.deliver(queue, message)
	}
}

// removeConsumer must be called with the lock held.
func (broker *FakeBroker) removeConsumer(consumer *fakeConsumer) {
	queue, ok := broker.queues[consumer.queue]
	if !ok {
		return
	}
	for i, existing := range queue.consumers {
		if existing == consumer {
			queue.consumers = append(queue.consumers[:i], queue.consumers[i+1:]...)
			break
		}
	}
	if queue.autoDelete && queue.hadConsumers && len(queue.consumers) == 0 {
		delete(broker.queues, queue.name)
	}
}

// requeue puts an unacknowledged message back at the front of its queue. Must be
// called with the lock held.
func (broker *FakeBroker) requeue(queueName string, message storedMessage) {
	queue, ok := broker.queues[queueName]
	if !ok {
		return
	}
	message.redelivered = true
	queue.messages = append([]storedMessage{message}, queue.messages...)
}

// argumentsEqual compares the x- arguments of two tables.
func argumentsEqual(left amqp.Table, right amqp.Table) bool {
	normalize := func(table amqp.Table) map[string]string {
		normalized := make(map[string]string)
		for key, value := range table {
			if strings.HasPrefix(key, "x-") {
				normalized[key] = fmt.Sprint(value)
			}
		}
		return normalized
	}
	return reflect.DeepEqual(normalize(left), normalize(right))
}

// TopicMatch reports whether routingKey matches a topic binding pattern, where "*"
// matches one word and "#" matches zero or more words.
func TopicMatch(pattern string, routingKey string) bool {
	return topicMatchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func topicMatchWords(pattern []string, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for skip := 0; skip <= len(words); skip++ {
			if topicMatchWords(pattern[1:], words[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatchWords(pattern[1:], words[1:])
	}
}

func generatedQueueName() string {
	return "amq.gen-" + uuid.NewString()
}
