package amqptest

import (
	"net"

	"github.com/peake100/warren-go/pkg/amqp"
)

// fakeConnection is a connection to a FakeBroker. Its mutable fields are guarded by
// the broker's lock.
type fakeConnection struct {
	broker    *FakeBroker
	localAddr net.Addr

	closed         bool
	channels       []*fakeChannel
	closeListeners []chan *amqp.Error
}

// Channel implements amqp.Transport.
func (conn *fakeConnection) Channel() (amqp.TransportChannel, error) {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		return nil, amqp.ErrClosed
	}

	channel := newFakeChannel(conn)
	conn.channels = append(conn.channels, channel)
	return channel, nil
}

// NotifyClose implements amqp.Transport.
func (conn *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		close(receiver)
		return receiver
	}
	conn.closeListeners = append(conn.closeListeners, receiver)
	return receiver
}

// IsClosed implements amqp.Transport.
func (conn *fakeConnection) IsClosed() bool {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()
	return conn.closed
}

// LocalAddr implements amqp.Transport.
func (conn *fakeConnection) LocalAddr() net.Addr {
	return conn.localAddr
}

// Close implements amqp.Transport.
func (conn *fakeConnection) Close() error {
	if conn.IsClosed() {
		return amqp.ErrClosed
	}
	conn.shutdown(nil)
	return nil
}

// shutdown closes the connection and its channels. err is nil for a client-initiated
// close.
func (conn *fakeConnection) shutdown(err *amqp.Error) {
	broker := conn.broker

	broker.lock.Lock()
	if conn.closed {
		broker.lock.Unlock()
		return
	}
	conn.closed = true
	delete(broker.connections, conn)
	channels := conn.channels
	conn.channels = nil
	listeners := conn.closeListeners
	conn.closeListeners = nil
	broker.lock.Unlock()

	for _, channel := range channels {
		channel.shutdown(err)
	}

	broker.lock.Lock()
	for name, queue := range broker.queues {
		if queue.exclusive && queue.owner == conn {
			delete(broker.queues, name)
		}
	}
	broker.lock.Unlock()

	for _, listener := range listeners {
		if err != nil {
			listener <- err
		}
		close(listener)
	}
}
