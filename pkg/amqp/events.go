package amqp

import (
	"net"

	events "github.com/docker/go-events"
	"github.com/rs/zerolog"
)

// ConnectedEvent is sent to observers when the first physical connection is made.
type ConnectedEvent struct {
	// Params the connection was made with. The password is redacted.
	Params    ConnectionParams
	LocalAddr net.Addr
	Epoch     uint64
}

// ReconnectedEvent is sent to observers for every connection after the first.
type ReconnectedEvent struct {
	Params    ConnectionParams
	LocalAddr net.Addr
	Epoch     uint64
}

// DisconnectedEvent is sent to observers when a live connection is lost.
type DisconnectedEvent struct {
	ReplyCode uint16
	ReplyText string
	// Epoch of the connection that was lost.
	Epoch uint64
}

// ConnectionObserver is notified of connection lifecycle changes. Each observer receives
// events in order on its own goroutine, so a slow observer does not delay the
// connection or other observers.
type ConnectionObserver interface {
	Connected(event ConnectedEvent)
	Reconnected(event ReconnectedEvent)
	Disconnected(event DisconnectedEvent)
}

// ConnectionObserverFuncs implements ConnectionObserver with optional callbacks.
type ConnectionObserverFuncs struct {
	OnConnected    func(event ConnectedEvent)
	OnReconnected  func(event ReconnectedEvent)
	OnDisconnected func(event DisconnectedEvent)
}

// Connected implements ConnectionObserver.
func (funcs *ConnectionObserverFuncs) Connected(event ConnectedEvent) {
	if funcs.OnConnected != nil {
		funcs.OnConnected(event)
	}
}

// Reconnected implements ConnectionObserver.
func (funcs *ConnectionObserverFuncs) Reconnected(event ReconnectedEvent) {
	if funcs.OnReconnected != nil {
		funcs.OnReconnected(event)
	}
}

// Disconnected implements ConnectionObserver.
func (funcs *ConnectionObserverFuncs) Disconnected(event DisconnectedEvent) {
	if funcs.OnDisconnected != nil {
		funcs.OnDisconnected(event)
	}
}

// observerSink adapts a ConnectionObserver to an events.Sink.
type observerSink struct {
	observer ConnectionObserver
	logger   zerolog.Logger
}

// Write implements events.Sink.
func (sink observerSink) Write(event events.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			sink.logger.Error().
				Interface("PANIC", recovered).
				Msg("connection observer panicked")
		}
	}()

	switch typed := event.(type) {
	case ConnectedEvent:
		sink.observer.Connected(typed)
	case ReconnectedEvent:
		sink.observer.Reconnected(typed)
	case DisconnectedEvent:
		sink.observer.Disconnected(typed)
	}
	return nil
}

// Close implements events.Sink.
func (sink observerSink) Close() error {
	return nil
}

// observerList fans connection events out to observers. Each observer sits behind its
// own events.Queue so writes to the broadcaster never block on an observer.
type observerList struct {
	broadcaster *events.Broadcaster
	sinks       map[ConnectionObserver]*events.Queue
	logger      zerolog.Logger
}

func newObserverList(logger zerolog.Logger) *observerList {
	return &observerList{
		broadcaster: events.NewBroadcaster(),
		sinks:       make(map[ConnectionObserver]*events.Queue),
		logger:      logger,
	}
}

// attach must be called with the ConnectionManager's observer lock held.
func (list *observerList) attach(observer ConnectionObserver) {
	if _, ok := list.sinks[observer]; ok {
		return
	}
	queue := events.NewQueue(observerSink{observer: observer, logger: list.logger})
	list.sinks[observer] = queue
	_ = list.broadcaster.Add(queue)
}

// detach must be called with the ConnectionManager's observer lock held.
func (list *observerList) detach(observer ConnectionObserver) {
	queue, ok := list.sinks[observer]
	if !ok {
		return
	}
	delete(list.sinks, observer)
	_ = list.broadcaster.Remove(queue)
	_ = queue.Close()
}

func (list *observerList) send(event events.Event) {
	if err := list.broadcaster.Write(event); err != nil {
		list.logger.Debug().Err(err).Msg("connection event dropped")
	}
}

func (list *observerList) close() {
	_ = list.broadcaster.Close()
}
