package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/peake100/warren-go/internal/metrics"
)

// PendingConfirm is a publish waiting for its broker ack, nack or return.
type PendingConfirm struct {
	Exchange   string
	RoutingKey string

	// tag is the publish sequence number on the physical channel. 0 for publishes
	// that are not confirmed.
	tag     uint64
	done    chan struct{}
	once    sync.Once
	err     error
	metrics *metrics.Collectors
}

func newPendingConfirm(
	exchange string, routingKey string, tag uint64, collectors *metrics.Collectors,
) *PendingConfirm {
	return &PendingConfirm{
		Exchange:   exchange,
		RoutingKey: routingKey,
		tag:        tag,
		done:       make(chan struct{}),
		metrics:    collectors,
	}
}

// resolve sets the result of the confirm. Only the first call has an effect, and it
// reports whether it was that first call.
func (pending *PendingConfirm) resolve(err error) (resolved bool) {
	pending.once.Do(func() {
		pending.err = err
		close(pending.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the confirm resolves.
func (pending *PendingConfirm) Done() <-chan struct{} {
	return pending.done
}

// Err returns the result of a resolved confirm: nil for an ack, ErrNoRoute,
// ErrRejected or ErrConfirmCancelled. It must only be called after Done is closed.
func (pending *PendingConfirm) Err() error {
	return pending.err
}

// Wait blocks until the confirm resolves, timeout passes or ctx is cancelled. A
// timeout returns ErrConfirmTimeout. timeout <= 0 waits without a limit.
func (pending *PendingConfirm) Wait(ctx context.Context, timeout time.Duration) error {
	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutChan = timer.C
	}

	select {
	case <-pending.done:
		return pending.err
	case <-timeoutChan:
		pending.metrics.ObserveConfirm(metrics.ConfirmTimeout)
		return ErrConfirmTimeout{
			Exchange:   pending.Exchange,
			RoutingKey: pending.RoutingKey,
			Timeout:    timeout,
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// returnGroup aggregates basic.return events for one exchange and routing key. Returns
// carry no delivery tag, so a return is attributed to the next acked publish with the
// same key.
type returnGroup struct {
	refCount       int
	firstReplyCode uint16
}

func returnKey(exchange string, routingKey string) string {
	return exchange + ":" + routingKey
}

// confirmTracker correlates broker confirms and returns on one physical channel with
// the publishes made on it.
type confirmTracker struct {
	lock    sync.Mutex
	lastTag uint64
	pending map[uint64]*PendingConfirm
	returns map[string]*returnGroup
	closed  bool

	metrics *metrics.Collectors
}

func newConfirmTracker(collectors *metrics.Collectors) *confirmTracker {
	return &confirmTracker{
		pending: make(map[uint64]*PendingConfirm),
		returns: make(map[string]*returnGroup),
		metrics: collectors,
	}
}

// Track registers the next publish. It must be called in publish order, immediately
// before the publish is sent.
func (tracker *confirmTracker) Track(exchange string, routingKey string) *PendingConfirm {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	if tracker.closed {
		pending := newPendingConfirm(exchange, routingKey, 0, tracker.metrics)
		pending.resolve(ErrConfirmCancelled{Exchange: exchange, RoutingKey: routingKey})
		return pending
	}

	tracker.lastTag++
	pending := newPendingConfirm(exchange, routingKey, tracker.lastTag, tracker.metrics)
	tracker.pending[pending.tag] = pending
	return pending
}

// Forget removes a tracked publish that failed to send, giving its tag back.
func (tracker *confirmTracker) Forget(pending *PendingConfirm, err error) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	delete(tracker.pending, pending.tag)
	if pending.tag == tracker.lastTag && tracker.lastTag > 0 {
		tracker.lastTag--
	}
	pending.resolve(err)
}

// Outstanding returns how many publishes are waiting for a confirm.
func (tracker *confirmTracker) Outstanding() int {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	return len(tracker.pending)
}

// OnReturn records a basic.return. The broker sends it before the matching ack.
func (tracker *confirmTracker) OnReturn(exchange string, routingKey string, replyCode uint16) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	key := returnKey(exchange, routingKey)
	group, ok := tracker.returns[key]
	if !ok {
		group = &returnGroup{firstReplyCode: replyCode}
		tracker.returns[key] = group
	}
	group.refCount++
}

// OnAck resolves the publish with tag, or every publish up to tag when multiple is set.
func (tracker *confirmTracker) OnAck(tag uint64, multiple bool) {
	tracker.resolveTags(tag, multiple, true)
}

// OnNack is as OnAck for a negative acknowledgement.
func (tracker *confirmTracker) OnNack(tag uint64, multiple bool) {
	tracker.resolveTags(tag, multiple, false)
}

func (tracker *confirmTracker) resolveTags(tag uint64, multiple bool, ack bool) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	if !multiple {
		if pending, ok := tracker.pending[tag]; ok {
			delete(tracker.pending, tag)
			tracker.resolveOne(pending, ack)
		}
		return
	}

	for pendingTag, pending := range tracker.pending {
		if pendingTag > tag {
			continue
		}
		delete(tracker.pending, pendingTag)
		tracker.resolveOne(pending, ack)
	}
}

// resolveOne must be called with the lock held.
func (tracker *confirmTracker) resolveOne(pending *PendingConfirm, ack bool) {
	var replyCode uint16
	returned := false

	key := returnKey(pending.Exchange, pending.RoutingKey)
	if group, ok := tracker.returns[key]; ok {
		returned = true
		replyCode = group.firstReplyCode
		group.refCount--
		if group.refCount <= 0 {
			delete(tracker.returns, key)
		}
	}

	var err error
	result := metrics.ConfirmAck

	switch {
	case !ack:
		err = ErrRejected{Exchange: pending.Exchange, RoutingKey: pending.RoutingKey}
		result = metrics.ConfirmRejected
	case returned:
		if replyCode == 0 {
			replyCode = NoRoute
		}
		err = ErrNoRoute{
			Exchange:   pending.Exchange,
			RoutingKey: pending.RoutingKey,
			ReplyCode:  replyCode,
		}
		result = metrics.ConfirmNoRoute
	}

	if pending.resolve(err) {
		tracker.metrics.ObserveConfirm(result)
	}
}

// Cancel resolves every outstanding publish with ErrConfirmCancelled and rejects any
// further Track. Called when the physical channel shuts down.
func (tracker *confirmTracker) Cancel() {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	tracker.closed = true
	for tag, pending := range tracker.pending {
		delete(tracker.pending, tag)
		cancelled := pending.resolve(ErrConfirmCancelled{
			Exchange:   pending.Exchange,
			RoutingKey: pending.RoutingKey,
		})
		if cancelled {
			tracker.metrics.ObserveConfirm(metrics.ConfirmCancelled)
		}
	}
	tracker.returns = make(map[string]*returnGroup)
}

// run feeds broker confirms and returns into the tracker until both channels are
// closed. Both must be unbuffered so a return is fully recorded before the reader
// delivers the ack that follows it.
func (tracker *confirmTracker) run(confirms <-chan Confirmation, returns <-chan Return) {
	defer tracker.Cancel()

	for confirms != nil || returns != nil {
		select {
		case returned, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			tracker.OnReturn(returned.Exchange, returned.RoutingKey, returned.ReplyCode)
		case confirmation, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			if confirmation.Ack {
				tracker.OnAck(confirmation.DeliveryTag, false)
			} else {
				tracker.OnNack(confirmation.DeliveryTag, false)
			}
		}
	}
}
