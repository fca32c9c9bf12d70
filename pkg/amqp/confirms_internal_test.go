//revive:disable

package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/peake100/warren-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireResolved(t *testing.T, pending *PendingConfirm) error {
	select {
	case <-pending.Done():
		return pending.Err()
	case <-time.After(time.Second):
		t.Fatalf("confirm %v not resolved", pending.tag)
		return nil
	}
}

func requireUnresolved(t *testing.T, pending *PendingConfirm) {
	select {
	case <-pending.Done():
		t.Fatalf("confirm %v resolved early with %v", pending.tag, pending.Err())
	default:
	}
}

func TestConfirmTracker_AckInOrder(t *testing.T) {
	tracker := newConfirmTracker(nil)

	first := tracker.Track("shop", "order.created")
	second := tracker.Track("shop", "order.created")
	assert.Equal(t, uint64(1), first.tag)
	assert.Equal(t, uint64(2), second.tag)

	tracker.OnAck(2, false)
	requireUnresolved(t, first)
	assert.NoError(t, requireResolved(t, second))

	tracker.OnAck(1, false)
	assert.NoError(t, requireResolved(t, first))
	assert.Equal(t, 0, tracker.Outstanding())
}

func TestConfirmTracker_AckMultiple(t *testing.T) {
	tracker := newConfirmTracker(nil)

	pending := make([]*PendingConfirm, 5)
	for i := range pending {
		pending[i] = tracker.Track("shop", "order.created")
	}

	tracker.OnAck(3, true)
	for _, confirm := range pending[:3] {
		assert.NoError(t, requireResolved(t, confirm))
	}
	requireUnresolved(t, pending[3])
	requireUnresolved(t, pending[4])
	assert.Equal(t, 2, tracker.Outstanding())
}

func TestConfirmTracker_ReturnThenAckIsNoRoute(t *testing.T) {
	collectors := metrics.New(prometheus.NewRegistry())
	tracker := newConfirmTracker(collectors)

	pending := tracker.Track("shop", "order.created")
	tracker.OnReturn("shop", "order.created", 0)
	tracker.OnAck(pending.tag, false)

	err := requireResolved(t, pending)
	var noRoute ErrNoRoute
	require.ErrorAs(t, err, &noRoute)
	assert.Equal(t, uint16(NoRoute), noRoute.ReplyCode, "code defaults to NO_ROUTE")
	assert.Equal(t, "shop", noRoute.Exchange)
	assert.Equal(t, "order.created", noRoute.RoutingKey)

	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(collectors.PublishConfirms.WithLabelValues(metrics.ConfirmNoRoute)),
	)
}

func TestConfirmTracker_ReturnOnlyAffectsMatchingKey(t *testing.T) {
	tracker := newConfirmTracker(nil)

	routed := tracker.Track("shop", "order.created")
	unrouted := tracker.Track("shop", "order.deleted")

	tracker.OnReturn("shop", "order.deleted", NoRoute)
	tracker.OnAck(unrouted.tag, true)

	assert.NoError(t, requireResolved(t, routed))
	assert.ErrorAs(t, requireResolved(t, unrouted), new(ErrNoRoute))
}

func TestConfirmTracker_ReturnGroupIsRefCounted(t *testing.T) {
	tracker := newConfirmTracker(nil)

	first := tracker.Track("shop", "order.created")
	second := tracker.Track("shop", "order.created")
	third := tracker.Track("shop", "order.created")

	// Two returns for the same key are attributed to the next two acks.
	tracker.OnReturn("shop", "order.created", NoRoute)
	tracker.OnReturn("shop", "order.created", NoRoute)

	tracker.OnAck(first.tag, false)
	tracker.OnAck(second.tag, false)
	tracker.OnAck(third.tag, false)

	assert.ErrorAs(t, requireResolved(t, first), new(ErrNoRoute))
	assert.ErrorAs(t, requireResolved(t, second), new(ErrNoRoute))
	assert.NoError(t, requireResolved(t, third), "group released")
}

func TestConfirmTracker_NackIsRejected(t *testing.T) {
	tracker := newConfirmTracker(nil)

	pending := tracker.Track("shop", "order.created")
	tracker.OnNack(pending.tag, false)

	var rejected ErrRejected
	require.ErrorAs(t, requireResolved(t, pending), &rejected)
	assert.Equal(t, "order.created", rejected.RoutingKey)
}

func TestConfirmTracker_NackReleasesReturnGroup(t *testing.T) {
	tracker := newConfirmTracker(nil)

	nacked := tracker.Track("shop", "order.created")
	acked := tracker.Track("shop", "order.created")

	tracker.OnReturn("shop", "order.created", NoRoute)
	tracker.OnNack(nacked.tag, false)
	tracker.OnAck(acked.tag, false)

	assert.ErrorAs(t, requireResolved(t, nacked), new(ErrRejected))
	assert.NoError(t, requireResolved(t, acked))
}

func TestConfirmTracker_Cancel(t *testing.T) {
	collectors := metrics.New(prometheus.NewRegistry())
	tracker := newConfirmTracker(collectors)

	first := tracker.Track("shop", "order.created")
	second := tracker.Track("shop", "order.updated")

	tracker.Cancel()

	var cancelled ErrConfirmCancelled
	require.ErrorAs(t, requireResolved(t, first), &cancelled)
	assert.Equal(t, "order.created", cancelled.RoutingKey)
	assert.ErrorAs(t, requireResolved(t, second), new(ErrConfirmCancelled))
	assert.Equal(t, 0, tracker.Outstanding())

	late := tracker.Track("shop", "order.created")
	assert.ErrorAs(t, requireResolved(t, late), new(ErrConfirmCancelled), "closed tracker")

	// A late ack for a cancelled tag is ignored.
	tracker.OnAck(1, false)
	assert.ErrorAs(t, first.Err(), new(ErrConfirmCancelled))

	assert.Equal(
		t,
		float64(2),
		testutil.ToFloat64(collectors.PublishConfirms.WithLabelValues(metrics.ConfirmCancelled)),
	)
}

func TestConfirmTracker_ForgetReusesTag(t *testing.T) {
	tracker := newConfirmTracker(nil)

	first := tracker.Track("shop", "order.created")
	failed := tracker.Track("shop", "order.created")
	tracker.Forget(failed, ErrClosed)

	assert.ErrorIs(t, requireResolved(t, failed), ErrClosed)

	next := tracker.Track("shop", "order.created")
	assert.Equal(t, uint64(2), next.tag)
	requireUnresolved(t, first)
}

func TestConfirmTracker_RunProcessesReturnBeforeAck(t *testing.T) {
	tracker := newConfirmTracker(nil)
	confirms := make(chan Confirmation)
	returns := make(chan Return)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		tracker.run(confirms, returns)
	}()

	pending := tracker.Track("shop", "order.created")

	returns <- Return{Exchange: "shop", RoutingKey: "order.created", ReplyCode: NoRoute}
	confirms <- Confirmation{DeliveryTag: pending.tag, Ack: true}

	assert.ErrorAs(t, requireResolved(t, pending), new(ErrNoRoute))

	orphan := tracker.Track("shop", "order.created")
	close(confirms)
	close(returns)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("run did not exit")
	}
	assert.ErrorAs(t, requireResolved(t, orphan), new(ErrConfirmCancelled))
}

func TestPendingConfirm_WaitTimeout(t *testing.T) {
	collectors := metrics.New(prometheus.NewRegistry())
	tracker := newConfirmTracker(collectors)
	pending := tracker.Track("shop", "order.created")

	err := pending.Wait(context.Background(), 10*time.Millisecond)

	var timeout ErrConfirmTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 10*time.Millisecond, timeout.Timeout)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(collectors.PublishConfirms.WithLabelValues(metrics.ConfirmTimeout)),
	)
}

func TestPendingConfirm_WaitContext(t *testing.T) {
	tracker := newConfirmTracker(nil)
	pending := tracker.Track("shop", "order.created")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, pending.Wait(ctx, time.Second), context.Canceled)
}
