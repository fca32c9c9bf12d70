package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_NilSafe(t *testing.T) {
	var collectors *Collectors
	assert.Nil(t, New(nil))

	assert.NotPanics(t, func() {
		collectors.ObserveConnect(1, true)
		collectors.ObserveChannelRecreated("publish")
		collectors.ObserveConfirm(ConfirmAck)
		collectors.ObserveDelivery("queue", "ack")
		collectors.HandlerEntered()
		collectors.HandlerExited()
		collectors.HandlerDetached()
		collectors.ManagementRetry()
	})
}

func TestCollectors_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	collectors := New(registry)
	require.NotNil(t, collectors)

	collectors.ObserveConnect(1, false)
	collectors.ObserveConnect(2, true)
	collectors.ObserveConfirm(ConfirmAck)
	collectors.ObserveConfirm(ConfirmAck)
	collectors.ObserveConfirm(ConfirmNoRoute)
	collectors.HandlerEntered()
	collectors.HandlerEntered()
	collectors.HandlerExited()

	assert.Equal(t, float64(2), testutil.ToFloat64(collectors.Epoch))
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.Reconnects))
	assert.Equal(t, float64(2), testutil.ToFloat64(collectors.PublishConfirms.WithLabelValues(ConfirmAck)))
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.PublishConfirms.WithLabelValues(ConfirmNoRoute)))
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.HandlersInFlight))
}

func TestCollectors_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := New(registry)

	var second *Collectors
	require.NotPanics(t, func() {
		second = New(registry)
	})

	second.ObserveConnect(1, true)
	assert.Equal(t, float64(1), testutil.ToFloat64(first.Reconnects))
}
