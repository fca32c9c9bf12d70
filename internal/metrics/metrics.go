// Package metrics holds the prometheus collectors shared by the connection, channel,
// consumer and management layers. A nil *Collectors is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warren"

// Confirm results used as the "result" label of PublishConfirms.
const (
	ConfirmAck       = "ack"
	ConfirmNoRoute   = "no_route"
	ConfirmRejected  = "rejected"
	ConfirmTimeout   = "timeout"
	ConfirmCancelled = "cancelled"
)

// Collectors groups every collector the library reports to.
type Collectors struct {
	Reconnects         prometheus.Counter
	Epoch              prometheus.Gauge
	ChannelRecreations *prometheus.CounterVec
	PublishConfirms    *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	HandlersInFlight   prometheus.Gauge
	HandlersDetached   prometheus.Counter
	ManagementRetries  prometheus.Counter
}

// New creates the collectors and registers them with registerer. If a collector with
// the same description is already registered, the existing one is reused, so several
// clients may share a registry. A nil registerer returns nil.
func New(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		return nil
	}

	collectors := &Collectors{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Number of successful broker reconnects after the first connect.",
		}),
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "epoch",
			Help:      "Current connection epoch.",
		}),
		ChannelRecreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "recreations_total",
			Help:      "Number of physical channels created to replace a dead one.",
		}, []string{"channel_type"}),
		PublishConfirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "confirms_total",
			Help:      "Resolved publisher confirms by result.",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "deliveries_total",
			Help:      "Handled deliveries by decision.",
		}, []string{"queue", "decision"}),
		HandlersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handlers_in_flight",
			Help:      "Message handlers currently running, detached handlers included.",
		}),
		HandlersDetached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handlers_detached_total",
			Help:      "Message handlers detached from a closed channel while still running.",
		}),
		ManagementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "management",
			Name:      "retries_total",
			Help:      "Management API requests retried after a transient failure.",
		}),
	}

	collectors.Reconnects = register(registerer, collectors.Reconnects)
	collectors.Epoch = register(registerer, collectors.Epoch)
	collectors.ChannelRecreations = register(registerer, collectors.ChannelRecreations)
	collectors.PublishConfirms = register(registerer, collectors.PublishConfirms)
	collectors.Deliveries = register(registerer, collectors.Deliveries)
	collectors.HandlersInFlight = register(registerer, collectors.HandlersInFlight)
	collectors.HandlersDetached = register(registerer, collectors.HandlersDetached)
	collectors.ManagementRetries = register(registerer, collectors.ManagementRetries)

	return collectors
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var alreadyRegistered prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		if existing, ok := alreadyRegistered.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

// ObserveConnect records a successful connect at epoch.
func (collectors *Collectors) ObserveConnect(epoch uint64, reconnect bool) {
	if collectors == nil {
		return
	}
	collectors.Epoch.Set(float64(epoch))
	if reconnect {
		collectors.Reconnects.Inc()
	}
}

// ObserveChannelRecreated records a replacement physical channel.
func (collectors *Collectors) ObserveChannelRecreated(channelType string) {
	if collectors == nil {
		return
	}
	collectors.ChannelRecreations.WithLabelValues(channelType).Inc()
}

// ObserveConfirm records a resolved publisher confirm.
func (collectors *Collectors) ObserveConfirm(result string) {
	if collectors == nil {
		return
	}
	collectors.PublishConfirms.WithLabelValues(result).Inc()
}

// ObserveDelivery records the decision made for one delivery.
func (collectors *Collectors) ObserveDelivery(queue string, decision string) {
	if collectors == nil {
		return
	}
	collectors.Deliveries.WithLabelValues(queue, decision).Inc()
}

// HandlerEntered records a handler starting.
func (collectors *Collectors) HandlerEntered() {
	if collectors == nil {
		return
	}
	collectors.HandlersInFlight.Inc()
}

// HandlerExited records a handler finishing.
func (collectors *Collectors) HandlerExited() {
	if collectors == nil {
		return
	}
	collectors.HandlersInFlight.Dec()
}

// HandlerDetached records a handler detached from its delivery callback.
func (collectors *Collectors) HandlerDetached() {
	if collectors == nil {
		return
	}
	collectors.HandlersDetached.Inc()
}

// ManagementRetry records a retried management API request.
func (collectors *Collectors) ManagementRetry() {
	if collectors == nil {
		return
	}
	collectors.ManagementRetries.Inc()
}
