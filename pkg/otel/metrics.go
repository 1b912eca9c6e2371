package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EventMetrics struct {
	WaitingEventsCreated  metric.Int64Counter
	WaitingEventsConsumed metric.Int64Counter
	MessagesPublished     metric.Int64Counter
	SignalsBroadcast      metric.Int64Counter
	ErrorsEscalated       metric.Int64Counter
	InstancesInterrupted  metric.Int64Counter
	StartsRejected        metric.Int64Counter
}

func NewEventMetrics(meter metric.Meter) (*EventMetrics, error) {
	var errJoin error

	waitingEventsCreated, err := meter.Int64Counter("waiting_events_created", metric.WithDescription("Number of waiting event registrations created"))
	errJoin = errors.Join(errJoin, err)

	waitingEventsConsumed, err := meter.Int64Counter("waiting_events_consumed", metric.WithDescription("Number of waiting event registrations consumed by a trigger"))
	errJoin = errors.Join(errJoin, err)

	messagesPublished, err := meter.Int64Counter("messages_published", metric.WithDescription("Number of message instances published"))
	errJoin = errors.Join(errJoin, err)

	signalsBroadcast, err := meter.Int64Counter("signals_broadcast", metric.WithDescription("Number of waiting registrations resumed by signal broadcasts"))
	errJoin = errors.Join(errJoin, err)

	errorsEscalated, err := meter.Int64Counter("errors_escalated", metric.WithDescription("Number of error throws routed through the escalation search"))
	errJoin = errors.Join(errJoin, err)

	instancesInterrupted, err := meter.Int64Counter("instances_interrupted", metric.WithDescription("Number of process instances interrupted"))
	errJoin = errors.Join(errJoin, err)

	startsRejected, err := meter.Int64Counter("starts_rejected", metric.WithDescription("Number of process starts rejected by the rate verifier"))
	errJoin = errors.Join(errJoin, err)

	metrics := EventMetrics{
		WaitingEventsCreated:  waitingEventsCreated,
		WaitingEventsConsumed: waitingEventsConsumed,
		MessagesPublished:     messagesPublished,
		SignalsBroadcast:      signalsBroadcast,
		ErrorsEscalated:       errorsEscalated,
		InstancesInterrupted:  instancesInterrupted,
		StartsRejected:        startsRejected,
	}
	return &metrics, errJoin
}
