package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the client's metric instruments.
type Metrics struct {
	EventsApplied    metric.Int64Counter
	EventsDropped    metric.Int64Counter
	TaskLogBytes     metric.Int64Counter
	SessionStates    metric.Int64Counter
	VaultTransitions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsApplied, err = meter.Int64Counter("spyglass.events.applied",
		metric.WithDescription("Stream events applied to the replica"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("spyglass.events.dropped",
		metric.WithDescription("Stream events dropped (malformed or unrecognized)"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskLogBytes, err = meter.Int64Counter("spyglass.tasklog.bytes",
		metric.WithDescription("Task log bytes appended"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionStates, err = meter.Int64Counter("spyglass.session.transitions",
		metric.WithDescription("Session state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.VaultTransitions, err = meter.Int64Counter("spyglass.vault.transitions",
		metric.WithDescription("Vault lock and unlock events"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
