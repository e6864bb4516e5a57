package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all GoClaw metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	StreamDuration   metric.Float64Histogram
	StreamChunks     metric.Int64Counter
	ActiveStreams    metric.Int64UpDownCounter
	TriggerFirings   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("goclaw.request.duration",
		metric.WithDescription("Gateway event handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("goclaw.dispatch.duration",
		metric.WithDescription("Per-subtask claim-and-build dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamDuration, err = meter.Float64Histogram("goclaw.stream.duration",
		metric.WithDescription("Streaming run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunks, err = meter.Int64Counter("goclaw.stream.chunks",
		metric.WithDescription("Total streaming chunks delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter("goclaw.stream.active",
		metric.WithDescription("Number of currently active streams"),
	)
	if err != nil {
		return nil, err
	}

	m.TriggerFirings, err = meter.Int64Counter("goclaw.trigger.firings",
		metric.WithDescription("Total subscription firings dispatched"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
