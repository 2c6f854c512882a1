package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the sync and transport instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	RequestErrors   metric.Int64Counter
	AuthRenewals    metric.Int64Counter
	QueueReplayed   metric.Int64Counter
	RefreshDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("tasksync.request.duration",
		metric.WithDescription("Remote request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("tasksync.request.errors",
		metric.WithDescription("Remote request failures by error kind"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthRenewals, err = meter.Int64Counter("tasksync.auth.renewals",
		metric.WithDescription("Token renewal attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueReplayed, err = meter.Int64Counter("tasksync.queue.replayed",
		metric.WithDescription("Pending actions replayed by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RefreshDuration, err = meter.Float64Histogram("tasksync.refresh.duration",
		metric.WithDescription("Refresh cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
