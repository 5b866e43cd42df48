package metrics

import (
	"time"

	"github.com/asakaida/permgate/internal/services/permissions"
)

var _ permissions.Observer = (*UpstreamObserver)(nil)

// UpstreamObserver feeds permissions service calls into the collector and,
// when set, the Prometheus exporter.
type UpstreamObserver struct {
	collector *Collector
	exporter  *PrometheusExporter
}

// NewUpstreamObserver creates an observer. exporter may be nil.
func NewUpstreamObserver(collector *Collector, exporter *PrometheusExporter) *UpstreamObserver {
	return &UpstreamObserver{collector: collector, exporter: exporter}
}

// ObserveUpstream implements permissions.Observer.
func (o *UpstreamObserver) ObserveUpstream(entityType string, statusCode int, elapsed time.Duration, err error) {
	seconds := elapsed.Seconds()
	failed := err != nil
	o.collector.RecordUpstream(entityType, statusCode, seconds, failed)
	if o.exporter != nil {
		o.exporter.RecordUpstream(entityType, statusCode, seconds, failed)
	}
}
