// Package metrics wires this module's counters and timers into OpenCensus,
// matching the teacher's tagging/export setup (stats exported to Prometheus
// via contrib.go.opencensus.io/exporter/prometheus).
package metrics

import (
	"context"
	"net/http"
	"time"

	prometheus "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/pkg/errors"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Int64Counter is a monotonically increasing named counter.
type Int64Counter struct {
	measure *stats.Int64Measure
}

// NewInt64Counter registers a new counter with the given name and description.
func NewInt64Counter(name, description string) *Int64Counter {
	m := stats.Int64(name, description, stats.UnitDimensionless)
	v := &view.View{
		Name:        name,
		Measure:     m,
		Description: description,
		Aggregation: view.Count(),
	}
	_ = view.Register(v)
	return &Int64Counter{measure: m}
}

// Inc increments the counter by n.
func (c *Int64Counter) Inc(ctx context.Context, n int64) {
	stats.Record(ctx, c.measure.M(n))
}

// Float64Timer records durations, in milliseconds, under a named measure.
type Float64Timer struct {
	measure *stats.Float64Measure
}

// NewTimerMs registers a new millisecond-duration timer.
func NewTimerMs(name, description string) *Float64Timer {
	m := stats.Float64(name, description, stats.UnitMilliseconds)
	v := &view.View{
		Name:        name,
		Measure:     m,
		Description: description,
		Aggregation: view.Distribution(0, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	}
	_ = view.Register(v)
	return &Float64Timer{measure: m}
}

// Observe records elapsed as a duration in milliseconds.
func (t *Float64Timer) Observe(ctx context.Context, elapsed time.Duration) {
	stats.Record(ctx, t.measure.M(float64(elapsed)/float64(time.Millisecond)))
}

// Start returns a function that records the elapsed time since Start was
// called when invoked; callers use `defer timer.Start(ctx)()`.
func (t *Float64Timer) Start(ctx context.Context) func() {
	begin := time.Now()
	return func() {
		t.Observe(ctx, time.Since(begin))
	}
}

// NewPrometheusHandler registers a Prometheus exporter as an OpenCensus
// stats exporter and returns the http.Handler that serves its scrape
// endpoint. namespace prefixes every exported metric name, matching the
// teacher's use of contrib.go.opencensus.io/exporter/prometheus.
func NewPrometheusHandler(namespace string) (http.Handler, error) {
	exporter, err := prometheus.NewExporter(prometheus.Options{Namespace: namespace})
	if err != nil {
		return nil, errors.Wrap(err, "constructing prometheus exporter")
	}
	view.RegisterExporter(exporter)
	return exporter, nil
}

// WithTag attaches a key-value tag to ctx for metric dimensions (e.g.
// error kind on a counter).
func WithTag(ctx context.Context, key, value string) context.Context {
	k, err := tag.NewKey(key)
	if err != nil {
		return ctx
	}
	out, err := tag.New(ctx, tag.Insert(k, value))
	if err != nil {
		return ctx
	}
	return out
}
