// Package metrics exposes the pipe's counters as Prometheus metrics over an
// optional HTTP endpoint, following the teacher's promauto counter/gauge
// registration style.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered Prometheus collectors for one run.
type Metrics struct {
	BlocksRead    prometheus.Counter
	BlocksWritten prometheus.Counter
	EmptyCount    prometheus.Counter
	FullCount     prometheus.Counter
	FillRatio     prometheus.Gauge
}

// New registers the pipe's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BlocksRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockpipe_blocks_read_total",
			Help: "Blocks read from the input by the producer.",
		}),
		BlocksWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockpipe_blocks_written_total",
			Help: "Blocks written to the primary destination by the main consumer.",
		}),
		EmptyCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockpipe_ring_empty_total",
			Help: "Times the main consumer found the ring empty.",
		}),
		FullCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockpipe_ring_full_total",
			Help: "Times the producer found the ring full.",
		}),
		FillRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blockpipe_ring_fill_ratio",
			Help: "Current fraction of ring blocks holding unconsumed data.",
		}),
	}
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until ctx
// is done, then shuts it down. It is meant to run in its own goroutine.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
