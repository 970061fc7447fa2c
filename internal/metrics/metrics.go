// Package metrics exposes campaign progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptfuzz"

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	rounds          prometheus.Counter
	programs        *prometheus.CounterVec
	shuffles        prometheus.Counter
	quietRound      prometheus.Gauge
	coveredBranches prometheus.Gauge
	discoveredPairs prometheus.Gauge
	generate        prometheus.Histogram
	fusionBatches   *prometheus.CounterVec
	fusionCompile   prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total", Help: "Fuzz-loop rounds completed.",
		}),
		programs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "programs_total", Help: "Generated programs by validation status.",
		}, []string{"status"}),
		shuffles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "prompt_shuffles_total", Help: "Prompts abandoned because the round was stuck.",
		}),
		quietRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "quiet_rounds", Help: "Consecutive rounds without new signal.",
		}),
		coveredBranches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "covered_branches", Help: "Branches covered by the seed corpus.",
		}),
		discoveredPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "discovered_api_pairs", Help: "Distinct API call pairs discovered.",
		}),
		generate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "generate_seconds", Help: "Latency of one generation request.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		fusionBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fusion_batches_total", Help: "Fused batches by compile result.",
		}, []string{"result"}),
		fusionCompile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fusion_compile_seconds", Help: "Compile time of one fused batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	m.reg.MustRegister(m.rounds, m.programs, m.shuffles, m.quietRound, m.coveredBranches,
		m.discoveredPairs, m.generate, m.fusionBatches, m.fusionCompile)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Round(quiet int) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.quietRound.Set(float64(quiet))
}

func (m *Metrics) Program(status string) {
	if m == nil {
		return
	}
	m.programs.WithLabelValues(status).Inc()
}

func (m *Metrics) Shuffle() {
	if m == nil {
		return
	}
	m.shuffles.Inc()
}

func (m *Metrics) CoveredBranches(n int) {
	if m == nil {
		return
	}
	m.coveredBranches.Set(float64(n))
}

func (m *Metrics) DiscoveredPairs(n int) {
	if m == nil {
		return
	}
	m.discoveredPairs.Set(float64(n))
}

func (m *Metrics) Generate(d time.Duration) {
	if m == nil {
		return
	}
	m.generate.Observe(d.Seconds())
}

func (m *Metrics) FusionBatch(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.fusionBatches.WithLabelValues(result).Inc()
	m.fusionCompile.Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
