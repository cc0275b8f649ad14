// Package metrics exposes runtime counters on a per-runtime Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	pipelineCompiles     *prometheus.CounterVec
	pipelineCompileTime  *prometheus.HistogramVec
	pipelineLookups      *prometheus.CounterVec
	poolAcquires         *prometheus.CounterVec
	poolReleases         *prometheus.CounterVec
	poolRetainedBytes    prometheus.Gauge
	uniformLookups       *prometheus.CounterVec
	uniformEvictions     prometheus.Counter
	submissions          *prometheus.CounterVec
	dispatches           prometheus.Counter
	kernelRuns           *prometheus.CounterVec
	kvCacheFlushes       prometheus.Counter
	kvCacheResidentPages prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		pipelineCompiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pipeline_compiles_total",
			Help: "Compute pipelines compiled, by operation, variant and result",
		}, []string{"op", "variant", "result"}),
		pipelineCompileTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiln_pipeline_compile_seconds",
			Help:    "Time spent compiling a compute pipeline",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"op"}),
		pipelineLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pipeline_cache_lookups_total",
			Help: "Pipeline cache lookups by result",
		}, []string{"result"}),
		poolAcquires: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pool_acquires_total",
			Help: "Buffer pool acquisitions by result (reuse, alloc)",
		}, []string{"result"}),
		poolReleases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_pool_releases_total",
			Help: "Buffer pool releases by result (retain, destroy)",
		}, []string{"result"}),
		poolRetainedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_pool_retained_bytes",
			Help: "Bytes held in pool buckets awaiting reuse",
		}),
		uniformLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_uniform_cache_lookups_total",
			Help: "Uniform cache lookups by result",
		}, []string{"result"}),
		uniformEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "kiln_uniform_cache_evictions_total",
			Help: "Uniform buffers evicted from the cache",
		}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_submissions_total",
			Help: "Command buffer submissions by result (ok, error, aborted)",
		}, []string{"result"}),
		dispatches: f.NewCounter(prometheus.CounterOpts{
			Name: "kiln_dispatches_total",
			Help: "Workgroup dispatches submitted",
		}),
		kernelRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_kernel_runs_total",
			Help: "Kernel invocations by operation and variant",
		}, []string{"op", "variant"}),
		kvCacheFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "kiln_kvcache_flushes_total",
			Help: "Pages flushed from the hot window to cold storage",
		}),
		kvCacheResidentPages: f.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_kvcache_cold_pages",
			Help: "Cold pages currently allocated",
		}),
	}
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func (m *Metrics) ObserveCompile(op, variant string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.pipelineCompiles.WithLabelValues(op, variant, result(err == nil, "ok", "error")).Inc()
	m.pipelineCompileTime.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) PipelineLookup(hit bool) {
	if m == nil {
		return
	}
	m.pipelineLookups.WithLabelValues(result(hit, "hit", "miss")).Inc()
}

func (m *Metrics) PoolAcquire(reused bool) {
	if m == nil {
		return
	}
	m.poolAcquires.WithLabelValues(result(reused, "reuse", "alloc")).Inc()
}

func (m *Metrics) PoolRelease(retained bool, retainedBytes uint64) {
	if m == nil {
		return
	}
	m.poolReleases.WithLabelValues(result(retained, "retain", "destroy")).Inc()
	m.poolRetainedBytes.Set(float64(retainedBytes))
}

func (m *Metrics) SetPoolRetained(bytes uint64) {
	if m == nil {
		return
	}
	m.poolRetainedBytes.Set(float64(bytes))
}

func (m *Metrics) UniformLookup(hit bool) {
	if m == nil {
		return
	}
	m.uniformLookups.WithLabelValues(result(hit, "hit", "miss")).Inc()
}

func (m *Metrics) UniformEvicted() {
	if m == nil {
		return
	}
	m.uniformEvictions.Inc()
}

func (m *Metrics) Submitted(dispatches int, err error) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result(err == nil, "ok", "error")).Inc()
	if err == nil {
		m.dispatches.Add(float64(dispatches))
	}
}

func (m *Metrics) Aborted() {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues("aborted").Inc()
}

func (m *Metrics) KernelRun(op, variant string) {
	if m == nil {
		return
	}
	m.kernelRuns.WithLabelValues(op, variant).Inc()
}

func (m *Metrics) KVCacheFlushed(coldPages int) {
	if m == nil {
		return
	}
	m.kvCacheFlushes.Inc()
	m.kvCacheResidentPages.Set(float64(coldPages))
}

func (m *Metrics) SetKVCachePages(coldPages int) {
	if m == nil {
		return
	}
	m.kvCacheResidentPages.Set(float64(coldPages))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
