package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const apNamespace = "ap"

// BundlerMetrics contains the instrumented counters and gauges the node
// increments through the methods below.
type BundlerMetrics struct {
	numOpsAdmitted prometheus.Counter
	numOpsRejected *prometheus.CounterVec
	numOpsEvicted  prometheus.Counter
	numOpsIncluded prometheus.Counter

	mempoolSize prometheus.Gauge

	numBundlesSent   prometheus.Counter
	numBundlesFailed prometheus.Counter
	bundleSize       prometheus.Histogram
}

func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		numOpsAdmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_admitted_total",
				Help:      "The number of user operations accepted into the mempool",
			}),

		numOpsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_rejected_total",
				Help:      "The number of user operations rejected at admission, by error code",
			}, []string{"code"}),

		numOpsEvicted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_evicted_total",
				Help:      "The number of pooled user operations evicted at bundling time",
			}),

		numOpsIncluded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_included_total",
				Help:      "The number of user operations observed included on chain",
			}),

		mempoolSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "mempool_size",
				Help:      "The number of user operations currently pooled",
			}),

		numBundlesSent: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_bundles_sent_total",
				Help:      "The number of handleOps transactions submitted",
			}),

		numBundlesFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_bundles_failed_total",
				Help:      "The number of bundle attempts that failed to submit. If this is increasing, check signer balances and RPC health",
			}),

		bundleSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "bundle_size_ops",
				Help:      "The number of user operations per submitted bundle",
				Buckets:   []float64{1, 2, 4, 8, 16, 32},
			}),
	}
}

func (m *BundlerMetrics) IncOpsAdmitted()          { m.numOpsAdmitted.Inc() }
func (m *BundlerMetrics) IncOpsRejected(code string) { m.numOpsRejected.WithLabelValues(code).Inc() }
func (m *BundlerMetrics) IncOpsEvicted()           { m.numOpsEvicted.Inc() }
func (m *BundlerMetrics) IncOpsIncluded()          { m.numOpsIncluded.Inc() }
func (m *BundlerMetrics) SetMempoolSize(n int)     { m.mempoolSize.Set(float64(n)) }
func (m *BundlerMetrics) IncBundlesSent()          { m.numBundlesSent.Inc() }
func (m *BundlerMetrics) IncBundlesFailed()        { m.numBundlesFailed.Inc() }
func (m *BundlerMetrics) ObserveBundleSize(n int)  { m.bundleSize.Observe(float64(n)) }
