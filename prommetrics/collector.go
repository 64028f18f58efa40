// Package prommetrics exports vistore metrics to Prometheus.
//
// A Collector implements the metrics observer of every component (feature
// store, ingestion, enrichment, retrieval), so one value can be handed to
// all of them:
//
//	c := prommetrics.New(prometheus.DefaultRegisterer)
//	store, err := vistore.Open(dir, vistore.WithMetrics(c))
package prommetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreBuckets suits transaction latencies from 1ms to 10s.
var StoreBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10}

// RetrieveBuckets suits retrievals from 10ms to 5min; file galleries are
// described on the fly.
var RetrieveBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}

// Collector records vistore metrics.
type Collector struct {
	commitsTotal   *prometheus.CounterVec
	commitRows     *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec

	itemsTotal    *prometheus.CounterVec
	batchesTotal  *prometheus.CounterVec
	batchDuration prometheus.Histogram
	queueDepth    *prometheus.GaugeVec

	signaturesTotal   *prometheus.CounterVec
	signatureBatchDur prometheus.Histogram

	retrievalsTotal   *prometheus.CounterVec
	retrieveDuration  prometheus.Histogram
	retrieveQueries   prometheus.Counter
	retrieveCandidate prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates a Collector and registers its metrics with reg. A nil reg
// uses a fresh private registry.
func New(reg prometheus.Registerer) *Collector {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistore_store_commits_total",
			Help: "Feature store write transactions",
		}, []string{"backend", "status"}),
		commitRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistore_store_rows_total",
			Help: "Rows staged in committed transactions",
		}, []string{"backend"}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vistore_store_commit_duration_seconds",
			Help:    "Feature store transaction duration",
			Buckets: StoreBuckets,
		}, []string{"backend"}),

		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistore_ingest_items_total",
			Help: "Ingestion items by outcome",
		}, []string{"outcome"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistore_ingest_batches_total",
			Help: "Ingestion persist batches",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vistore_ingest_batch_duration_seconds",
			Help:    "Ingestion persist batch duration",
			Buckets: StoreBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vistore_ingest_queue_depth",
			Help: "Items waiting in an ingestion queue",
		}, []string{"queue"}),

		signaturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistore_enrich_signatures_total",
			Help: "Signatures written by enrichment",
		}, []string{"status"}),
		signatureBatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vistore_enrich_batch_duration_seconds",
			Help:    "Enrichment batch write duration",
			Buckets: StoreBuckets,
		}),

		retrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vistore_retrievals_total",
			Help: "Retrieve calls",
		}, []string{"status"}),
		retrieveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vistore_retrieve_duration_seconds",
			Help:    "Retrieve call duration",
			Buckets: RetrieveBuckets,
		}),
		retrieveQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vistore_retrieve_queries_total",
			Help: "Queries answered",
		}),
		retrieveCandidate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vistore_retrieve_candidates_total",
			Help: "Gallery candidates scored",
		}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		c.commitsTotal, c.commitRows, c.commitDuration,
		c.itemsTotal, c.batchesTotal, c.batchDuration, c.queueDepth,
		c.signaturesTotal, c.signatureBatchDur,
		c.retrievalsTotal, c.retrieveDuration, c.retrieveQueries, c.retrieveCandidate,
	)
	return c
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// OnCommit implements featurestore.MetricsObserver.
func (c *Collector) OnCommit(backend string, rows int, duration time.Duration, err error) {
	c.commitsTotal.WithLabelValues(backend, status(err)).Inc()
	c.commitDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if err == nil {
		c.commitRows.WithLabelValues(backend).Add(float64(rows))
	}
}

// OnItem implements ingest.MetricsObserver.
func (c *Collector) OnItem(outcome string) {
	c.itemsTotal.WithLabelValues(outcome).Inc()
}

// OnBatch implements ingest.MetricsObserver.
func (c *Collector) OnBatch(_ int, duration time.Duration, err error) {
	c.batchesTotal.WithLabelValues(status(err)).Inc()
	c.batchDuration.Observe(duration.Seconds())
}

// OnQueueDepth implements ingest.MetricsObserver.
func (c *Collector) OnQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// OnSignatureBatch implements enrich.MetricsObserver.
func (c *Collector) OnSignatureBatch(rows int, duration time.Duration, err error) {
	c.signaturesTotal.WithLabelValues(status(err)).Add(float64(rows))
	c.signatureBatchDur.Observe(duration.Seconds())
}

// OnRetrieve implements retrieval.MetricsObserver.
func (c *Collector) OnRetrieve(queries, candidates int, duration time.Duration, err error) {
	c.retrievalsTotal.WithLabelValues(status(err)).Inc()
	c.retrieveDuration.Observe(duration.Seconds())
	if err == nil {
		c.retrieveQueries.Add(float64(queries))
		c.retrieveCandidate.Add(float64(candidates))
	}
}
