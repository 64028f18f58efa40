package prommetrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vistore/enrich"
	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/retrieval"
)

var (
	_ featurestore.MetricsObserver = (*Collector)(nil)
	_ ingest.MetricsObserver       = (*Collector)(nil)
	_ enrich.MetricsObserver       = (*Collector)(nil)
	_ retrieval.MetricsObserver    = (*Collector)(nil)
)

func TestCollector_Store(t *testing.T) {
	c := New(nil)
	c.OnCommit("badger", 10, 5*time.Millisecond, nil)
	c.OnCommit("badger", 3, time.Millisecond, errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commitsTotal.WithLabelValues("badger", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commitsTotal.WithLabelValues("badger", "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.commitRows.WithLabelValues("badger")))
}

func TestCollector_Ingest(t *testing.T) {
	c := New(nil)
	c.OnItem(ingest.OutcomeImported)
	c.OnItem(ingest.OutcomeImported)
	c.OnItem(ingest.OutcomeMissing)
	c.OnBatch(2, time.Millisecond, nil)
	c.OnQueueDepth(ingest.QueueDescribe, 7)
	c.OnQueueDepth(ingest.QueueDescribe, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.itemsTotal.WithLabelValues(ingest.OutcomeImported)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemsTotal.WithLabelValues(ingest.OutcomeMissing)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesTotal.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth.WithLabelValues(ingest.QueueDescribe)))
}

func TestCollector_EnrichAndRetrieve(t *testing.T) {
	c := New(nil)
	c.OnSignatureBatch(500, time.Second, nil)
	c.OnRetrieve(2, 100, time.Second, nil)
	c.OnRetrieve(1, 0, time.Millisecond, retrieval.ErrInvalidK)

	assert.Equal(t, 500.0, testutil.ToFloat64(c.signaturesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retrievalsTotal.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.retrieveQueries))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.retrieveCandidate))
}

func TestCollector_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.OnItem(ingest.OutcomeImported)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vistore_ingest_items_total{outcome="imported"} 1`)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
