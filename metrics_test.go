package vistore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/prommetrics"
)

var (
	_ MetricsCollector = NoopMetricsCollector{}
	_ MetricsCollector = (*BasicMetricsCollector)(nil)
	_ MetricsCollector = (*prommetrics.Collector)(nil)
)

func TestBasicMetricsCollector(t *testing.T) {
	b := &BasicMetricsCollector{}
	b.OnCommit("badger", 10, 2*time.Millisecond, nil)
	b.OnCommit("badger", 5, 4*time.Millisecond, errors.New("boom"))
	b.OnItem(ingest.OutcomeImported)
	b.OnItem(ingest.OutcomeMissing)
	b.OnItem(ingest.OutcomeFailed)
	b.OnBatch(10, time.Millisecond, nil)
	b.OnQueueDepth(ingest.QueueDescribe, 7)
	b.OnQueueDepth(ingest.QueuePersist, 3)
	b.OnSignatureBatch(4, time.Millisecond, nil)
	b.OnRetrieve(1, 10, 6*time.Millisecond, nil)

	s := b.GetStats()
	assert.Equal(t, int64(2), s.Commits)
	assert.Equal(t, int64(1), s.CommitErrors)
	assert.Equal(t, int64(10), s.CommitRows)
	assert.Equal(t, int64(3*time.Millisecond), s.CommitAvgNanos)
	assert.Equal(t, int64(1), s.Imported)
	assert.Equal(t, int64(1), s.DroppedMissing)
	assert.Equal(t, int64(1), s.DroppedFailed)
	assert.Equal(t, int64(7), s.MaxQueueDepth)
	assert.Equal(t, int64(4), s.Signatures)
	assert.Equal(t, int64(6*time.Millisecond), s.RetrieveAvgNanos)
}

func TestTranslateError(t *testing.T) {
	assert.Nil(t, translateError(nil))
	assert.ErrorIs(t, translateError(featurestore.ErrNotFound), ErrNotFound)
	assert.ErrorIs(t, translateError(featurestore.ErrNotFound), featurestore.ErrNotFound)
	assert.ErrorIs(t, translateError(featurestore.ErrClosed), ErrClosed)

	other := errors.New("other")
	assert.Same(t, other, translateError(other))
}
