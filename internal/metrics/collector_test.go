package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.providerRequestsTotal)
	assert.NotNil(t, collector.providerRequestDuration)
	assert.NotNil(t, collector.providerTokensUsed)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHTTPRequest("GET", "/v1/chat", 200, 100*time.Millisecond, 1024, 2048)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/v1/chat", 200, 50*time.Millisecond, 512, 1024)

	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordProviderRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordProviderRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)

	count := testutil.CollectAndCount(collector.providerRequestsTotal)
	assert.Greater(t, count, 0)

	tokensCount := testutil.CollectAndCount(collector.providerTokensUsed)
	assert.Greater(t, tokensCount, 0)
}

func TestCollector_RecordRetryAndRateLimit(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRetryAttempt("anthropic", "retried")
	collector.RecordRateLimitHit("anthropic")

	assert.Greater(t, testutil.CollectAndCount(collector.retryAttemptsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.rateLimitHitsTotal), 0)
}

func TestCollector_RecordLoggerQueue(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetLoggerQueueDepth("chronicle", 42)
	collector.RecordLoggerBatch("chronicle", 10)
	collector.RecordLoggerDropped("chronicle")

	assert.Greater(t, testutil.CollectAndCount(collector.loggerQueueDepth), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.loggerBatchSize), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.loggerDroppedTotal), 0)
}

func TestCollector_RecordRateLimitCache(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRateLimitCacheHit("groq")
	collector.RecordRateLimitCacheMiss("groq")

	hitCount := testutil.CollectAndCount(collector.rateLimitCacheHits)
	assert.Greater(t, hitCount, 0)

	missCount := testutil.CollectAndCount(collector.rateLimitCacheMisses)
	assert.Greater(t, missCount, 0)
}

func TestCollector_RecordDatabaseQuery(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordDBQuery("postgres", "SELECT", 20*time.Millisecond)

	count := testutil.CollectAndCount(collector.dbQueryDuration)
	assert.Greater(t, count, 0)
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordDBConnections("postgres", 10, 5)

	openCount := testutil.CollectAndCount(collector.dbConnectionsOpen)
	assert.Greater(t, openCount, 0)

	idleCount := testutil.CollectAndCount(collector.dbConnectionsIdle)
	assert.Greater(t, idleCount, 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/v1/chat", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordProviderRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)
			collector.RecordRateLimitCacheHit("openai")
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.providerRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.rateLimitCacheHits), 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()

	collector := NewCollector(nextTestNamespace(), logger)

	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	collector.RecordHTTPRequest("GET", "/v1/chat", 200, 100*time.Millisecond, 0, 0)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}
