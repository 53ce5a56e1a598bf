// Package metrics collects pipeline counters and periodically writes them to
// Redis for centralized access.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for service metrics.
	KeyPrefix = "metrics:"
	// TTL is how long metrics stay in Redis if not refreshed.
	TTL = 2 * time.Minute
	// DefaultReportInterval is the default interval for writing to Redis.
	DefaultReportInterval = 30 * time.Second
)

// PipelineMetrics is the snapshot written to Redis.
type PipelineMetrics struct {
	ServiceName string    `json:"service_name"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"`

	SubmissionsReceived  uint64 `json:"submissions_received"`
	ReportsAdmitted      uint64 `json:"reports_admitted"`
	SubmissionsRejected  uint64 `json:"submissions_rejected"`
	AlertsTriggered      uint64 `json:"alerts_triggered"`
	ProcessingErrors     uint64 `json:"processing_errors"`
	SubmissionsPerSecond float64 `json:"submissions_per_second"`

	AvgIngestLatencyNs float64 `json:"avg_ingest_latency_ns"`

	// Per-rejection-reason counters.
	RejectionReasons map[string]uint64 `json:"rejection_reasons,omitempty"`
}

// Collector accumulates pipeline counters and reports them to Redis.
type Collector struct {
	serviceName    string
	redis          *redis.Client
	startedAt      time.Time
	reportInterval time.Duration

	submissionsReceived atomic.Uint64
	reportsAdmitted     atomic.Uint64
	submissionsRejected atomic.Uint64
	alertsTriggered     atomic.Uint64
	processingErrors    atomic.Uint64

	lastReportTime    time.Time
	lastReceivedCount uint64

	totalLatencyNs atomic.Uint64
	latencyCount   atomic.Uint64

	reasonMu sync.RWMutex
	reasons  map[string]*atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a metrics collector. A nil Redis client disables
// reporting but keeps the counters usable.
func NewCollector(serviceName string, redisClient *redis.Client) *Collector {
	return &Collector{
		serviceName:    serviceName,
		redis:          redisClient,
		startedAt:      time.Now().UTC(),
		reportInterval: DefaultReportInterval,
		lastReportTime: time.Now().UTC(),
		reasons:        make(map[string]*atomic.Uint64),
		stopCh:         make(chan struct{}),
	}
}

// SetReportInterval overrides the Redis write interval.
func (c *Collector) SetReportInterval(interval time.Duration) {
	c.reportInterval = interval
}

// Start begins periodic reporting to Redis.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.write(context.Background())
				return
			case <-c.stopCh:
				c.write(context.Background())
				return
			case <-ticker.C:
				c.write(ctx)
			}
		}
	}()
}

// Stop stops the reporting goroutine after a final write.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// RecordReceived counts one inbound submission.
func (c *Collector) RecordReceived() {
	c.submissionsReceived.Add(1)
}

// RecordAdmitted counts one admitted report with its ingestion latency.
func (c *Collector) RecordAdmitted(latency time.Duration) {
	c.reportsAdmitted.Add(1)
	c.totalLatencyNs.Add(uint64(latency.Nanoseconds()))
	c.latencyCount.Add(1)
}

// RecordRejected counts one rejected submission by reason.
func (c *Collector) RecordRejected(reason string) {
	c.submissionsRejected.Add(1)

	c.reasonMu.RLock()
	counter, exists := c.reasons[reason]
	c.reasonMu.RUnlock()

	if !exists {
		c.reasonMu.Lock()
		if counter, exists = c.reasons[reason]; !exists {
			counter = &atomic.Uint64{}
			c.reasons[reason] = counter
		}
		c.reasonMu.Unlock()
	}
	counter.Add(1)
}

// RecordAlertTriggered counts one newly created alert.
func (c *Collector) RecordAlertTriggered() {
	c.alertsTriggered.Add(1)
}

// RecordError counts one processing error.
func (c *Collector) RecordError() {
	c.processingErrors.Add(1)
}

// Snapshot returns current metrics without writing to Redis.
func (c *Collector) Snapshot() *PipelineMetrics {
	now := time.Now().UTC()
	received := c.submissionsReceived.Load()

	elapsed := now.Sub(c.lastReportTime).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(received-c.lastReceivedCount) / elapsed
	}

	var avgLatencyNs float64
	if n := c.latencyCount.Load(); n > 0 {
		avgLatencyNs = float64(c.totalLatencyNs.Load()) / float64(n)
	}

	c.reasonMu.RLock()
	reasons := make(map[string]uint64, len(c.reasons))
	for name, counter := range c.reasons {
		reasons[name] = counter.Load()
	}
	c.reasonMu.RUnlock()

	return &PipelineMetrics{
		ServiceName:          c.serviceName,
		StartedAt:            c.startedAt,
		LastUpdated:          now,
		Status:               "healthy",
		SubmissionsReceived:  received,
		ReportsAdmitted:      c.reportsAdmitted.Load(),
		SubmissionsRejected:  c.submissionsRejected.Load(),
		AlertsTriggered:      c.alertsTriggered.Load(),
		ProcessingErrors:     c.processingErrors.Load(),
		SubmissionsPerSecond: rate,
		AvgIngestLatencyNs:   avgLatencyNs,
		RejectionReasons:     reasons,
	}
}

func (c *Collector) write(ctx context.Context) {
	if c.redis == nil {
		return
	}

	m := c.Snapshot()
	c.lastReportTime = m.LastUpdated
	c.lastReceivedCount = m.SubmissionsReceived

	data, err := json.Marshal(m)
	if err != nil {
		slog.Error("Failed to marshal metrics", "service", c.serviceName, "error", err)
		return
	}

	key := KeyPrefix + c.serviceName
	if err := c.redis.Set(ctx, key, data, TTL).Err(); err != nil {
		slog.Error("Failed to write metrics to Redis", "service", c.serviceName, "error", err)
	}
}

// ConnectRedis creates and validates a Redis connection.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}
