package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead-letter stream statistics, keyed by the source stream.
type DLQMetrics struct {
	mu sync.RWMutex

	streamCounts map[string]*DLQStreamMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	deliveriesHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQStreamMetrics holds metrics for one stream's dead letters.
type DLQStreamMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgDeliveries    float64   `json:"avg_deliveries"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                       `json:"total_messages"`
	TotalReplayed uint64                       `json:"total_replayed"`
	TotalPurged   uint64                       `json:"total_purged"`
	StreamMetrics map[string]*DLQStreamMetrics `json:"stream_metrics"`
	CollectedAt   time.Time                    `json:"collected_at"`
}

func newDLQCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambus",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newDLQGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streambus",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newDLQHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streambus",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewDLQMetrics creates a new DLQ metrics collector. Collectors are only
// exported once Register is called.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		streamCounts:    make(map[string]*DLQStreamMetrics),
		registerer:      registerer,
		messagesTotal:   newDLQCounterVec("messages_total", "Total number of entries moved to a dead-letter stream", []string{"stream", "handler"}),
		messagesCurrent: newDLQGaugeVec("messages_current", "Current number of entries in the dead-letter stream", []string{"stream"}),
		replayedTotal:   newDLQCounterVec("replayed_total", "Total number of entries replayed from the dead-letter stream", []string{"stream"}),
		purgedTotal:     newDLQCounterVec("purged_total", "Total number of entries purged from the dead-letter stream", []string{"stream"}),
		ageSecondsHist:  newDLQHistogramVec("message_age_seconds", "Age of entries when dead-lettered (time since append)", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"stream"}),
		deliveriesHist:  newDLQHistogramVec("deliveries", "Number of deliveries before an entry was dead-lettered", []float64{1, 2, 3, 5, 10, 20}, []string{"stream"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times;
// collectors already registered by another instance are reused.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.messagesTotal, err = registerCollector(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.messagesCurrent, err = registerCollector(m.registerer, m.messagesCurrent); err != nil {
		return err
	}
	if m.replayedTotal, err = registerCollector(m.registerer, m.replayedTotal); err != nil {
		return err
	}
	if m.purgedTotal, err = registerCollector(m.registerer, m.purgedTotal); err != nil {
		return err
	}
	if m.ageSecondsHist, err = registerCollector(m.registerer, m.ageSecondsHist); err != nil {
		return err
	}
	if m.deliveriesHist, err = registerCollector(m.registerer, m.deliveriesHist); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// RecordMessageToDLQ records an entry of stream being dead-lettered.
func (m *DLQMetrics) RecordMessageToDLQ(stream, handler string, deliveries int64, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := now()
	metrics := m.getOrCreateStreamMetrics(stream)
	metrics.MessagesReceived++
	metrics.MessagesCurrent++
	metrics.LastUpdatedAt = at
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = at
	}
	metrics.NewestMessageAt = at

	total := metrics.MessagesReceived
	metrics.AvgDeliveries = ((metrics.AvgDeliveries * float64(total-1)) + float64(deliveries)) / float64(total)

	m.messagesTotal.WithLabelValues(stream, handler).Inc()
	m.messagesCurrent.WithLabelValues(stream).Set(float64(metrics.MessagesCurrent))
	m.ageSecondsHist.WithLabelValues(stream).Observe(messageAge.Seconds())
	m.deliveriesHist.WithLabelValues(stream).Observe(float64(deliveries))
}

// RecordMessagesReplayed records count entries moved back to stream.
func (m *DLQMetrics) RecordMessagesReplayed(stream string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateStreamMetrics(stream)
	metrics.MessagesReplayed += uint64(count)
	metrics.MessagesCurrent = subtractFloor(metrics.MessagesCurrent, uint64(count))
	metrics.LastUpdatedAt = now()

	m.replayedTotal.WithLabelValues(stream).Add(float64(count))
	m.messagesCurrent.WithLabelValues(stream).Set(float64(metrics.MessagesCurrent))
}

// RecordMessagesPurged records count dead letters of stream being deleted.
func (m *DLQMetrics) RecordMessagesPurged(stream string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateStreamMetrics(stream)
	metrics.MessagesPurged += uint64(count)
	metrics.MessagesCurrent = subtractFloor(metrics.MessagesCurrent, uint64(count))
	metrics.LastUpdatedAt = now()

	m.purgedTotal.WithLabelValues(stream).Add(float64(count))
	m.messagesCurrent.WithLabelValues(stream).Set(float64(metrics.MessagesCurrent))
}

// SetCurrentCount sets the current dead-letter count, typically from the
// length of the dead-letter stream.
func (m *DLQMetrics) SetCurrentCount(stream string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateStreamMetrics(stream)
	metrics.MessagesCurrent = count
	metrics.LastUpdatedAt = now()

	m.messagesCurrent.WithLabelValues(stream).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all DLQ metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		StreamMetrics: make(map[string]*DLQStreamMetrics, len(m.streamCounts)),
		CollectedAt:   now(),
	}

	for stream, metrics := range m.streamCounts {
		metricsCopy := *metrics
		snapshot.StreamMetrics[stream] = &metricsCopy
		snapshot.TotalMessages += metrics.MessagesCurrent
		snapshot.TotalReplayed += metrics.MessagesReplayed
		snapshot.TotalPurged += metrics.MessagesPurged
	}

	return snapshot
}

// GetStreamMetrics returns a copy of the metrics for stream, or nil.
func (m *DLQMetrics) GetStreamMetrics(stream string) *DLQStreamMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.streamCounts[stream]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *DLQMetrics) getOrCreateStreamMetrics(stream string) *DLQStreamMetrics {
	if metrics, ok := m.streamCounts[stream]; ok {
		return metrics
	}
	metrics := &DLQStreamMetrics{}
	m.streamCounts[stream] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.streamCounts = make(map[string]*DLQStreamMetrics)
	m.messagesTotal.Reset()
	m.messagesCurrent.Reset()
	m.replayedTotal.Reset()
	m.purgedTotal.Reset()
	m.ageSecondsHist.Reset()
	m.deliveriesHist.Reset()
}

func subtractFloor(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
