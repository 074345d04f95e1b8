// Package metrics exposes broker and gateway state to Prometheus.
package metrics

import (
	"context"
	"sync"
	"time"

	"pairline/cmd/internal/broker"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pairline"

// statsTimeout bounds how long a scrape waits for the broker loop.
const statsTimeout = 2 * time.Second

// SessionDurationBuckets are the upper bounds, in seconds, of the session
// duration histogram. Calls range from a quick skip to an hour.
var SessionDurationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600}

// StatsSource answers aggregate broker counts.
type StatsSource interface {
	Stats(ctx context.Context) (broker.Stats, error)
}

// LedgerCounts are the session ledger writer counters.
type LedgerCounts struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

// Collector Prometheus metrics collector.
//
// Gauges are read at scrape time from the broker and gateway; counters are
// fed by the broker.Metrics and realtime.Metrics callbacks.
type Collector struct {
	Stats StatsSource

	// GetActiveHandlers reports live WebSocket handlers (optional).
	GetActiveHandlers func() int64

	// GetLedger reports ledger writer counters (optional).
	GetLedger func() LedgerCounts

	version string

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Broker state
	connections    *prometheus.Desc
	waitingUsers   *prometheus.Desc
	activeSessions *prometheus.Desc
	brokerUp       *prometheus.Desc

	// Broker events
	sessionsStartedTotal *prometheus.Desc
	sessionsEndedTotal   *prometheus.Desc
	sessionDuration      *prometheus.Desc
	relayMessagesTotal   *prometheus.Desc
	staleEntriesTotal    *prometheus.Desc
	handlerFailuresTotal *prometheus.Desc

	// Gateway
	wsHandlersActive  *prometheus.Desc
	wsRejectionsTotal *prometheus.Desc
	wsRateLimitTotal  *prometheus.Desc

	// Ledger
	ledgerRecordsTotal *prometheus.Desc

	// Counters (protected by mutex)
	metricsLock     sync.RWMutex
	started         map[string]float64
	ended           map[string]float64
	durationSum     float64
	durationCount   uint64
	durationBuckets []uint64 // per bucket, not cumulative
	relayed         map[[2]string]float64
	staleDropped    float64
	handlerFailures map[string]float64
	rejections      map[string]float64
	rateLimited     float64
}

// NewCollector creates a new metrics collector.
func NewCollector(version string, stats StatsSource) *Collector {
	return &Collector{
		Stats:   stats,
		version: version,

		serverInfo: prometheus.NewDesc(
			namespace+"_server_info",
			"Signaling server info metric (always 1).",
			[]string{"version"},
			nil,
		),
		connections: prometheus.NewDesc(
			namespace+"_connections",
			"Number of registered connections.",
			nil, nil,
		),
		waitingUsers: prometheus.NewDesc(
			namespace+"_waiting_users",
			"Number of clients waiting for a random match.",
			nil, nil,
		),
		activeSessions: prometheus.NewDesc(
			namespace+"_active_sessions",
			"Number of active sessions.",
			nil, nil,
		),
		brokerUp: prometheus.NewDesc(
			namespace+"_broker_up",
			"Whether the broker loop answered the scrape (1) or not (0).",
			nil, nil,
		),
		sessionsStartedTotal: prometheus.NewDesc(
			namespace+"_sessions_started_total",
			"Sessions created, by how they were created.",
			[]string{"via"},
			nil,
		),
		sessionsEndedTotal: prometheus.NewDesc(
			namespace+"_sessions_ended_total",
			"Sessions ended, by reason.",
			[]string{"reason"},
			nil,
		),
		sessionDuration: prometheus.NewDesc(
			namespace+"_session_duration_seconds",
			"Duration of ended sessions.",
			nil, nil,
		),
		relayMessagesTotal: prometheus.NewDesc(
			namespace+"_relay_messages_total",
			"Handshake messages relayed, by kind and result.",
			[]string{"kind", "result"},
			nil,
		),
		staleEntriesTotal: prometheus.NewDesc(
			namespace+"_stale_queue_entries_total",
			"Waiting queue entries dropped because their connection was gone.",
			nil, nil,
		),
		handlerFailuresTotal: prometheus.NewDesc(
			namespace+"_handler_failures_total",
			"Broker handlers that panicked, by event.",
			[]string{"event"},
			nil,
		),
		wsHandlersActive: prometheus.NewDesc(
			namespace+"_ws_handlers_active",
			"WebSocket handlers currently running.",
			nil, nil,
		),
		wsRejectionsTotal: prometheus.NewDesc(
			namespace+"_ws_rejections_total",
			"WebSocket upgrades rejected, by reason.",
			[]string{"reason"},
			nil,
		),
		wsRateLimitTotal: prometheus.NewDesc(
			namespace+"_ws_rate_limited_total",
			"Connections closed for exceeding the event rate limit.",
			nil, nil,
		),
		ledgerRecordsTotal: prometheus.NewDesc(
			namespace+"_ledger_records_total",
			"Session ledger records, by result.",
			[]string{"result"},
			nil,
		),

		started:         make(map[string]float64),
		ended:           make(map[string]float64),
		relayed:         make(map[[2]string]float64),
		handlerFailures: make(map[string]float64),
		rejections:      make(map[string]float64),
		durationBuckets: make([]uint64, len(SessionDurationBuckets)),
	}
}

// ---- broker.Metrics ----

// SessionStarted implements broker.Metrics.
func (c *Collector) SessionStarted(via string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.started[via]++
}

// SessionEnded implements broker.Metrics.
func (c *Collector) SessionEnded(reason string, lasted time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.ended[reason]++
	secs := lasted.Seconds()
	c.durationSum += secs
	c.durationCount++
	for i, upper := range SessionDurationBuckets {
		if secs <= upper {
			c.durationBuckets[i]++
			break
		}
	}
}

// Relayed implements broker.Metrics.
func (c *Collector) Relayed(kind string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "dropped"
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.relayed[[2]string{kind, result}]++
}

// StaleEntryDropped implements broker.Metrics.
func (c *Collector) StaleEntryDropped() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.staleDropped++
}

// HandlerFailed implements broker.Metrics.
func (c *Collector) HandlerFailed(event string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.handlerFailures[event]++
}

// ---- realtime.Metrics ----

// ConnectionRejected implements realtime.Metrics.
func (c *Collector) ConnectionRejected(reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.rejections[reason]++
}

// RateLimited implements realtime.Metrics.
func (c *Collector) RateLimited() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.rateLimited++
}

// ---- prometheus.Collector ----

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.connections
	ch <- c.waitingUsers
	ch <- c.activeSessions
	ch <- c.brokerUp
	ch <- c.sessionsStartedTotal
	ch <- c.sessionsEndedTotal
	ch <- c.sessionDuration
	ch <- c.relayMessagesTotal
	ch <- c.staleEntriesTotal
	ch <- c.handlerFailuresTotal
	ch <- c.wsHandlersActive
	ch <- c.wsRejectionsTotal
	ch <- c.wsRateLimitTotal
	ch <- c.ledgerRecordsTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.serverInfo, prometheus.GaugeValue, 1, c.version)

	up := 0.0
	if c.Stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
		st, err := c.Stats.Stats(ctx)
		cancel()
		if err == nil {
			up = 1
			ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(st.Connected))
			ch <- prometheus.MustNewConstMetric(c.waitingUsers, prometheus.GaugeValue, float64(st.Waiting))
			ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(st.ActiveSessions))
		}
	}
	ch <- prometheus.MustNewConstMetric(c.brokerUp, prometheus.GaugeValue, up)

	if c.GetActiveHandlers != nil {
		ch <- prometheus.MustNewConstMetric(c.wsHandlersActive, prometheus.GaugeValue, float64(c.GetActiveHandlers()))
	}
	if c.GetLedger != nil {
		lc := c.GetLedger()
		ch <- prometheus.MustNewConstMetric(c.ledgerRecordsTotal, prometheus.CounterValue, float64(lc.Written), "written")
		ch <- prometheus.MustNewConstMetric(c.ledgerRecordsTotal, prometheus.CounterValue, float64(lc.Dropped), "dropped")
		ch <- prometheus.MustNewConstMetric(c.ledgerRecordsTotal, prometheus.CounterValue, float64(lc.Failed), "failed")
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for via, v := range c.started {
		ch <- prometheus.MustNewConstMetric(c.sessionsStartedTotal, prometheus.CounterValue, v, via)
	}
	for reason, v := range c.ended {
		ch <- prometheus.MustNewConstMetric(c.sessionsEndedTotal, prometheus.CounterValue, v, reason)
	}
	cumulative := make(map[float64]uint64, len(SessionDurationBuckets))
	var running uint64
	for i, upper := range SessionDurationBuckets {
		running += c.durationBuckets[i]
		cumulative[upper] = running
	}
	ch <- prometheus.MustNewConstHistogram(c.sessionDuration, c.durationCount, c.durationSum, cumulative)
	for key, v := range c.relayed {
		ch <- prometheus.MustNewConstMetric(c.relayMessagesTotal, prometheus.CounterValue, v, key[0], key[1])
	}
	ch <- prometheus.MustNewConstMetric(c.staleEntriesTotal, prometheus.CounterValue, c.staleDropped)
	for event, v := range c.handlerFailures {
		ch <- prometheus.MustNewConstMetric(c.handlerFailuresTotal, prometheus.CounterValue, v, event)
	}
	for reason, v := range c.rejections {
		ch <- prometheus.MustNewConstMetric(c.wsRejectionsTotal, prometheus.CounterValue, v, reason)
	}
	ch <- prometheus.MustNewConstMetric(c.wsRateLimitTotal, prometheus.CounterValue, c.rateLimited)
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ broker.Metrics       = (*Collector)(nil)
)
