package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// scrapeTimeout bounds the store queries made during one scrape.
const scrapeTimeout = 2 * time.Second

// RelayStats provides the metrics collector access to live engine state.
type RelayStats interface {
	ConnectionCount() int64
	ChannelCount() int
	EventSubscriberCount() int
}

// StoreCounts exposes scrape-time row counts from the store.
type StoreCounts interface {
	HistoryCount(ctx context.Context) (int64, error)
	UserCount(ctx context.Context) (int64, error)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool   *pgxpool.Pool
	stats  RelayStats
	counts StoreCounts

	connections     *prometheus.Desc
	channels        *prometheus.Desc
	subscribers     *prometheus.Desc
	historyRows     *prometheus.Desc
	activeUsers     *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). stats may be nil if no engine
// is running; counts may be nil when no store is attached.
func NewCollector(pool *pgxpool.Pool, stats RelayStats, counts StoreCounts) *Collector {
	return &Collector{
		pool:   pool,
		stats:  stats,
		counts: counts,
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "scrape_connections"),
			"Live WebSocket connections at scrape time.",
			nil, nil,
		),
		channels: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "scrape_channels"),
			"Live channels at scrape time.",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "event_subscribers_active"),
			"Current number of event bus subscribers.",
			nil, nil,
		),
		historyRows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "history_rows"),
			"Retained message_history rows across all channels.",
			nil, nil,
		),
		activeUsers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "account_users"),
			"Active registered accounts.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.channels
	ch <- c.subscribers
	ch <- c.historyRows
	ch <- c.activeUsers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(c.stats.ConnectionCount()))
		ch <- prometheus.MustNewConstMetric(c.channels, prometheus.GaugeValue, float64(c.stats.ChannelCount()))
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.stats.EventSubscriberCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.channels, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, 0)
	}

	// Store row counts; a failing query drops the gauge from this scrape
	// rather than reporting a bogus zero.
	if c.counts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
		defer cancel()
		if n, err := c.counts.HistoryCount(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.historyRows, prometheus.GaugeValue, float64(n))
		}
		if n, err := c.counts.UserCount(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.activeUsers, prometheus.GaugeValue, float64(n))
		}
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
