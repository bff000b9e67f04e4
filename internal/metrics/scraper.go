package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// DBPinger checks the durable store; used for the db_health gauge.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// queueSpec binds a queue name to the label set its counter exposes.
type queueSpec struct {
	help   string
	labels []string
}

var queueSpecs = map[string]queueSpec{
	QueueCallSuccess: {
		help:   "The amount of successful calls that were made using the app",
		labels: []string{LabelOS, LabelOSVersion, LabelAppVersion, LabelNetwork, LabelNetworkOp, LabelConnectionType, LabelDirection},
	},
	QueueCallFailure: {
		help:   "The amount of calls that failed during setup using the app",
		labels: []string{LabelOS, LabelOSVersion, LabelAppVersion, LabelNetwork, LabelNetworkOp, LabelConnectionType, LabelDirection, LabelFailedReason},
	},
	QueueHangupReason: {
		help:   "The reasons why calls were ended in the app",
		labels: []string{LabelOS, LabelOSVersion, LabelAppVersion, LabelNetwork, LabelNetworkOp, LabelConnectionType, LabelDirection, LabelHangupReason},
	},
	QueuePushSuccess: {
		help:   "The amount of push notifications that were successfully processed by the app",
		labels: []string{LabelOS, LabelDirection},
	},
	QueuePushFailed: {
		help:   "The amount of failed calls due to the device not responding to a push notification",
		labels: []string{LabelOS, LabelDirection, LabelFailedReason},
	},
	QueueIncomingCall: {
		help:   "The amount of times an incoming call was presented to the middleware",
		labels: []string{LabelOS, LabelAction},
	},
	QueueIncomingFailed: {
		help:   "The amount of incoming calls that were presented but could not be handled",
		labels: []string{LabelOS, LabelAction, LabelFailedReason},
	},
}

// Scraper drains the Redis metric queues into Prometheus counters and keeps
// backend health gauges current. It runs in its own process (cmd/metricsd)
// so a scrape can never slow down the call path.
type Scraper struct {
	client   redis.UniversalClient
	db       DBPinger
	counters map[string]*prometheus.CounterVec

	redisHealth prometheus.Gauge
	dbHealth    prometheus.Gauge
}

// NewScraper creates a Scraper and registers its collectors on reg. db may be
// nil when no durable store is configured.
func NewScraper(client redis.UniversalClient, db DBPinger, reg prometheus.Registerer) *Scraper {
	s := &Scraper{
		client:   client,
		db:       db,
		counters: make(map[string]*prometheus.CounterVec, len(queueSpecs)),
		redisHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redis_health",
			Help: "Whether Redis is reachable from the scraper.",
		}),
		dbHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_health",
			Help: "Whether the durable store is reachable from the scraper.",
		}),
	}

	for queue, spec := range queueSpecs {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: queue, Help: spec.help}, spec.labels)
		s.counters[queue] = c
		reg.MustRegister(c)
	}
	reg.MustRegister(s.redisHealth, s.dbHealth)

	return s
}

// ScrapeOnce drains every queue once and refreshes the health gauges.
func (s *Scraper) ScrapeOnce(ctx context.Context) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		slog.Warn("scraper: redis unreachable", "error", err)
		s.redisHealth.Set(0)
		return
	}
	s.redisHealth.Set(1)

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Warn("scraper: durable store unreachable", "error", err)
			s.dbHealth.Set(0)
		} else {
			s.dbHealth.Set(1)
		}
	}

	for queue, counter := range s.counters {
		records, err := Drain(ctx, s.client, queue)
		if err != nil {
			slog.Error("scraper: draining queue", "queue", queue, "error", err)
			continue
		}
		spec := queueSpecs[queue]
		for _, record := range records {
			values := make([]string, len(spec.labels))
			for i, label := range spec.labels {
				values[i] = record[label]
			}
			counter.WithLabelValues(values...).Inc()
		}
	}
}

// Run scrapes at the given interval until ctx is cancelled.
func (s *Scraper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScrapeOnce(ctx)
		}
	}
}
