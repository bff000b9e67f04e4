package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) PingContext(ctx context.Context) error {
	return p.err
}

// gatherValue finds a metric by name and label subset and returns its value.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			have := make(map[string]string, len(m.GetLabel()))
			for _, pair := range m.GetLabel() {
				have[pair.GetName()] = pair.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue metric
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return -1
}

func TestScrapeOnceDrainsQueues(t *testing.T) {
	client, _ := testClient(t)
	reg := prometheus.NewRegistry()
	scraper := NewScraper(client, nil, reg)
	ctx := context.Background()

	sink := NewRedisSink(client)
	sink.Emit(ctx, QueuePushSuccess, map[string]string{LabelOS: "apns", LabelDirection: DirectionIncoming})
	sink.Emit(ctx, QueuePushSuccess, map[string]string{LabelOS: "apns", LabelDirection: DirectionIncoming})
	sink.Emit(ctx, QueueIncomingFailed, map[string]string{
		LabelOS:           OSMiddleware,
		LabelAction:       ActionReceived,
		LabelFailedReason: "failed no sip_user_id",
	})

	scraper.ScrapeOnce(ctx)

	got := gatherValue(t, reg, QueuePushSuccess, map[string]string{LabelOS: "apns"})
	if got != 2 {
		t.Errorf("expected push success counter 2, got %v", got)
	}

	got = gatherValue(t, reg, QueueIncomingFailed, map[string]string{LabelFailedReason: "failed no sip_user_id"})
	if got != 1 {
		t.Errorf("expected incoming failed counter 1, got %v", got)
	}

	// A second scrape of the now-empty queues must not double count.
	scraper.ScrapeOnce(ctx)
	got = gatherValue(t, reg, QueuePushSuccess, map[string]string{LabelOS: "apns"})
	if got != 2 {
		t.Errorf("counter moved on an empty queue, got %v", got)
	}
}

func TestScrapeOnceHealthGauges(t *testing.T) {
	client, _ := testClient(t)
	reg := prometheus.NewRegistry()
	scraper := NewScraper(client, &fakePinger{}, reg)
	ctx := context.Background()

	scraper.ScrapeOnce(ctx)

	if got := gatherValue(t, reg, "redis_health", nil); got != 1 {
		t.Errorf("expected redis_health 1, got %v", got)
	}
	if got := gatherValue(t, reg, "db_health", nil); got != 1 {
		t.Errorf("expected db_health 1, got %v", got)
	}
}

func TestScrapeOnceUnhealthyBackends(t *testing.T) {
	client, mr := testClient(t)
	reg := prometheus.NewRegistry()
	scraper := NewScraper(client, &fakePinger{err: errors.New("down")}, reg)
	ctx := context.Background()

	scraper.ScrapeOnce(ctx)
	if got := gatherValue(t, reg, "db_health", nil); got != 0 {
		t.Errorf("expected db_health 0, got %v", got)
	}

	mr.Close()
	scraper.ScrapeOnce(ctx)
	if got := gatherValue(t, reg, "redis_health", nil); got != 0 {
		t.Errorf("expected redis_health 0, got %v", got)
	}
}
