// Package metrics implements the append-only metric queues shared between
// the middleware and the out-of-process scraper. The core only ever appends;
// cmd/metricsd drains the queues into Prometheus counters.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Queue names. Each is a Redis list of JSON-encoded label maps.
const (
	QueueCallSuccess    = "vialer_call_success_total"
	QueueCallFailure    = "vialer_call_failure_total"
	QueueHangupReason   = "vialer_hangup_reason_total"
	QueuePushSuccess    = "vialer_middleware_push_notification_success_total"
	QueuePushFailed     = "vialer_middleware_push_notification_failed_total"
	QueueIncomingCall   = "vialer_middleware_incoming_call_total"
	QueueIncomingFailed = "vialer_middleware_incoming_call_failed_total"
)

// Label keys used in queue records.
const (
	LabelOS             = "os"
	LabelOSVersion      = "os_version"
	LabelAppVersion     = "app_version"
	LabelNetwork        = "network"
	LabelNetworkOp      = "network_operator"
	LabelConnectionType = "connection_type"
	LabelDirection      = "direction"
	LabelAction         = "action"
	LabelFailedReason   = "failed_reason"
	LabelHangupReason   = "hangup_reason"
)

// Well-known label values for middleware-observed calls.
const (
	DirectionIncoming = "Incoming"
	ActionReceived    = "Received"
	OSMiddleware      = "Middleware"
)

// Sink accepts metric events. The call path must never block on it, so
// implementations keep Emit cheap and swallow backend failures.
type Sink interface {
	Emit(ctx context.Context, queue string, labels map[string]string)
}

// RedisSink appends events onto Redis lists.
type RedisSink struct {
	client redis.UniversalClient
}

// NewRedisSink creates a Sink writing to the given Redis client.
func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

// Emit appends one JSON-encoded record onto the named queue. Failures are
// logged and dropped: losing a counter increment is preferable to failing a
// call.
func (s *RedisSink) Emit(ctx context.Context, queue string, labels map[string]string) {
	data, err := json.Marshal(labels)
	if err != nil {
		slog.Error("metrics: encoding event", "queue", queue, "error", err)
		return
	}
	if err := s.client.RPush(ctx, queue, data).Err(); err != nil {
		slog.Warn("metrics: appending event", "queue", queue, "error", err)
	}
}

// Drain pops up to the current length of the named queue and returns the
// decoded records. Records appended while draining are left for the next
// cycle: the list is trimmed to exactly what was read.
func Drain(ctx context.Context, client redis.UniversalClient, queue string) ([]map[string]string, error) {
	length, err := client.LLen(ctx, queue).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: reading length of %s: %w", queue, err)
	}
	if length == 0 {
		return nil, nil
	}

	raw, err := client.LRange(ctx, queue, 0, length-1).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: reading %s: %w", queue, err)
	}

	records := make([]map[string]string, 0, len(raw))
	for _, item := range raw {
		var labels map[string]string
		if err := json.Unmarshal([]byte(item), &labels); err != nil {
			slog.Warn("metrics: skipping malformed record", "queue", queue, "error", err)
			continue
		}
		records = append(records, labels)
	}

	if err := client.LTrim(ctx, queue, length, -1).Err(); err != nil {
		return nil, fmt.Errorf("metrics: trimming %s: %w", queue, err)
	}
	return records, nil
}
