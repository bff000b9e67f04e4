package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
	"github.com/VoIPGRID/vialer-middleware/internal/metrics"
)

// Outcome classifies the result of one transport send.
type Outcome int

const (
	// OutcomeDelivered means the transport accepted the push.
	OutcomeDelivered Outcome = iota
	// OutcomeInvalidToken means the device token is permanently bad.
	OutcomeInvalidToken
	// OutcomeTransient means a retry of the same send may succeed.
	OutcomeTransient
	// OutcomeAuthFail means our transport credentials were rejected.
	OutcomeAuthFail
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeInvalidToken:
		return "invalid-token"
	case OutcomeTransient:
		return "transient"
	case OutcomeAuthFail:
		return "auth-fail"
	}
	return "unknown"
}

// Transport delivers a payload to one device on one platform.
type Transport interface {
	Send(ctx context.Context, device *models.Device, payload Payload) (Outcome, error)
	Close() error
}

// sendTimeout bounds one transport send inside the worker pool. It is
// deliberately longer than the call round-trip budget: a push that lands
// late is still useful for the device's UI.
const sendTimeout = 30 * time.Second

// Dispatcher routes pushes to the transport serving the device's platform.
// Sends run on a bounded worker pool so callers never block; under overload
// excess sends are dropped with a log line rather than queued without bound.
type Dispatcher struct {
	apns         Transport // token-based provider API, the default for apns
	apns2        Transport // shared certificate-based connection, opt-in
	fcm          Transport
	gcm          Transport
	apns2Devices map[string]struct{}
	responseAPI  string
	sink         metrics.Sink

	jobs chan func()
	wg   sync.WaitGroup
}

// Config wires a Dispatcher. Nil transports disable their platform; pushes
// for a disabled platform are counted as transient failures.
type Config struct {
	APNS         Transport
	APNS2        Transport
	FCM          Transport
	GCM          Transport
	APNS2Devices []string // sip_user_ids opted in to the apns2 sub-transport
	ResponseAPI  string   // absolute call-response URL for push payloads
	Sink         metrics.Sink
	Workers      int
	QueueSize    int
}

// NewDispatcher creates a Dispatcher and starts its worker pool.
func NewDispatcher(cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	d := &Dispatcher{
		apns:         cfg.APNS,
		apns2:        cfg.APNS2,
		fcm:          cfg.FCM,
		gcm:          cfg.GCM,
		apns2Devices: make(map[string]struct{}, len(cfg.APNS2Devices)),
		responseAPI:  cfg.ResponseAPI,
		sink:         cfg.Sink,
		jobs:         make(chan func(), queueSize),
	}
	for _, id := range cfg.APNS2Devices {
		d.apns2Devices[id] = struct{}{}
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		job()
	}
}

// Close stops accepting work, waits for in-flight sends and releases
// transport resources.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
	for _, t := range []Transport{d.apns, d.apns2, d.fcm, d.gcm} {
		if t != nil {
			t.Close()
		}
	}
}

// SendCallPush dispatches a call wake-up push asynchronously. It never
// blocks and never reports an error to the caller; failures surface as
// metrics and log records only.
func (d *Dispatcher) SendCallPush(device *models.Device, data CallData) {
	dev := *device // the caller's device must not be retained across the async boundary
	d.enqueue(data.UniqueKey, func() {
		payload := NewCallPayload(d.responseAPI, data)
		d.send(&dev, payload, data.UniqueKey)
	})
}

// SendMessagePush dispatches a plain text push asynchronously, e.g. the
// courtesy message to a replaced device token.
func (d *Dispatcher) SendMessagePush(device *models.Device, text string) {
	dev := *device
	d.enqueue(dev.Token, func() {
		d.send(&dev, NewMessagePayload(text), dev.Token)
	})
}

func (d *Dispatcher) enqueue(key string, job func()) {
	select {
	case d.jobs <- job:
	default:
		slog.Warn("push: dispatch queue full, dropping push", "unique_key", key)
	}
}

func (d *Dispatcher) send(device *models.Device, payload Payload, uniqueKey string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("push: panic in transport send", "unique_key", uniqueKey, "panic", r)
		}
	}()

	transport, err := d.transportFor(device)
	if err != nil {
		slog.Warn("push: no transport for device",
			"unique_key", uniqueKey,
			"platform", device.App.Platform,
			"token", device.Token,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := transport.Send(ctx, device, payload)
	elapsed := time.Since(start)

	switch outcome {
	case OutcomeDelivered:
		slog.Debug("push: sent",
			"unique_key", uniqueKey,
			"platform", device.App.Platform,
			"attempt", payload.Attempt,
			"elapsed", elapsed,
		)
	case OutcomeInvalidToken:
		// Log-only contract: a later release may prune the device row.
		slog.Warn("push: device token rejected as invalid",
			"unique_key", uniqueKey,
			"platform", device.App.Platform,
			"token", device.Token,
			"error", err,
		)
	case OutcomeAuthFail:
		slog.Error("push: transport credentials rejected",
			"unique_key", uniqueKey,
			"platform", device.App.Platform,
			"error", err,
		)
		d.emitFailure(device, "push credentials rejected")
	default:
		slog.Warn("push: transport send failed",
			"unique_key", uniqueKey,
			"platform", device.App.Platform,
			"error", err,
		)
	}
}

func (d *Dispatcher) emitFailure(device *models.Device, reason string) {
	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.sink.Emit(ctx, metrics.QueuePushFailed, map[string]string{
		metrics.LabelOS:           device.App.Platform,
		metrics.LabelDirection:    metrics.DirectionIncoming,
		metrics.LabelFailedReason: reason,
	})
}

func (d *Dispatcher) transportFor(device *models.Device) (Transport, error) {
	var t Transport
	switch device.App.Platform {
	case models.PlatformAPNS:
		t = d.apns
		if _, ok := d.apns2Devices[device.SIPUserID]; ok && d.apns2 != nil {
			t = d.apns2
		}
	case models.PlatformAndroid:
		t = d.fcm
	case models.PlatformGCM:
		t = d.gcm
	}
	if t == nil {
		return nil, fmt.Errorf("push: no transport for platform %q", device.App.Platform)
	}
	return t, nil
}
