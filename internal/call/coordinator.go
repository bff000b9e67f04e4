// Package call implements the incoming-call rendezvous: one blocking
// coordinator per switch request, meeting the device's out-of-band answer in
// the shared store.
package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
	"github.com/VoIPGRID/vialer-middleware/internal/metrics"
	"github.com/VoIPGRID/vialer-middleware/internal/push"
	"github.com/VoIPGRID/vialer-middleware/internal/rendezvous"
)

// Verdict is the terminal state of one call attempt.
type Verdict int

const (
	// VerdictAvailable means the device confirmed it can take the call.
	VerdictAvailable Verdict = iota
	// VerdictUnavailable means the device declined the call.
	VerdictUnavailable
	// VerdictTimeout means the device never answered within the budget.
	VerdictTimeout
)

// String returns the verdict name used in logs.
func (v Verdict) String() string {
	switch v {
	case VerdictAvailable:
		return "available"
	case VerdictUnavailable:
		return "unavailable"
	case VerdictTimeout:
		return "timeout"
	}
	return "unknown"
}

// Store is the rendezvous state the coordinator shares with the response
// intake.
type Store interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

// Dispatcher sends wake-up pushes. Sends are fire-and-forget and must never
// block the wait loop.
type Dispatcher interface {
	SendCallPush(device *models.Device, data push.CallData)
}

// Call is one inbound call notice, with the device already resolved.
type Call struct {
	UniqueKey   string
	SIPUserID   string
	Phonenumber string
	CallerID    string
	Device      *models.Device
}

// Coordinator drives the per-call state machine: seed the store, push,
// retry on a schedule, poll for the device's answer, resolve by deadline.
type Coordinator struct {
	store      Store
	dispatcher Dispatcher
	sink       metrics.Sink

	wait     time.Duration // total round-trip budget (W)
	resend   time.Duration // push retry spacing (R)
	pollTick time.Duration
}

// New creates a Coordinator with the given wait budget and resend interval.
func New(store Store, dispatcher Dispatcher, sink metrics.Sink, wait, resend time.Duration) *Coordinator {
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		sink:       sink,
		wait:       wait,
		resend:     resend,
		pollTick:   10 * time.Millisecond,
	}
}

// WaitForPickup blocks until the device answers or the wait budget expires,
// and returns the verdict the switch should act on. The loop always runs to
// completion: a caller that hangs up early still gets its terminal metric.
func (c *Coordinator) WaitForPickup(ctx context.Context, call *Call) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coordinator: panic in wait loop",
				"unique_key", call.UniqueKey,
				"panic", r,
			)
			verdict = VerdictTimeout
			c.emitVerdict(call, VerdictTimeout)
		}
	}()

	// Detach from the request context: if the switch disconnects early the
	// rendezvous still completes and the answer is simply discarded.
	ctx = context.WithoutCancel(ctx)

	platform := call.Device.App.Platform
	key := rendezvous.CallKey(call.UniqueKey)

	// Seed the entry with the platform placeholder. This claims the call
	// and tells the response intake which transport served it.
	if err := c.store.Put(ctx, key, platform); err != nil {
		slog.Error("coordinator: seeding rendezvous entry",
			"unique_key", call.UniqueKey,
			"error", err,
		)
		// The device can still be woken; with the store down the loop
		// below collapses to a deadline NAK.
	}

	attempt := 1
	c.dispatcher.SendCallPush(call.Device, push.CallData{
		UniqueKey:   call.UniqueKey,
		Phonenumber: call.Phonenumber,
		CallerID:    call.CallerID,
		Attempt:     attempt,
	})

	now := time.Now()
	waitUntil := now.Add(c.wait)
	nextResend := now.Add(c.resend)

	// Avoid launching a retry so close to the deadline that it cannot
	// usefully arrive.
	maxAttempts := 1
	if c.resend > 0 {
		maxAttempts = int(c.wait/c.resend) - 1
	}

	slog.Info("coordinator: starting wait loop",
		"unique_key", call.UniqueKey,
		"platform", platform,
		"sip_user_id", call.SIPUserID,
		"wait_until", waitUntil.Format("15:04:05.000"),
		"roundtrip_ms", c.wait.Milliseconds(),
	)

	storeDown := false
	for time.Now().Before(waitUntil) {
		value, ok, err := c.store.Get(ctx, key)
		if err != nil {
			if !storeDown {
				slog.Warn("coordinator: reading rendezvous entry",
					"unique_key", call.UniqueKey,
					"error", err,
				)
				storeDown = true
			}
		} else {
			storeDown = false
			switch {
			case ok && value == rendezvous.ValueAvailable:
				slog.Info("coordinator: device checked in on time, sending ACK",
					"unique_key", call.UniqueKey,
					"platform", platform,
				)
				c.emitVerdict(call, VerdictAvailable)
				return VerdictAvailable
			case ok && value == rendezvous.ValueNotAvailable:
				slog.Info("coordinator: device not available, sending NAK",
					"unique_key", call.UniqueKey,
					"platform", platform,
				)
				c.emitVerdict(call, VerdictUnavailable)
				return VerdictUnavailable
			}
		}

		// No answer yet: the value is still the platform placeholder (or
		// the store is unreachable). Retries never touch the entry; they
		// are purely extra attempts to wake the device.
		if time.Now().After(nextResend) && attempt < maxAttempts {
			attempt++
			nextResend = time.Now().Add(c.resend)
			c.dispatcher.SendCallPush(call.Device, push.CallData{
				UniqueKey:   call.UniqueKey,
				Phonenumber: call.Phonenumber,
				CallerID:    call.CallerID,
				Attempt:     attempt,
			})
		}

		time.Sleep(c.pollTick)
	}

	slog.Info("coordinator: device did not check in on time, sending NAK",
		"unique_key", call.UniqueKey,
		"platform", platform,
		"attempts", attempt,
	)
	c.emitVerdict(call, VerdictTimeout)
	return VerdictTimeout
}

// emitVerdict writes the terminal metric for the call. The entry itself is
// left to its TTL so a late device response still finds it and gets a 404.
func (c *Coordinator) emitVerdict(call *Call, verdict Verdict) {
	if c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	platform := call.Device.App.Platform
	switch verdict {
	case VerdictAvailable:
		c.sink.Emit(ctx, metrics.QueuePushSuccess, map[string]string{
			metrics.LabelOS:        platform,
			metrics.LabelDirection: metrics.DirectionIncoming,
		})
	case VerdictUnavailable:
		c.sink.Emit(ctx, metrics.QueuePushFailed, map[string]string{
			metrics.LabelOS:           platform,
			metrics.LabelDirection:    metrics.DirectionIncoming,
			metrics.LabelFailedReason: "Device not available",
		})
	case VerdictTimeout:
		c.sink.Emit(ctx, metrics.QueuePushFailed, map[string]string{
			metrics.LabelOS:           platform,
			metrics.LabelDirection:    metrics.DirectionIncoming,
			metrics.LabelFailedReason: "Unable to get response from phone",
		})
	}
}
