package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
	"github.com/VoIPGRID/vialer-middleware/internal/metrics"
)

// mockTransport implements Transport and records what it was asked to send.
type mockTransport struct {
	mu       sync.Mutex
	sends    []Payload
	devices  []models.Device
	outcome  Outcome
	err      error
	panicked bool
}

func (m *mockTransport) Send(ctx context.Context, device *models.Device, payload Payload) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicked {
		panic("transport blew up")
	}
	m.sends = append(m.sends, payload)
	m.devices = append(m.devices, *device)
	return m.outcome, m.err
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		count := len(m.sends)
		m.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport never saw %d sends", n)
}

type recordingSink struct {
	mu     sync.Mutex
	queues []string
	labels []map[string]string
}

func (s *recordingSink) Emit(ctx context.Context, queue string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, queue)
	s.labels = append(s.labels, labels)
}

func apnsDevice() *models.Device {
	return &models.Device{
		SIPUserID: "123456789",
		Token:     "apns-token",
		App:       models.App{AppID: "com.example.app", Platform: models.PlatformAPNS},
	}
}

func TestSendCallPushRoutesToAPNS(t *testing.T) {
	apns := &mockTransport{outcome: OutcomeDelivered}
	d := NewDispatcher(Config{APNS: apns, ResponseAPI: "https://mw.example.com/api/call-response"})
	defer d.Close()

	d.SendCallPush(apnsDevice(), CallData{UniqueKey: "abc123", Phonenumber: "0612345678", Attempt: 1})
	apns.wait(t, 1)

	apns.mu.Lock()
	defer apns.mu.Unlock()
	payload := apns.sends[0]
	if payload.Type != TypeCall || payload.UniqueKey != "abc123" {
		t.Errorf("unexpected payload %+v", payload)
	}
	if payload.ResponseAPI != "https://mw.example.com/api/call-response" {
		t.Errorf("response api not injected: %q", payload.ResponseAPI)
	}
}

func TestSendCallPushAPNS2OptIn(t *testing.T) {
	apns := &mockTransport{outcome: OutcomeDelivered}
	apns2 := &mockTransport{outcome: OutcomeDelivered}
	d := NewDispatcher(Config{
		APNS:         apns,
		APNS2:        apns2,
		APNS2Devices: []string{"123456789"},
	})
	defer d.Close()

	d.SendCallPush(apnsDevice(), CallData{UniqueKey: "abc123", Attempt: 1})
	apns2.wait(t, 1)

	apns.mu.Lock()
	if len(apns.sends) != 0 {
		t.Errorf("opted-in device should not use the default apns transport")
	}
	apns.mu.Unlock()
}

func TestSendCallPushRoutesByPlatform(t *testing.T) {
	fcm := &mockTransport{outcome: OutcomeDelivered}
	gcm := &mockTransport{outcome: OutcomeDelivered}
	d := NewDispatcher(Config{FCM: fcm, GCM: gcm})
	defer d.Close()

	android := apnsDevice()
	android.App.Platform = models.PlatformAndroid
	d.SendCallPush(android, CallData{UniqueKey: "a", Attempt: 1})

	legacy := apnsDevice()
	legacy.App.Platform = models.PlatformGCM
	d.SendCallPush(legacy, CallData{UniqueKey: "b", Attempt: 1})

	fcm.wait(t, 1)
	gcm.wait(t, 1)
}

func TestSendMessagePush(t *testing.T) {
	apns := &mockTransport{outcome: OutcomeDelivered}
	d := NewDispatcher(Config{APNS: apns})
	defer d.Close()

	d.SendMessagePush(apnsDevice(), "token replaced")
	apns.wait(t, 1)

	apns.mu.Lock()
	defer apns.mu.Unlock()
	if apns.sends[0].Type != TypeMessage || apns.sends[0].Message != "token replaced" {
		t.Errorf("unexpected payload %+v", apns.sends[0])
	}
}

func TestAuthFailEmitsMetric(t *testing.T) {
	apns := &mockTransport{outcome: OutcomeAuthFail}
	sink := &recordingSink{}
	d := NewDispatcher(Config{APNS: apns, Sink: sink})

	d.SendCallPush(apnsDevice(), CallData{UniqueKey: "abc123", Attempt: 1})
	apns.wait(t, 1)
	d.Close() // drain the pool before inspecting the sink

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.queues) != 1 || sink.queues[0] != metrics.QueuePushFailed {
		t.Fatalf("expected one %s event, got %v", metrics.QueuePushFailed, sink.queues)
	}
	if sink.labels[0][metrics.LabelFailedReason] != "push credentials rejected" {
		t.Errorf("unexpected failed_reason %q", sink.labels[0][metrics.LabelFailedReason])
	}
}

func TestInvalidTokenIsLogOnly(t *testing.T) {
	apns := &mockTransport{outcome: OutcomeInvalidToken}
	sink := &recordingSink{}
	d := NewDispatcher(Config{APNS: apns, Sink: sink})

	d.SendCallPush(apnsDevice(), CallData{UniqueKey: "abc123", Attempt: 1})
	apns.wait(t, 1)
	d.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.queues) != 0 {
		t.Errorf("invalid token must not emit metrics, got %v", sink.queues)
	}
}

func TestMissingTransportDoesNotPanic(t *testing.T) {
	d := NewDispatcher(Config{})

	d.SendCallPush(apnsDevice(), CallData{UniqueKey: "abc123", Attempt: 1})
	d.Close()
}

func TestTransportPanicIsContained(t *testing.T) {
	apns := &mockTransport{panicked: true}
	d := NewDispatcher(Config{APNS: apns})

	d.SendCallPush(apnsDevice(), CallData{UniqueKey: "abc123", Attempt: 1})
	d.Close()
}

func TestFullQueueDropsPush(t *testing.T) {
	block := make(chan struct{})
	slow := &blockingTransport{release: block}
	d := NewDispatcher(Config{APNS: slow, Workers: 1, QueueSize: 1})

	// One send occupies the worker, one fills the queue, the rest drop.
	for i := 0; i < 10; i++ {
		d.SendCallPush(apnsDevice(), CallData{UniqueKey: "abc123", Attempt: 1})
	}
	close(block)
	d.Close()

	slow.mu.Lock()
	defer slow.mu.Unlock()
	if slow.count > 2 {
		t.Errorf("expected at most 2 sends through a full queue, got %d", slow.count)
	}
}

type blockingTransport struct {
	mu      sync.Mutex
	count   int
	release chan struct{}
}

func (b *blockingTransport) Send(ctx context.Context, device *models.Device, payload Payload) (Outcome, error) {
	<-b.release
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	return OutcomeDelivered, nil
}

func (b *blockingTransport) Close() error { return nil }
