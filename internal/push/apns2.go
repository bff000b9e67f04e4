package push

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
)

// APNS2Sender is the opt-in Apple sub-transport: certificate-authenticated
// HTTP/2 connections shared across calls. Connections are opened lazily per
// (certificate, gateway) pair and dropped on transport failure so the next
// send reopens them.
type APNS2Sender struct {
	certDir string
	topic   string

	mu      sync.Mutex
	clients map[string]*apns2.Client
}

// NewAPNS2Sender creates an APNS2Sender loading per-app certificates from
// certDir. bundleID is used as the APNs topic.
func NewAPNS2Sender(certDir, bundleID string) *APNS2Sender {
	return &APNS2Sender{
		certDir: certDir,
		topic:   bundleID,
		clients: make(map[string]*apns2.Client),
	}
}

// Send delivers the payload over the shared connection for the device's app
// certificate, retrying once on a fresh connection when the cached one has
// gone stale.
func (a *APNS2Sender) Send(ctx context.Context, device *models.Device, payload Payload) (Outcome, error) {
	body, err := buildAPNSBody(payload)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("apns2: building payload: %w", err)
	}

	notification := &apns2.Notification{
		DeviceToken: device.Token,
		Payload:     body,
		Priority:    apns2.PriorityHigh,
	}
	if payload.Type == TypeCall {
		notification.Topic = a.topic + ".voip"
		notification.PushType = apns2.PushTypeVOIP
	} else {
		notification.Topic = a.topic
		notification.PushType = apns2.PushTypeBackground
	}

	for attempt := 0; ; attempt++ {
		client, key, err := a.getClient(device)
		if err != nil {
			return OutcomeAuthFail, err
		}

		res, err := client.PushWithContext(ctx, notification)
		if err != nil {
			// The shared connection may have died since its last use.
			// Drop it and retry once on a fresh one.
			a.invalidate(key)
			if attempt == 0 && ctx.Err() == nil {
				slog.Info("apns2: reopening connection", "cert", key)
				continue
			}
			return OutcomeTransient, fmt.Errorf("apns2: push failed: %w", err)
		}

		if res.Sent() {
			return OutcomeDelivered, nil
		}
		return classifyAPNSReason(res.Reason), fmt.Errorf("apns2: %s (status %d)", res.Reason, res.StatusCode)
	}
}

// Close drops all shared connections.
func (a *APNS2Sender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients = make(map[string]*apns2.Client)
	return nil
}

func (a *APNS2Sender) getClient(device *models.Device) (*apns2.Client, string, error) {
	key := device.App.PushKey
	if device.Sandbox {
		key += ":sandbox"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if client, ok := a.clients[key]; ok {
		return client, key, nil
	}

	certPath := filepath.Join(a.certDir, device.App.PushKey)
	cert, err := certificate.FromPemFile(certPath, "")
	if err != nil {
		return nil, "", fmt.Errorf("apns2: loading certificate %s: %w", certPath, err)
	}

	client := apns2.NewClient(cert)
	if device.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	a.clients[key] = client
	slog.Info("apns2: opened connection", "cert", device.App.PushKey, "sandbox", device.Sandbox)
	return client, key, nil
}

func (a *APNS2Sender) invalidate(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, key)
}
