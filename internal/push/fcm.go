package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
)

// FCMSender delivers pushes via Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a ready-to-use FCMSender.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client}, nil
}

// Send delivers the payload as a high-priority data message to the device's
// FCM registration token.
func (f *FCMSender) Send(ctx context.Context, device *models.Device, payload Payload) (Outcome, error) {
	// A wake-up push is useless once the caller has given up; let stale
	// ones expire at Google rather than arrive minutes late.
	ttl := 30 * time.Second
	msg := &messaging.Message{
		Token: device.Token,
		Data:  payload.DataMap(),
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		switch {
		case messaging.IsUnregistered(err):
			return OutcomeInvalidToken, fmt.Errorf("fcm: token no longer valid: %w", err)
		case messaging.IsSenderIDMismatch(err):
			return OutcomeInvalidToken, fmt.Errorf("fcm: token belongs to another sender: %w", err)
		case messaging.IsThirdPartyAuthError(err):
			return OutcomeAuthFail, fmt.Errorf("fcm: auth rejected: %w", err)
		}
		return OutcomeTransient, fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm message sent", "message_id", id, "unique_key", payload.UniqueKey)
	return OutcomeDelivered, nil
}

// Close is a no-op; the messaging client owns no resources needing release.
func (f *FCMSender) Close() error {
	return nil
}
