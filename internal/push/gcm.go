package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
)

const gcmSendURL = "https://gcm-http.googleapis.com/gcm/send"

// GCMSender delivers pushes to devices still registered on the legacy
// Google Cloud Messaging HTTP endpoint. The server API key comes from the
// device's app row. No Go SDK exists for this API anymore, so it is a plain
// JSON POST.
type GCMSender struct {
	client *http.Client
	url    string
}

// NewGCMSender creates a GCMSender against the public GCM endpoint.
func NewGCMSender() *GCMSender {
	return &GCMSender{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    gcmSendURL,
	}
}

type gcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Data            map[string]string `json:"data"`
	CollapseKey     string            `json:"collapse_key,omitempty"`
	Priority        string            `json:"priority,omitempty"`
}

type gcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID      string `json:"message_id"`
		RegistrationID string `json:"registration_id"`
		Error          string `json:"error"`
	} `json:"results"`
}

// Send delivers the payload to the device's GCM registration id.
func (g *GCMSender) Send(ctx context.Context, device *models.Device, payload Payload) (Outcome, error) {
	body, err := json.Marshal(gcmRequest{
		RegistrationIDs: []string{device.Token},
		Data:            payload.DataMap(),
		CollapseKey:     fmt.Sprintf("%d-cycle.key", time.Now().Unix()),
		Priority:        "high",
	})
	if err != nil {
		return OutcomeTransient, fmt.Errorf("gcm: building request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return OutcomeTransient, fmt.Errorf("gcm: creating request: %w", err)
	}
	req.Header.Set("Authorization", "key="+device.App.PushKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("gcm: sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return OutcomeAuthFail, fmt.Errorf("gcm: api key rejected")
	case resp.StatusCode != http.StatusOK:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return OutcomeTransient, fmt.Errorf("gcm: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var gcmResp gcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&gcmResp); err != nil {
		return OutcomeTransient, fmt.Errorf("gcm: decoding response: %w", err)
	}

	if gcmResp.Failure > 0 {
		for _, result := range gcmResp.Results {
			switch result.Error {
			case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
				return OutcomeInvalidToken, fmt.Errorf("gcm: %s", result.Error)
			}
		}
		return OutcomeTransient, fmt.Errorf("gcm: %d of %d sends failed", gcmResp.Failure, gcmResp.Failure+gcmResp.Success)
	}

	return OutcomeDelivered, nil
}

// Close releases the underlying HTTP connections.
func (g *GCMSender) Close() error {
	g.client.CloseIdleConnections()
	return nil
}
