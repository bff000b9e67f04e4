package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
	"github.com/golang-jwt/jwt/v4"
)

const (
	apnsProductionURL = "https://api.push.apple.com"
	apnsSandboxURL    = "https://api.sandbox.push.apple.com"

	// APNs provider tokens are valid for up to 60 minutes.
	// Refresh at 50 minutes to avoid edge-case expiry.
	apnsTokenRefreshInterval = 50 * time.Minute
)

// APNSSender is the default Apple transport: the token-based (JWT) HTTP/2
// provider API. The sandbox gateway is selected per device.
type APNSSender struct {
	client *http.Client
	topic  string // app bundle ID

	key    *ecdsa.PrivateKey
	keyID  string
	teamID string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// APNSConfig holds the configuration for creating an APNSSender.
type APNSConfig struct {
	// KeyFile is the path to the .p8 private key file from Apple.
	KeyFile string
	// KeyID is the 10-character key identifier from Apple.
	KeyID string
	// TeamID is the 10-character Apple Developer Team ID.
	TeamID string
	// BundleID is the app's bundle identifier, used as the APNs topic.
	BundleID string
}

// NewAPNSSender creates an APNSSender from the given configuration.
func NewAPNSSender(cfg APNSConfig) (*APNSSender, error) {
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("apns: key file path is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("apns: key id is required")
	}
	if cfg.TeamID == "" {
		return nil, fmt.Errorf("apns: team id is required")
	}
	if cfg.BundleID == "" {
		return nil, fmt.Errorf("apns: bundle id is required")
	}

	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: reading key file: %w", err)
	}

	key, err := parseP8PrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("apns: parsing p8 key: %w", err)
	}

	return &APNSSender{
		client: &http.Client{Timeout: 30 * time.Second},
		topic:  cfg.BundleID,
		key:    key,
		keyID:  cfg.KeyID,
		teamID: cfg.TeamID,
	}, nil
}

// Send delivers the payload to the device's APNs token.
func (a *APNSSender) Send(ctx context.Context, device *models.Device, payload Payload) (Outcome, error) {
	providerToken, err := a.getProviderToken()
	if err != nil {
		return OutcomeAuthFail, fmt.Errorf("apns: generating provider token: %w", err)
	}

	body, err := buildAPNSBody(payload)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("apns: building payload: %w", err)
	}

	baseURL := apnsProductionURL
	if device.Sandbox {
		baseURL = apnsSandboxURL
	}

	url := fmt.Sprintf("%s/3/device/%s", baseURL, device.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return OutcomeTransient, fmt.Errorf("apns: creating request: %w", err)
	}

	req.Header.Set("Authorization", "bearer "+providerToken)
	req.Header.Set("Content-Type", "application/json")
	if payload.Type == TypeCall {
		req.Header.Set("apns-topic", a.topic+".voip")
		req.Header.Set("apns-push-type", "voip")
		req.Header.Set("apns-priority", "10")
		req.Header.Set("apns-expiration", "0")
	} else {
		req.Header.Set("apns-topic", a.topic)
		req.Header.Set("apns-push-type", "background")
		req.Header.Set("apns-priority", "5")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("apns: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return OutcomeDelivered, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var apnsErr apnsErrorResponse
	if err := json.Unmarshal(respBody, &apnsErr); err == nil && apnsErr.Reason != "" {
		return classifyAPNSReason(apnsErr.Reason), fmt.Errorf("apns: %s (status %d)", apnsErr.Reason, resp.StatusCode)
	}

	return OutcomeTransient, fmt.Errorf("apns: unexpected status %d: %s", resp.StatusCode, string(respBody))
}

// Close releases the underlying HTTP connections.
func (a *APNSSender) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// classifyAPNSReason maps an APNs error reason onto our outcome taxonomy.
func classifyAPNSReason(reason string) Outcome {
	switch reason {
	case "Unregistered", "BadDeviceToken", "DeviceTokenNotForTopic":
		return OutcomeInvalidToken
	case "ExpiredProviderToken", "InvalidProviderToken", "MissingProviderToken", "Forbidden":
		return OutcomeAuthFail
	}
	return OutcomeTransient
}

// getProviderToken returns a cached JWT provider token, refreshing it
// when nearing expiry.
func (a *APNSSender) getProviderToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   a.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}

	a.cachedToken = signed
	a.tokenExpiry = now.Add(apnsTokenRefreshInterval)

	return signed, nil
}

// apnsErrorResponse represents the JSON error body returned by APNs.
type apnsErrorResponse struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// buildAPNSBody renders the APNs JSON body: an empty aps dictionary plus the
// payload fields as custom keys, which is what the app expects.
func buildAPNSBody(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var custom map[string]any
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, err
	}
	custom["aps"] = map[string]any{}
	return json.Marshal(custom)
}

// parseP8PrivateKey parses an Apple .p8 private key file (PKCS#8 PEM-encoded
// ECDSA P-256 key) and returns the *ecdsa.PrivateKey.
func parseP8PrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}

	return ecKey, nil
}
