package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Authentication outcomes. Handlers map these onto bare status codes.
var (
	ErrNotAuthenticated = errors.New("api: no credentials provided")
	ErrForbidden        = errors.New("api: permission denied")
	ErrAuthUnavailable  = errors.New("api: directory unavailable")
)

// DirectoryAuth authenticates requests against the upstream directory API
// by replaying the caller's Authorization header to the user profile
// endpoint and checking that the authenticated account owns the SIP user id
// the request is about.
type DirectoryAuth struct {
	client  *http.Client
	userURL string
	baseURL string
}

// NewDirectoryAuth creates a DirectoryAuth. userURL points at the profile
// endpoint, baseURL is joined with the relative app account URL the profile
// returns.
func NewDirectoryAuth(userURL, baseURL string) *DirectoryAuth {
	return &DirectoryAuth{
		client:  &http.Client{Timeout: 10 * time.Second},
		userURL: userURL,
		baseURL: baseURL,
	}
}

type directoryProfile struct {
	ID         json.Number `json:"id"`
	Email      string      `json:"email"`
	AppAccount string      `json:"app_account"`
}

type directoryAppAccount struct {
	AccountID json.Number `json:"account_id"`
}

// Authenticate implements Authenticator.
func (a *DirectoryAuth) Authenticate(ctx context.Context, authorization, sipUserID string) error {
	if authorization == "" {
		return ErrNotAuthenticated
	}

	var profile directoryProfile
	if err := a.get(ctx, a.userURL, authorization, &profile); err != nil {
		return err
	}

	if profile.AppAccount == "" {
		slog.Info("auth: systemuser has no app account",
			"user_id", profile.ID.String(),
			"sip_user_id", sipUserID)
		return ErrForbidden
	}

	var account directoryAppAccount
	if err := a.get(ctx, a.baseURL+profile.AppAccount, authorization, &account); err != nil {
		return err
	}

	if account.AccountID.String() != sipUserID {
		return ErrForbidden
	}
	return nil
}

// get performs one authenticated directory lookup and decodes the response.
func (a *DirectoryAuth) get(ctx context.Context, url, authorization string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building directory request: %w", err)
	}
	req.Header.Set("Authorization", authorization)

	resp, err := a.client.Do(req)
	if err != nil {
		slog.Warn("auth: directory request failed", "error", err)
		return ErrAuthUnavailable
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrNotAuthenticated
	case http.StatusForbidden:
		return ErrForbidden
	default:
		slog.Warn("auth: unsupported directory response code", "status_code", resp.StatusCode)
		return ErrAuthUnavailable
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		slog.Warn("auth: malformed directory response", "error", err)
		return ErrAuthUnavailable
	}
	return nil
}

// authStatus maps an authentication error onto the HTTP status code the
// open endpoints reply with.
func authStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}
