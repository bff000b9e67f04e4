package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database"
	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
)

// oldTokenMessage is pushed to a device whose registration was taken over
// by another device on the same account.
const oldTokenMessage = "A other device has registered for the same account. " +
	"You won't be reachable on this device"

// handleRegisterDevice creates or updates the device registration for a SIP
// user. Re-registering with a new token notifies the previous device that it
// lost the account.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request, platform string) {
	ctx := r.Context()

	fields, err := parseBody(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	sipUserID, ok := validSIPUserID(fields)
	if !ok {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	if err := s.auth.Authenticate(ctx, r.Header.Get("Authorization"), sipUserID); err != nil {
		writeStatus(w, authStatus(err))
		return
	}

	token := stringField(fields, "token")
	appID := stringField(fields, "app")
	name := stringField(fields, "name")
	osVersion := stringField(fields, "os_version")
	clientVersion := stringField(fields, "client_version")
	remoteLogID := stringField(fields, "remote_logging_id")
	sandbox := boolField(fields, "sandbox", false)

	if !validToken(token) || appID == "" || !validKey(appID) ||
		!validKey(name) || !validKey(osVersion) || !validKey(clientVersion) || !validKey(remoteLogID) {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	app, err := s.devices.GetApp(ctx, appID, platform)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeStatus(w, http.StatusNotFound)
		return
	case err != nil:
		slog.Error("register-device: app lookup failed", "app_id", appID, "platform", platform, "error", err)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	dev := &models.Device{
		SIPUserID:     sipUserID,
		Token:         token,
		Name:          name,
		OSVersion:     osVersion,
		ClientVersion: clientVersion,
		Sandbox:       sandbox,
		RemoteLogID:   remoteLogID,
		LastSeen:      time.Now(),
		App:           *app,
	}

	created, oldToken, err := s.devices.UpsertDevice(ctx, dev)
	if err != nil {
		slog.Error("register-device: upsert failed", "sip_user_id", sipUserID, "error", err)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	if oldToken != "" {
		oldDev := *dev
		oldDev.Token = oldToken
		s.dispatcher.SendMessagePush(&oldDev, oldTokenMessage)
	}

	slog.Info("register-device: device registered",
		"app_id", appID,
		"platform", platform,
		"sip_user_id", sipUserID,
		"created", created,
		"token_replaced", oldToken != "")

	if created {
		writeStatus(w, http.StatusCreated)
		return
	}
	writeStatus(w, http.StatusOK)
}

// handleUnregisterDevice removes a device registration. All identifying
// fields have to match for the delete to land.
func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request, platform string) {
	ctx := r.Context()

	fields, err := parseBody(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	sipUserID, ok := validSIPUserID(fields)
	if !ok {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	if err := s.auth.Authenticate(ctx, r.Header.Get("Authorization"), sipUserID); err != nil {
		writeStatus(w, authStatus(err))
		return
	}

	token := stringField(fields, "token")
	appID := stringField(fields, "app")
	if !validToken(token) || appID == "" || !validKey(appID) {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	err = s.devices.DeleteDevice(ctx, sipUserID, token, appID, platform)
	switch {
	case errors.Is(err, database.ErrNotFound):
		slog.Warn("unregister-device: no matching registration",
			"sip_user_id", sipUserID,
			"app_id", appID,
			"platform", platform)
		writeStatus(w, http.StatusNotFound)
		return
	case err != nil:
		slog.Error("unregister-device: delete failed", "sip_user_id", sipUserID, "error", err)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	slog.Info("unregister-device: device unregistered",
		"sip_user_id", sipUserID,
		"app_id", appID,
		"platform", platform)
	writeStatus(w, http.StatusOK)
}
