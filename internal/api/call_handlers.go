package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/call"
	"github.com/VoIPGRID/vialer-middleware/internal/database"
	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
	"github.com/VoIPGRID/vialer-middleware/internal/metrics"
	"github.com/VoIPGRID/vialer-middleware/internal/rendezvous"
)

// Verdict bodies for the switch. These are the only two responses the
// incoming-call endpoint ever returns.
const (
	statusACK = "status=ACK"
	statusNAK = "status=NAK"
)

// handleIncomingCall is the switch-facing rendezvous endpoint. It resolves
// the device for the dialed SIP user, hands the call to the coordinator and
// blocks until the verdict is in.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
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
	phonenumber := stringField(fields, "phonenumber")
	if !validPhonenumber(phonenumber) {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	callerID := stringField(fields, "caller_id")
	callID := stringField(fields, "call_id")
	if !validKey(callerID) || !validKey(callID) {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	uniqueKey := callID
	if uniqueKey == "" {
		uniqueKey = newCallID()
	}

	device, err := s.devices.GetDevice(ctx, sipUserID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		slog.Warn("incoming-call: no device registered, sending NAK",
			"unique_key", uniqueKey,
			"sip_user_id", sipUserID)
		s.sink.Emit(ctx, metrics.QueueIncomingFailed, map[string]string{
			metrics.LabelOS:           metrics.OSMiddleware,
			metrics.LabelAction:       metrics.ActionReceived,
			metrics.LabelFailedReason: "failed no sip_user_id",
		})
		writeText(w, statusNAK)
		return
	case err != nil:
		slog.Error("incoming-call: device lookup failed",
			"unique_key", uniqueKey,
			"sip_user_id", sipUserID,
			"error", err)
		writeText(w, statusNAK)
		return
	}

	slog.Info("incoming-call: call received",
		"unique_key", uniqueKey,
		"sip_user_id", sipUserID,
		"call_from", phonenumber,
		"caller_id", callerID,
		"platform", device.App.Platform)

	s.sink.Emit(ctx, metrics.QueueIncomingCall, map[string]string{
		metrics.LabelOS:     metrics.OSMiddleware,
		metrics.LabelAction: metrics.ActionReceived,
	})

	verdict := s.coordinator.WaitForPickup(ctx, &call.Call{
		UniqueKey:   uniqueKey,
		SIPUserID:   sipUserID,
		Phonenumber: phonenumber,
		CallerID:    callerID,
		Device:      device,
	})

	if verdict == call.VerdictAvailable {
		writeText(w, statusACK)
		return
	}
	writeText(w, statusNAK)
}

// handleCallResponse is the app-facing callback a woken device posts to.
// The placeholder the coordinator seeded is overwritten with the device's
// answer; the wait loop picks it up on its next poll.
func (s *Server) handleCallResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fields, err := parseBody(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	uniqueKey := stringField(fields, "unique_key")
	if uniqueKey == "" || !validKey(uniqueKey) {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	messageStartTime, ok := floatField(fields, "message_start_time")
	if !ok {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	available := boolField(fields, "available", true)

	key := rendezvous.CallKey(uniqueKey)

	// Unknown keys 404 so probing the endpoint reveals nothing.
	exists, err := s.rendezvous.Exists(ctx, key)
	if err != nil {
		slog.Error("call-response: rendezvous lookup failed", "unique_key", uniqueKey, "error", err)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}
	if !exists {
		writeStatus(w, http.StatusNotFound)
		return
	}

	// The seeded placeholder is the device platform; grab it for the
	// response log before it is overwritten.
	platform, _, err := s.rendezvous.Get(ctx, key)
	if err != nil {
		slog.Error("call-response: rendezvous read failed", "unique_key", uniqueKey, "error", err)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	value := rendezvous.ValueNotAvailable
	if available {
		value = rendezvous.ValueAvailable
	}
	if err := s.rendezvous.Put(ctx, key, value); err != nil {
		slog.Error("call-response: rendezvous write failed", "unique_key", uniqueKey, "error", err)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	roundtrip := float64(time.Now().UnixNano())/float64(time.Second) - messageStartTime

	slog.Info("call-response: device responded",
		"unique_key", uniqueKey,
		"roundtrip_sec", roundtrip,
		"available", available)

	go s.logResponse(platform, roundtrip, available)

	// A response that arrives after the wait budget has lapsed is useless;
	// the caller is long gone.
	if roundtrip > s.roundtripWait {
		writeStatus(w, http.StatusNotFound)
		return
	}
	writeStatus(w, http.StatusAccepted)
}

// logResponse writes a response log row off the request path.
func (s *Server) logResponse(platform string, roundtrip float64, available bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &models.ResponseLog{
		Platform:      platform,
		RoundtripTime: roundtrip,
		Available:     available,
		Date:          time.Now(),
	}
	if err := s.devices.InsertResponseLog(ctx, entry); err != nil {
		slog.Error("call-response: writing response log", "error", err)
	}
}

// handleHangupReason records why a device declined or missed a call. The
// reason is only logged; nothing about the call changes.
func (s *Server) handleHangupReason(w http.ResponseWriter, r *http.Request) {
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

	reason := stringField(fields, "reason")
	uniqueKey := stringField(fields, "unique_key")
	if reason == "" || !validKey(reason) || !validKey(uniqueKey) {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	device, err := s.devices.GetDevice(ctx, sipUserID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		slog.Warn("hangup-reason: no device registered",
			"unique_key", uniqueKey,
			"sip_user_id", sipUserID)
		writeStatus(w, http.StatusNotFound)
		return
	case err != nil:
		slog.Error("hangup-reason: device lookup failed",
			"unique_key", uniqueKey,
			"sip_user_id", sipUserID,
			"error", err)
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	slog.Info("hangup-reason: device not available",
		"unique_key", uniqueKey,
		"platform", device.App.Platform,
		"reason", reason)
	writeStatus(w, http.StatusOK)
}

// handleLogMetrics takes app-reported call quality data and routes it onto
// the matching metric queue by call outcome.
func (s *Server) handleLogMetrics(w http.ResponseWriter, r *http.Request) {
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

	switch stringField(fields, "call_setup_successful") {
	case "true":
		s.sink.Emit(ctx, metrics.QueueCallSuccess, metricsBaseData(fields))
	case "false":
		labels := metricsBaseData(fields)
		labels[metrics.LabelFailedReason] = stringField(fields, metrics.LabelFailedReason)
		s.sink.Emit(ctx, metrics.QueueCallFailure, labels)
	case "declined":
		labels := metricsBaseData(fields)
		labels[metrics.LabelHangupReason] = stringField(fields, metrics.LabelHangupReason)
		s.sink.Emit(ctx, metrics.QueueHangupReason, labels)
	}

	writeStatus(w, http.StatusOK)
}

// metricsBaseData extracts the label set shared by all app-reported call
// metrics.
func metricsBaseData(fields map[string]any) map[string]string {
	return map[string]string{
		metrics.LabelOS:             stringField(fields, metrics.LabelOS),
		metrics.LabelOSVersion:      stringField(fields, metrics.LabelOSVersion),
		metrics.LabelAppVersion:     stringField(fields, metrics.LabelAppVersion),
		metrics.LabelNetwork:        stringField(fields, metrics.LabelNetwork),
		metrics.LabelNetworkOp:      stringField(fields, metrics.LabelNetworkOp),
		metrics.LabelConnectionType: stringField(fields, metrics.LabelConnectionType),
		metrics.LabelDirection:      stringField(fields, metrics.LabelDirection),
	}
}
