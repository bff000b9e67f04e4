// Package push delivers wake-up notifications to registered devices via
// APNs, FCM and legacy GCM. Dispatch is fire-and-forget: the call
// coordinator hands work to a bounded pool and never waits on a transport.
package push

import (
	"net/url"
	"strconv"
	"time"
)

// Notification types carried in the payload.
const (
	TypeCall    = "call"
	TypeMessage = "message"
)

// CallData identifies one push attempt for one call.
type CallData struct {
	UniqueKey   string
	Phonenumber string
	CallerID    string
	Attempt     int
}

// Payload is the record delivered to the device. For a call push the device
// uses ResponseAPI to post its answer back and MessageStartTime to compute
// the round trip.
type Payload struct {
	Type             string  `json:"type"`
	UniqueKey        string  `json:"unique_key,omitempty"`
	Phonenumber      string  `json:"phonenumber,omitempty"`
	CallerID         string  `json:"caller_id,omitempty"`
	ResponseAPI      string  `json:"response_api,omitempty"`
	MessageStartTime float64 `json:"message_start_time,omitempty"`
	Attempt          int     `json:"attempt,omitempty"`
	Message          string  `json:"message,omitempty"`
}

// NewCallPayload builds the payload for a call push. The start time is
// stamped at build time, just before the transport sends.
func NewCallPayload(responseAPI string, data CallData) Payload {
	return Payload{
		Type:             TypeCall,
		UniqueKey:        data.UniqueKey,
		Phonenumber:      data.Phonenumber,
		CallerID:         data.CallerID,
		ResponseAPI:      responseAPI,
		MessageStartTime: float64(time.Now().UnixNano()) / float64(time.Second),
		Attempt:          data.Attempt,
	}
}

// NewMessagePayload builds the payload for a plain text push.
func NewMessagePayload(text string) Payload {
	return Payload{Type: TypeMessage, Message: text}
}

// DataMap renders the payload as the string map required by FCM and GCM data
// messages. Zero-valued optional fields are omitted.
func (p Payload) DataMap() map[string]string {
	m := map[string]string{"type": p.Type}
	if p.Type == TypeMessage {
		m["message"] = p.Message
		return m
	}
	m["unique_key"] = p.UniqueKey
	m["phonenumber"] = p.Phonenumber
	m["caller_id"] = p.CallerID
	m["response_api"] = p.ResponseAPI
	m["message_start_time"] = strconv.FormatFloat(p.MessageStartTime, 'f', -1, 64)
	m["attempt"] = strconv.Itoa(p.Attempt)
	return m
}

// ResponseAPIURL joins the configured base API URL with the call-response
// endpoint path the device must post back to.
func ResponseAPIURL(baseURL string) (string, error) {
	return url.JoinPath(baseURL, "api", "call-response")
}
