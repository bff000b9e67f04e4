package push

import (
	"testing"
	"time"
)

func TestNewCallPayload(t *testing.T) {
	before := float64(time.Now().UnixNano()) / float64(time.Second)
	p := NewCallPayload("https://mw.example.com/api/call-response", CallData{
		UniqueKey:   "abc123",
		Phonenumber: "+31612345678",
		CallerID:    "Alice",
		Attempt:     2,
	})
	after := float64(time.Now().UnixNano()) / float64(time.Second)

	if p.Type != TypeCall {
		t.Errorf("expected type %q, got %q", TypeCall, p.Type)
	}
	if p.UniqueKey != "abc123" || p.Attempt != 2 {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.MessageStartTime < before || p.MessageStartTime > after {
		t.Errorf("start time %f outside [%f, %f]", p.MessageStartTime, before, after)
	}
}

func TestNewMessagePayload(t *testing.T) {
	p := NewMessagePayload("token replaced")
	if p.Type != TypeMessage || p.Message != "token replaced" {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.UniqueKey != "" || p.MessageStartTime != 0 {
		t.Errorf("message payload should not carry call fields: %+v", p)
	}
}

func TestDataMapCall(t *testing.T) {
	p := NewCallPayload("https://mw.example.com/api/call-response", CallData{
		UniqueKey:   "abc123",
		Phonenumber: "0612345678",
		CallerID:    "Bob",
		Attempt:     1,
	})
	m := p.DataMap()

	for _, key := range []string{"type", "unique_key", "phonenumber", "caller_id", "response_api", "message_start_time", "attempt"} {
		if _, ok := m[key]; !ok {
			t.Errorf("data map missing %q", key)
		}
	}
	if m["attempt"] != "1" {
		t.Errorf("expected attempt \"1\", got %q", m["attempt"])
	}
	if _, ok := m["message"]; ok {
		t.Error("call data map should not carry a message field")
	}
}

func TestDataMapMessage(t *testing.T) {
	m := NewMessagePayload("hello").DataMap()
	if m["type"] != TypeMessage || m["message"] != "hello" {
		t.Errorf("unexpected data map %v", m)
	}
	if _, ok := m["unique_key"]; ok {
		t.Error("message data map should not carry call fields")
	}
}

func TestResponseAPIURL(t *testing.T) {
	got, err := ResponseAPIURL("https://mw.example.com")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got != "https://mw.example.com/api/call-response" {
		t.Errorf("unexpected url %q", got)
	}

	got, err = ResponseAPIURL("https://mw.example.com/base/")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got != "https://mw.example.com/base/api/call-response" {
		t.Errorf("unexpected url %q", got)
	}
}
