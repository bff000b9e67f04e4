package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// maxBodySize caps request bodies on the open endpoints.
const maxBodySize = 1 << 20

// parseBody reads a request body submitted as either JSON or a form and
// returns it as a flat field map. JSON is what the apps send, forms are what
// the switch integrations send.
func parseBody(r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodySize)

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		fields := make(map[string]any)
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			return nil, fmt.Errorf("decoding json body: %w", err)
		}
		return fields, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form body: %w", err)
	}
	fields := make(map[string]any, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	return fields, nil
}

// stringField returns the named field as a string. Absent fields come back
// as the empty string.
func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// intField parses the named field as an integer, whether it arrived as a
// JSON number or a form string.
func intField(fields map[string]any, key string) (int64, bool) {
	switch v := fields[key].(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// floatField parses the named field as a float.
func floatField(fields map[string]any, key string) (float64, bool) {
	switch v := fields[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// boolField parses the named field as a boolean, falling back to def when
// the field is absent or unparseable.
func boolField(fields map[string]any, key string, def bool) bool {
	switch v := fields[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return b
	}
	return def
}

// writeStatus replies with a bare status code. The open endpoints never
// explain what was wrong with a request.
func writeStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

// writeText replies 200 with a plain text body, the format the switch
// expects for the ACK/NAK verdict.
func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
