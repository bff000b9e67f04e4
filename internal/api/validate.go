package api

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SIP user ids are nine-digit account numbers.
const (
	minSIPUserID = 100000000
	maxSIPUserID = 999999999
)

// maxKeyLen is the maximum length for unique keys, call ids, app ids and
// similar identifier fields.
const maxKeyLen = 255

// maxPhonenumberLen is the maximum length for raw phone number input.
const maxPhonenumberLen = 32

// maxTokenLen is the maximum length for a push token.
const maxTokenLen = 250

// phonenumberJunkRe matches the formatting characters callers put in phone
// numbers. After stripping them only digits may remain.
var phonenumberJunkRe = regexp.MustCompile(`[+()\- x]`)

// validSIPUserID parses and range-checks a sip_user_id field, returning it
// in canonical decimal form.
func validSIPUserID(fields map[string]any) (string, bool) {
	n, ok := intField(fields, "sip_user_id")
	if !ok || n < minSIPUserID || n > maxSIPUserID {
		return "", false
	}
	return strconv.FormatInt(n, 10), true
}

// validPhonenumber checks that a phone number is digits once the usual
// formatting junk is stripped. The raw value is returned unchanged.
func validPhonenumber(number string) bool {
	if number == "" || len(number) > maxPhonenumberLen {
		return false
	}
	stripped := phonenumberJunkRe.ReplaceAllString(number, "")
	if stripped == "" {
		return false
	}
	for _, c := range stripped {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// validToken checks a push token: required, bounded, no whitespace.
func validToken(token string) bool {
	if token == "" || len(token) > maxTokenLen {
		return false
	}
	return !strings.ContainsAny(token, " \t\r\n")
}

// validKey bounds an identifier field such as unique_key or app id.
func validKey(key string) bool {
	return len(key) <= maxKeyLen
}

// newCallID generates a 128-bit random call id rendered as 32 hex digits,
// used when the switch does not supply one.
func newCallID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
