// Package models contains the persistent data structures shared by the
// storage backends.
package models

import "time"

// Platform identifiers for the supported push transports.
const (
	PlatformAPNS    = "apns"
	PlatformGCM     = "gcm"
	PlatformAndroid = "android"
)

// KnownPlatform reports whether p is a platform the middleware can route
// pushes to.
func KnownPlatform(p string) bool {
	return p == PlatformAPNS || p == PlatformGCM || p == PlatformAndroid
}

// App is a mobile application the middleware can push to. The push key is a
// credential reference: an APNs certificate filename relative to the cert
// directory, or an FCM/GCM server API key.
type App struct {
	ID       int64
	AppID    string
	Platform string
	PushKey  string
}

// Device is a registered mobile device, keyed by the SIP user id it serves.
type Device struct {
	SIPUserID     string
	Token         string
	Name          string
	OSVersion     string
	ClientVersion string
	Sandbox       bool
	RemoteLogID   string
	LastSeen      time.Time
	App           App
}

// ResponseLog records one device answer to a call push: which platform served
// it, how long the push round trip took and whether the device reported
// itself available.
type ResponseLog struct {
	ID            int64
	Platform      string
	RoundtripTime float64
	Available     bool
	Date          time.Time
}
