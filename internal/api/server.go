// Package api exposes the HTTP surface of the middleware: the incoming-call
// endpoint for the switch, the response and metrics endpoints for the apps,
// and the device registration endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/VoIPGRID/vialer-middleware/internal/call"
	"github.com/VoIPGRID/vialer-middleware/internal/database/models"
	"github.com/VoIPGRID/vialer-middleware/internal/metrics"
	"github.com/VoIPGRID/vialer-middleware/internal/push"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DeviceStore abstracts the device registry. Implemented by the SQLite and
// PostgreSQL backends.
type DeviceStore interface {
	GetDevice(ctx context.Context, sipUserID string) (*models.Device, error)
	GetApp(ctx context.Context, appID, platform string) (*models.App, error)
	UpsertDevice(ctx context.Context, dev *models.Device) (created bool, oldToken string, err error)
	DeleteDevice(ctx context.Context, sipUserID, token, appID, platform string) error
	InsertResponseLog(ctx context.Context, entry *models.ResponseLog) error
}

// RendezvousStore is the shared call state the response intake reads and
// writes.
type RendezvousStore interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Coordinator runs the wait-for-pickup loop for one incoming call.
type Coordinator interface {
	WaitForPickup(ctx context.Context, c *call.Call) call.Verdict
}

// Dispatcher sends pushes outside the call path, such as the notification to
// a replaced device token.
type Dispatcher interface {
	SendMessagePush(device *models.Device, text string)
}

// Authenticator verifies the Authorization header of a request against the
// upstream directory and checks that the caller owns the given SIP user id.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization, sipUserID string) error
}

// Server holds the HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	devices     DeviceStore
	rendezvous  RendezvousStore
	coordinator Coordinator
	dispatcher  Dispatcher
	auth        Authenticator
	sink        metrics.Sink
	limiter     *RateLimiter

	roundtripWait float64 // seconds, the W budget the intake late check uses
}

// NewServer creates the HTTP handler with all routes mounted. limiter may be
// nil to disable rate limiting on the response intake.
func NewServer(devices DeviceStore, rendezvous RendezvousStore, coordinator Coordinator,
	dispatcher Dispatcher, auth Authenticator, sink metrics.Sink,
	roundtripWaitSeconds float64, limiter *RateLimiter) *Server {

	s := &Server{
		router:        chi.NewRouter(),
		devices:       devices,
		rendezvous:    rendezvous,
		coordinator:   coordinator,
		dispatcher:    dispatcher,
		auth:          auth,
		sink:          sink,
		limiter:       limiter,
		roundtripWait: roundtripWaitSeconds,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the middleware stack and mounts all endpoints.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StripSlashes)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/incoming-call", s.handleIncomingCall)

		if s.limiter != nil {
			r.With(s.limiter.Middleware).Post("/call-response", s.handleCallResponse)
		} else {
			r.Post("/call-response", s.handleCallResponse)
		}

		r.Post("/hangup-reason", s.handleHangupReason)
		r.Post("/log-metrics", s.handleLogMetrics)

		for _, platform := range []string{models.PlatformAPNS, models.PlatformGCM, models.PlatformAndroid} {
			p := platform
			r.Post("/"+p+"-device", func(w http.ResponseWriter, r *http.Request) {
				s.handleRegisterDevice(w, r, p)
			})
			r.Delete("/"+p+"-device", func(w http.ResponseWriter, r *http.Request) {
				s.handleUnregisterDevice(w, r, p)
			})
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

var _ Dispatcher = (*push.Dispatcher)(nil)
