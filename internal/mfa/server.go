// Package mfa runs the short-lived HTTP endpoint that feeds second-factor
// codes into the auth state machine. The server is started just before the
// session enters MFA_REQUIRED and stopped on transition out of it.
package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"icb-go/internal/icloud"
)

const banner = "icb MFA endpoint"

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Server listens for MFA submissions and resend requests and forwards them
// as events. Event delivery is serialized through a single channel so the
// auth state machine sees at most one event at a time.
type Server struct {
	port   int
	logger icloud.Logger

	events chan icloud.MFAEvent
	srv    *http.Server
}

// NewServer creates a Server on the given port (default 80 when zero).
func NewServer(port int, logger icloud.Logger) *Server {
	if port == 0 {
		port = 80
	}
	return &Server{
		port:   port,
		logger: logger,
		events: make(chan icloud.MFAEvent, 1),
	}
}

// Events returns the channel MFA events are delivered on.
func (s *Server) Events() <-chan icloud.MFAEvent { return s.events }

// Start binds the listener and serves in the background. Serving errors
// other than graceful shutdown are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return icloud.Fatal(icloud.KindAuth, "binding MFA endpoint", err).With("port", s.port)
	}

	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MFA endpoint failed", "cause", err)
		}
	}()
	s.logger.Info("MFA endpoint listening", "port", s.port)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Post("/mfa", s.handleCode)
	r.Post("/resend_mfa", s.handleResend)
	r.NotFound(s.handleUnknown)
	r.MethodNotAllowed(s.handleUnknown)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	reply(w, http.StatusOK, banner)
}

// handleCode accepts POST /mfa?code=DDDDDD. Codes must be exactly six
// decimal digits.
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if !codePattern.MatchString(code) {
		s.logger.Warn("malformed MFA code received", "code", code)
		reply(w, http.StatusBadRequest, "Unexpected MFA code format! Expecting 6 digits")
		return
	}
	s.deliver(icloud.MFAEvent{Method: icloud.MFAMethodDevice, Code: code})
	reply(w, http.StatusOK, fmt.Sprintf("Read MFA code: %s", code))
}

// handleResend accepts POST /resend_mfa?method={device|sms|voice} with an
// optional phoneNumberId. Unparsable phone IDs silently default to 1;
// membership of the trusted list is enforced downstream by the session.
func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	method := icloud.MFAMethod(r.URL.Query().Get("method"))
	if !icloud.ValidMFAMethod(method) {
		s.logger.Warn("unknown resend method", "method", string(method))
		reply(w, http.StatusBadRequest, "Method does not match expected format! Expecting device, sms or voice")
		return
	}

	phoneID := 1
	if raw := r.URL.Query().Get("phoneNumberId"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			phoneID = parsed
		}
	}

	s.deliver(icloud.MFAEvent{Resend: true, Method: method, PhoneID: phoneID})
	reply(w, http.StatusOK, fmt.Sprintf("Requesting MFA resend with method %s", method))
}

// handleUnknown answers everything outside the known routes: GETs get a
// method complaint, POSTs get the endpoint list.
func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("unexpected MFA endpoint request", "method", r.Method, "path", r.URL.Path)
	if r.Method == http.MethodPost {
		reply(w, http.StatusNotFound, "Route not found! Available endpoints: /mfa, /resend_mfa")
		return
	}
	reply(w, http.StatusBadRequest, "Method not supported!")
}

// deliver forwards an event, dropping it if the state machine has already
// moved on and nothing is draining the channel.
func (s *Server) deliver(ev icloud.MFAEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("MFA event dropped: no waiting session")
	}
}

func reply(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
