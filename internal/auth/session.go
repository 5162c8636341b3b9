// Package auth implements the authentication state machine against the
// photo service: sign-in, the out-of-band MFA handshake, trust-token
// exchange and per-zone endpoint discovery.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"icb-go/internal/icloud"
)

// MFAListener is the out-of-band channel MFA events arrive on. It is started
// just before the session enters MFA_REQUIRED and stopped on transition out.
type MFAListener interface {
	Start() error
	Stop(ctx context.Context) error
	Events() <-chan icloud.MFAEvent
}

// Endpoints holds the service base URLs, overridable in tests.
type Endpoints struct {
	AuthBase  string
	SetupBase string
}

// DefaultEndpoints returns the production service URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		AuthBase:  "https://idmsa.apple.com/appleauth/auth",
		SetupBase: "https://setup.icloud.com/setup/ws/1",
	}
}

// oauthClientID is the public first-party web client identifier expected by
// the sign-in endpoint.
const oauthClientID = "d39ba9916b7251055b22c7f910e2ea796ee65e98b2ddecea8f5dde8d9d1a815d"

// DefaultMFATimeout bounds the wait for an out-of-band code.
const DefaultMFATimeout = 10 * time.Minute

// Options configures a Session.
type Options struct {
	Username string
	Password string

	// TrustToken seeds the session when the store is empty.
	TrustToken string

	Endpoints  Endpoints
	MFATimeout time.Duration
}

// Session implements icloud.Session. All state transitions happen on the
// goroutine calling Authenticate or Refresh; the MFA listener delivers
// events through a channel, so the machine is never mutated concurrently.
type Session struct {
	opts     Options
	client   *http.Client
	store    *Store
	listener MFAListener
	logger   icloud.Logger
	obs      icloud.AuthObserver

	oauthState string

	mu          sync.Mutex
	state       icloud.AuthState
	data        *SessionData
	phones      []icloud.TrustedPhone
	lastMethod  icloud.MFAMethod
	lastPhoneID int
	photosURL   string
}

var _ icloud.Session = (*Session)(nil)

// NewSession creates a session over the given store and MFA listener.
func NewSession(opts Options, store *Store, listener MFAListener, logger icloud.Logger, obs icloud.AuthObserver) (*Session, error) {
	if opts.Endpoints.AuthBase == "" {
		opts.Endpoints = DefaultEndpoints()
	}
	if opts.MFATimeout == 0 {
		opts.MFATimeout = DefaultMFATimeout
	}
	if obs == nil {
		obs = icloud.NopAuthObserver{}
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &Session{
		opts:       opts,
		oauthState: "auth-" + uuid.New().String(),
		client:     &http.Client{Jar: jar, Timeout: 60 * time.Second},
		store:      store,
		listener:   listener,
		logger:     logger,
		obs:        obs,
		state:      icloud.StateUnauthenticated,
		data:       &SessionData{},
	}, nil
}

// Client returns the HTTP client carrying the session cookies. The remote
// library client issues its requests through it.
func (s *Session) Client() *http.Client { return s.client }

// PhotosEndpoint returns the resolved per-zone photo service URL. Empty
// until the session is READY.
func (s *Session) PhotosEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.photosURL
}

// State returns the current machine state.
func (s *Session) State() icloud.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TrustToken returns the current trust token.
func (s *Session) TrustToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.TrustToken
}

func (s *Session) setState(to icloud.AuthState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.logger.Info("auth state changed", "from", from.String(), "to", to.String())
		s.obs.AuthStateChanged(from, to)
	}
}

// Authenticate advances the machine until READY. The trust-token path is
// tried first; a full sign-in with the MFA handshake is the fallback.
func (s *Session) Authenticate(ctx context.Context) error {
	if s.State() == icloud.StateReady {
		return nil
	}

	stored, err := s.store.Load()
	if err != nil {
		return icloud.Fatal(icloud.KindAuth, "loading session store", err)
	}
	if stored.TrustToken == "" && s.opts.TrustToken != "" {
		stored.TrustToken = s.opts.TrustToken
	}
	s.mu.Lock()
	s.data = stored
	s.mu.Unlock()

	if stored.SessionToken != "" {
		if err := s.setup(ctx); err == nil {
			return s.discover(ctx)
		} else if icloud.IsInterrupt(err) {
			return err
		}
		s.logger.Info("stored session rejected, signing in")
	}

	if err := s.signIn(ctx); err != nil {
		return err
	}
	if err := s.setup(ctx); err != nil {
		return err
	}
	return s.discover(ctx)
}

// Refresh rebuilds the session from stored credentials plus trust token for
// mid-run recovery.
func (s *Session) Refresh(ctx context.Context) error {
	s.setState(icloud.StateUnauthenticated)
	s.mu.Lock()
	s.data.SessionToken = ""
	s.mu.Unlock()
	return s.Authenticate(ctx)
}

// signIn posts the credentials. A 409 means a second factor is outstanding.
func (s *Session) signIn(ctx context.Context) error {
	body := map[string]any{
		"accountName": s.opts.Username,
		"password":    s.opts.Password,
		"rememberMe":  true,
	}
	if tt := s.TrustToken(); tt != "" {
		body["trustTokens"] = []string{tt}
	} else {
		body["trustTokens"] = []string{}
	}

	resp, raw, err := s.authRequest(ctx, http.MethodPost, s.opts.Endpoints.AuthBase+"/signin", body)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return s.captureTokens(resp)
	case http.StatusConflict:
		if err := s.captureTokens(resp); err != nil {
			return err
		}
		s.capturePhones(raw)
		return s.awaitMFA(ctx)
	case http.StatusUnauthorized, http.StatusForbidden:
		return icloud.Fatal(icloud.KindAuth, "invalid credentials", nil).With("status", resp.StatusCode)
	default:
		return classifyStatus(resp.StatusCode, "sign-in failed")
	}
}

// awaitMFA runs the MFA_REQUIRED state: the endpoint is started, events are
// consumed serially, and the state is left on the first accepted code.
func (s *Session) awaitMFA(ctx context.Context) error {
	s.setState(icloud.StateMFARequired)
	if err := s.listener.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.listener.Stop(stopCtx)
	}()

	s.mu.Lock()
	phones := append([]icloud.TrustedPhone(nil), s.phones...)
	s.lastMethod = icloud.MFAMethodDevice
	s.lastPhoneID = 0
	s.mu.Unlock()
	s.obs.MFAPrompt(phones)

	timer := time.NewTimer(s.opts.MFATimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return icloud.Interrupt(ctx.Err())
		case <-timer.C:
			return icloud.Fatal(icloud.KindAuth, "timed out waiting for MFA code", nil).
				With("timeout", s.opts.MFATimeout.String())
		case ev := <-s.listener.Events():
			if ev.Resend {
				if err := s.resend(ctx, ev); err != nil {
					if !isWarn(err) {
						return err
					}
					s.logger.Warn("MFA resend failed", "cause", err)
				}
				continue
			}
			if err := s.submitCode(ctx, ev.Code); err != nil {
				if !isWarn(err) {
					return err
				}
				s.logger.Warn("MFA code rejected", "cause", err)
				continue
			}
			return s.trust(ctx)
		}
	}
}

// resend requests a fresh code. Phone resends enforce membership of the
// trusted list before dispatch.
func (s *Session) resend(ctx context.Context, ev icloud.MFAEvent) error {
	if ev.Method == icloud.MFAMethodDevice {
		resp, _, err := s.authRequest(ctx, http.MethodPut,
			s.opts.Endpoints.AuthBase+"/verify/trusteddevice/securitycode", nil)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			return icloud.Warn(icloud.KindAuth, "device code resend rejected", nil).With("status", resp.StatusCode)
		}
		s.mu.Lock()
		s.lastMethod = icloud.MFAMethodDevice
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	phones := append([]icloud.TrustedPhone(nil), s.phones...)
	s.mu.Unlock()
	if !phoneExists(phones, ev.PhoneID) {
		return icloud.Warn(icloud.KindAuth, PhoneWarning(phones), nil).With("id", ev.PhoneID)
	}

	body := map[string]any{
		"phoneNumber": map[string]any{"id": ev.PhoneID},
		"mode":        string(ev.Method),
	}
	resp, raw, err := s.authRequest(ctx, http.MethodPut, s.opts.Endpoints.AuthBase+"/verify/phone", body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode < 300:
		s.mu.Lock()
		s.lastMethod = ev.Method
		s.lastPhoneID = ev.PhoneID
		s.mu.Unlock()
		return nil
	case resp.StatusCode == http.StatusPreconditionFailed:
		// The service disagrees about the trusted list; surface its version.
		s.capturePhones(raw)
		s.mu.Lock()
		phones = append([]icloud.TrustedPhone(nil), s.phones...)
		s.mu.Unlock()
		return icloud.Warn(icloud.KindAuth, PhoneWarning(phones), nil).With("id", ev.PhoneID)
	case resp.StatusCode == http.StatusForbidden:
		return icloud.Fatal(icloud.KindAuth, "phone verification timeout", nil).With("status", resp.StatusCode)
	default:
		return icloud.Warn(icloud.KindAuth, "phone code resend rejected", nil).With("status", resp.StatusCode)
	}
}

// submitCode posts the six-digit code to the endpoint selected by the last
// resend method. Success is 204 for the device channel and 200 for phones.
func (s *Session) submitCode(ctx context.Context, code string) error {
	s.mu.Lock()
	method := s.lastMethod
	phoneID := s.lastPhoneID
	s.mu.Unlock()

	var url string
	var want int
	body := map[string]any{"securityCode": map[string]any{"code": code}}
	if method == icloud.MFAMethodDevice {
		url = s.opts.Endpoints.AuthBase + "/verify/trusteddevice/securitycode"
		want = http.StatusNoContent
	} else {
		url = s.opts.Endpoints.AuthBase + "/verify/phone/securitycode"
		want = http.StatusOK
		body["phoneNumber"] = map[string]any{"id": phoneID}
		body["mode"] = string(method)
	}

	resp, _, err := s.authRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		if resp.StatusCode >= 500 {
			return classifyStatus(resp.StatusCode, "code verification failed")
		}
		return icloud.Warn(icloud.KindAuth, "security code rejected", nil).With("status", resp.StatusCode)
	}
	return nil
}

// trust exchanges the verified session for a trust token and persists it.
func (s *Session) trust(ctx context.Context) error {
	resp, _, err := s.authRequest(ctx, http.MethodGet, s.opts.Endpoints.AuthBase+"/2sv/trust", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, "trust token request failed")
	}

	s.mu.Lock()
	if v := resp.Header.Get("X-Apple-TwoSV-Trust-Token"); v != "" {
		s.data.TrustToken = v
	}
	if v := resp.Header.Get("X-Apple-Session-Token"); v != "" {
		s.data.SessionToken = v
	}
	data := *s.data
	s.mu.Unlock()

	if err := s.store.Save(&data); err != nil {
		return icloud.Fatal(icloud.KindAuth, "persisting trust token", err)
	}
	s.obs.TrustTokenSaved()
	return nil
}

// setup exchanges the session token for the photo service cookies and the
// per-account service URLs.
func (s *Session) setup(ctx context.Context) error {
	s.mu.Lock()
	body := map[string]any{
		"dsWebAuthToken": s.data.SessionToken,
		"extended_login": true,
	}
	if s.data.TrustToken != "" {
		body["trustToken"] = s.data.TrustToken
	}
	s.mu.Unlock()

	resp, raw, err := s.authRequest(ctx, http.MethodPost, s.opts.Endpoints.SetupBase+"/accountLogin", body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return icloud.Recoverable(icloud.KindAuth, "session token expired", nil).With("status", resp.StatusCode)
		}
		return classifyStatus(resp.StatusCode, "account setup failed")
	}

	var parsed struct {
		Webservices map[string]struct {
			URL string `json:"url"`
		} `json:"webservices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return icloud.Fatal(icloud.KindAuth, "malformed account setup response", err)
	}
	ck, ok := parsed.Webservices["ckdatabasews"]
	if !ok || ck.URL == "" {
		return icloud.Fatal(icloud.KindAuth, "account setup response lacks photo service endpoint", nil)
	}

	s.mu.Lock()
	s.photosURL = strings.TrimSuffix(ck.URL, "/") + "/database/1/com.apple.photos.cloud/production/private"
	s.mu.Unlock()
	s.setState(icloud.StateAuthenticated)
	return nil
}

// discover resolves the record zones, confirming the endpoint is usable.
func (s *Session) discover(ctx context.Context) error {
	resp, raw, err := s.authRequest(ctx, http.MethodPost, s.PhotosEndpoint()+"/zones/list", map[string]any{})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, "zone discovery failed")
	}
	var parsed struct {
		Zones []struct {
			ZoneID struct {
				ZoneName string `json:"zoneName"`
			} `json:"zoneID"`
		} `json:"zones"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return icloud.Fatal(icloud.KindAuth, "malformed zone discovery response", err)
	}
	if len(parsed.Zones) == 0 {
		return icloud.Fatal(icloud.KindAuth, "no record zones available", nil)
	}
	s.setState(icloud.StateReady)
	return nil
}

// authRequest issues a JSON request with the session headers and returns the
// response plus its drained body. Transport failures are recoverable.
func (s *Session) authRequest(ctx context.Context, method, url string, body any) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, icloud.Fatal(icloud.KindAuth, "encoding request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, icloud.Fatal(icloud.KindAuth, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Apple-OAuth-Client-Id", oauthClientID)
	req.Header.Set("X-Apple-OAuth-Client-Type", "firstPartyAuth")
	req.Header.Set("X-Apple-OAuth-Response-Type", "code")
	req.Header.Set("X-Apple-OAuth-Response-Mode", "web_message")
	req.Header.Set("X-Apple-OAuth-State", s.oauthState)

	s.mu.Lock()
	if s.data.Scnt != "" {
		req.Header.Set("scnt", s.data.Scnt)
	}
	if s.data.SessionID != "" {
		req.Header.Set("X-Apple-ID-Session-Id", s.data.SessionID)
	}
	s.mu.Unlock()

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, icloud.Interrupt(ctx.Err())
		}
		return nil, nil, icloud.Recoverable(icloud.KindNetwork, "request failed", err).With("url", url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, icloud.Recoverable(icloud.KindNetwork, "reading response", err).With("url", url)
	}
	return resp, raw, nil
}

// captureTokens records the rolling session identifiers from the response
// headers.
func (s *Session) captureTokens(resp *http.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := resp.Header.Get("scnt"); v != "" {
		s.data.Scnt = v
	}
	if v := resp.Header.Get("X-Apple-ID-Session-Id"); v != "" {
		s.data.SessionID = v
	}
	if v := resp.Header.Get("X-Apple-Session-Token"); v != "" {
		s.data.SessionToken = v
	}
	return nil
}

// capturePhones extracts the trusted phone list from an auth response body.
func (s *Session) capturePhones(raw []byte) {
	var parsed struct {
		TrustedPhoneNumbers []struct {
			ID                 int    `json:"id"`
			NumberWithDialCode string `json:"numberWithDialCode"`
		} `json:"trustedPhoneNumbers"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return
	}
	phones := make([]icloud.TrustedPhone, 0, len(parsed.TrustedPhoneNumbers))
	for _, p := range parsed.TrustedPhoneNumbers {
		phones = append(phones, icloud.TrustedPhone{ID: p.ID, Number: p.NumberWithDialCode})
	}
	if len(phones) > 0 {
		s.mu.Lock()
		s.phones = phones
		s.mu.Unlock()
	}
}

// PhoneWarning formats the warning for a resend against an unknown phone
// number ID, listing the valid ones.
func PhoneWarning(phones []icloud.TrustedPhone) string {
	var b strings.Builder
	b.WriteString("Selected Phone Number ID does not exist.\nAvailable numbers:")
	for _, p := range phones {
		fmt.Fprintf(&b, "\n- %d: %s", p.ID, p.Number)
	}
	return b.String()
}

func phoneExists(phones []icloud.TrustedPhone, id int) bool {
	for _, p := range phones {
		if p.ID == id {
			return true
		}
	}
	return false
}

// classifyStatus maps an unexpected HTTP status to the error taxonomy:
// 5xx and 429 are recoverable, everything else is fatal.
func classifyStatus(status int, msg string) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return icloud.Recoverable(icloud.KindNetwork, msg, nil).With("status", status)
	}
	return icloud.Fatal(icloud.KindAuth, msg, nil).With("status", status)
}

func isWarn(err error) bool {
	var e *icloud.Error
	return errors.As(err, &e) && e.Severity == icloud.SeverityWarn
}
