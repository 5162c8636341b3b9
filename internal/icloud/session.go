package icloud

import "context"

// AuthState is a state of the authentication machine.
type AuthState int

const (
	// StateUnauthenticated is the initial state: no valid session.
	StateUnauthenticated AuthState = iota
	// StateMFARequired means sign-in succeeded but a second factor is
	// outstanding.
	StateMFARequired
	// StateAuthenticated means the session and trust tokens are valid.
	StateAuthenticated
	// StateReady means the per-zone photo service endpoint is resolved and
	// requests can be issued.
	StateReady
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateMFARequired:
		return "MFA_REQUIRED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// MFAMethod selects the channel a second-factor code travels over.
type MFAMethod string

const (
	MFAMethodDevice MFAMethod = "device"
	MFAMethodSMS    MFAMethod = "sms"
	MFAMethodVoice  MFAMethod = "voice"
)

// ValidMFAMethod reports whether m is one of the known methods.
func ValidMFAMethod(m MFAMethod) bool {
	switch m {
	case MFAMethodDevice, MFAMethodSMS, MFAMethodVoice:
		return true
	}
	return false
}

// TrustedPhone is a phone number registered for SMS or voice verification.
type TrustedPhone struct {
	ID     int
	Number string
}

// MFAEvent is an out-of-band event delivered into the auth state machine
// while it waits in MFA_REQUIRED.
type MFAEvent struct {
	// Resend requests a fresh code over Method instead of submitting one.
	Resend bool

	Method MFAMethod

	// Code is the six-digit code for submission events.
	Code string

	// PhoneID selects the trusted phone for sms/voice resends.
	PhoneID int
}

// Session drives authentication against the photo service and owns the
// header/cookie state used by the remote library client.
type Session interface {
	// Authenticate advances the state machine until READY, blocking on the
	// MFA handshake if required.
	Authenticate(ctx context.Context) error

	// Refresh rebuilds the session from stored credentials plus trust token
	// for mid-run recovery after expiry.
	Refresh(ctx context.Context) error

	// State returns the current machine state.
	State() AuthState

	// TrustToken returns the current trust token, empty if none has been
	// obtained yet.
	TrustToken() string
}
