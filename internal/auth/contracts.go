package auth

import (
	"context"
	"time"
)

// SessionEvent names a change reported by the identity backend.
type SessionEvent string

const (
	EventSignedIn        SessionEvent = "signed_in"
	EventSignedOut       SessionEvent = "signed_out"
	EventTokenRefreshed  SessionEvent = "token_refreshed"
	EventUserUpdated     SessionEvent = "user_updated"
	EventSessionExpired  SessionEvent = "session_expired"
	EventPasswordRecover SessionEvent = "password_recovery"
)

// Identity is the authentication principal. ID and Email never change.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// Session is a token bearing login handed out by the identity backend. A session with
// MFAVerified false is provisional whenever the owner has a second factor enabled.
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	MFAVerified  bool      `json:"mfa_verified"`
	Identity     Identity  `json:"identity"`
}

// SessionChanged is pushed by the backend whenever the session of a client changes.
// Session is nil for sign-out and expiry events.
type SessionChanged struct {
	Event      SessionEvent
	SessionID  string
	IdentityID string
	Session    *Session
}

// SignUpInput carries the attributes of a new identity.
type SignUpInput struct {
	Email    string
	Password string
	FullName string
}

// UserAttributes lists mutable identity attributes. Empty fields are left unchanged.
type UserAttributes struct {
	Password string
	FullName string
}

// IdentityBackend is the per-client view of the identity provider consumed by Store.
type IdentityBackend interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, input SignUpInput) (*Identity, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email string) error
	UpdateUser(ctx context.Context, attrs UserAttributes) error
	// GetSession returns the current usable session, or nil when there is none.
	GetSession(ctx context.Context) (*Session, error)
	Subscribe() (<-chan SessionChanged, func())
	// BeginTwoFactor revokes the current provisional session and opens a challenge.
	BeginTwoFactor(ctx context.Context) (string, error)
	// CompleteTwoFactor verifies code against the challenge and issues a verified session.
	CompleteTwoFactor(ctx context.Context, challengeID, code string) (*Session, bool, error)
	Reauthenticate(ctx context.Context, password string) error
}
