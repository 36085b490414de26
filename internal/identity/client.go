package identity

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/auth"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
)

// Client is the per-login view of the identity Service. It holds the current session,
// reports its own transitions to subscribers, and forwards server side revocations that
// concern that session.
type Client struct {
	svc  *Service
	meta SessionMetadata
	hub  *Hub

	mu      sync.Mutex
	current *auth.Session

	unsubscribe func()
	done        chan struct{}
}

var _ auth.IdentityBackend = (*Client)(nil)

// NewClient attaches a client to svc. meta is recorded on every session it creates.
func NewClient(svc *Service, meta SessionMetadata) *Client {
	events, unsubscribe := svc.Subscribe()
	c := &Client{
		svc:         svc,
		meta:        meta,
		hub:         NewHub(0, svc.log),
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}
	go c.forward(events)
	return c
}

// Close detaches the client from the service and closes its subscriptions.
func (c *Client) Close() {
	c.unsubscribe()
	<-c.done
	c.hub.Close()
}

func (c *Client) forward(events <-chan auth.SessionChanged) {
	defer close(c.done)
	for ev := range events {
		c.mu.Lock()
		cur := c.current
		match := cur != nil && (ev.SessionID == cur.ID || (ev.SessionID == "" && ev.IdentityID == cur.Identity.ID))
		if match && (ev.Event == auth.EventSignedOut || ev.Event == auth.EventSessionExpired) {
			c.current = nil
		}
		c.mu.Unlock()

		if match {
			if ev.IdentityID == "" {
				ev.IdentityID = cur.Identity.ID
			}
			c.hub.Publish(ev)
		}
	}
}

// SignInWithPassword authenticates and keeps the resulting session, which is provisional
// until any second factor has been completed.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	issued, identity, err := c.svc.SignIn(ctx, AuthenticateInput{
		Email:     email,
		Password:  password,
		IPAddress: c.meta.IPAddress,
		UserAgent: c.meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	session := toAuthSession(issued, identity)
	c.adopt(ctx, auth.EventSignedIn, session)
	return copySession(session), nil
}

// SignUp registers a new identity. The caller still has to sign in.
func (c *Client) SignUp(ctx context.Context, input auth.SignUpInput) (*auth.Identity, error) {
	identity, err := c.svc.Register(ctx, RegisterInput{
		Email:    input.Email,
		Password: input.Password,
		FullName: input.FullName,
	})
	if err != nil {
		return nil, err
	}
	return &auth.Identity{ID: identity.ID, Email: identity.Email, FullName: identity.FullName}, nil
}

// SignOut drops the local session before revoking it on the server.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.mu.Unlock()

	if cur == nil {
		return nil
	}
	err := c.svc.SignOut(ctx, cur.ID)
	c.hub.Publish(auth.SessionChanged{Event: auth.EventSignedOut, SessionID: cur.ID, IdentityID: cur.Identity.ID})
	return err
}

// ResetPasswordForEmail requests a reset link.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email string) error {
	return c.svc.RequestPasswordReset(ctx, email)
}

// UpdateUser changes attributes of the signed in identity.
func (c *Client) UpdateUser(ctx context.Context, attrs auth.UserAttributes) error {
	session, err := c.GetSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return apperrors.ErrSessionRequired
	}

	if attrs.Password != "" {
		if err := c.svc.UpdatePassword(ctx, session.Identity.ID, session.ID, attrs.Password); err != nil {
			return err
		}
	}
	if attrs.FullName != "" {
		if err := c.svc.UpdateFullName(ctx, session.Identity.ID, attrs.FullName); err != nil {
			return err
		}
		c.mu.Lock()
		if c.current != nil && c.current.ID == session.ID {
			c.current.Identity.FullName = attrs.FullName
		}
		c.mu.Unlock()
	}
	if attrs.Password != "" && attrs.FullName == "" {
		c.hub.Publish(auth.SessionChanged{
			Event:      auth.EventUserUpdated,
			SessionID:  session.ID,
			IdentityID: session.Identity.ID,
			Session:    session,
		})
	}
	return nil
}

// GetSession validates the current session against the server, refreshing an expired access
// token once. It returns nil when there is no usable session.
func (c *Client) GetSession(ctx context.Context) (*auth.Session, error) {
	c.mu.Lock()
	cur := copySession(c.current)
	c.mu.Unlock()
	if cur == nil {
		return nil, nil
	}

	_, err := c.svc.Authorize(ctx, cur.AccessToken)
	if err == nil {
		return cur, nil
	}

	issued, identity, refreshErr := c.svc.Refresh(ctx, cur.RefreshToken)
	if refreshErr != nil {
		c.mu.Lock()
		if c.current != nil && c.current.ID == cur.ID {
			c.current = nil
		}
		c.mu.Unlock()
		if errors.Is(refreshErr, apperrors.ErrSessionRequired) {
			return nil, nil
		}
		return nil, refreshErr
	}

	session := toAuthSession(issued, identity)
	c.adopt(ctx, auth.EventTokenRefreshed, session)
	return copySession(session), nil
}

// Subscribe listens for changes of this client's session.
func (c *Client) Subscribe() (<-chan auth.SessionChanged, func()) {
	return c.hub.Subscribe()
}

// BeginTwoFactor trades the provisional session for a challenge id.
func (c *Client) BeginTwoFactor(ctx context.Context) (string, error) {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.mu.Unlock()

	if cur == nil {
		return "", apperrors.ErrTwoFactorNotPending
	}
	challenge, err := c.svc.BeginTwoFactor(ctx, cur.ID)
	if err != nil {
		return "", err
	}
	return challenge.ID, nil
}

// CompleteTwoFactor verifies code and adopts the resulting verified session.
func (c *Client) CompleteTwoFactor(ctx context.Context, challengeID, code string) (*auth.Session, bool, error) {
	issued, identity, usedBackup, err := c.svc.CompleteTwoFactor(ctx, challengeID, code)
	if err != nil {
		return nil, false, err
	}
	session := toAuthSession(issued, identity)
	c.adopt(ctx, auth.EventSignedIn, session)
	return copySession(session), usedBackup, nil
}

// Reauthenticate confirms the password of the current identity.
func (c *Client) Reauthenticate(ctx context.Context, password string) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return apperrors.ErrSessionRequired
	}
	return c.svc.Reauthenticate(ctx, cur.Identity.ID, password)
}

// adopt makes session current. A different session replaced by a new sign in is revoked.
func (c *Client) adopt(ctx context.Context, event auth.SessionEvent, session *auth.Session) {
	c.mu.Lock()
	prev := c.current
	c.current = session
	c.mu.Unlock()

	if event == auth.EventSignedIn && prev != nil && prev.ID != session.ID {
		if err := c.svc.SignOut(ctx, prev.ID); err != nil {
			c.svc.log.Warn("revoke replaced session", zap.String("session_id", prev.ID), zap.Error(err))
		}
	}

	c.hub.Publish(auth.SessionChanged{
		Event:      event,
		SessionID:  session.ID,
		IdentityID: session.Identity.ID,
		Session:    copySession(session),
	})
}

func copySession(s *auth.Session) *auth.Session {
	if s == nil {
		return nil
	}
	cpy := *s
	return &cpy
}
