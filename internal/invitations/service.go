package invitations

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/crypto"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/mail"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

const (
	defaultExpiry = 7 * 24 * time.Hour
	codeBytes     = 18
)

// Auditor records audit events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Details is what a holder of a valid code may learn about the invitation.
type Details struct {
	InvitationID     string           `json:"invitation_id"`
	OrganizationID   string           `json:"organization_id"`
	OrganizationName string           `json:"organization_name"`
	InvitedEmail     string           `json:"invited_email"`
	Role             permissions.Role `json:"role"`
	ExpiresAt        time.Time        `json:"expires_at"`
}

// CreateInput describes a new invitation.
type CreateInput struct {
	OrganizationID string
	Email          string
	Role           permissions.Role
	InvitedBy      string
}

// Created pairs the stored invitation with its one-time code. The code is never stored.
type Created struct {
	Invitation *models.Invitation
	Code       string
	Link       string
}

// Service owns the invitation lifecycle on the server.
type Service struct {
	db      *gorm.DB
	auditor Auditor
	mailer  mail.Mailer
	from    string
	joinURL string
	expiry  time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithAuditor records invitation events.
func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithMailer emails invitation links from the given sender.
func WithMailer(m mail.Mailer, from string) Option {
	return func(s *Service) {
		s.mailer = m
		s.from = from
	}
}

// WithJoinURL sets the page the invitation link points at.
func WithJoinURL(u string) Option {
	return func(s *Service) { s.joinURL = strings.TrimSpace(u) }
}

// WithExpiry sets how long new invitations stay valid.
func WithExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithClock injects a custom clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService builds an invitation Service.
func NewService(db *gorm.DB, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("invitations: db is required")
	}
	svc := &Service{
		db:     db,
		expiry: defaultExpiry,
		now:    time.Now,
		log:    logger.WithModule("invitations"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Create issues an invitation and emails its link when a mailer is configured.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Created, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if !input.Role.Valid() {
		return nil, apperrors.NewBadRequest("invalid role")
	}

	var org models.Organization
	if err := s.db.WithContext(ctx).Take(&org, "id = ?", input.OrganizationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}

	code, err := crypto.GenerateToken(codeBytes)
	if err != nil {
		return nil, fmt.Errorf("invitations: generate code: %w", err)
	}

	invitation := &models.Invitation{
		CodeHash:       crypto.HashToken(code),
		OrganizationID: org.ID,
		InvitedEmail:   email,
		Role:           string(input.Role),
		Status:         models.InvitationPending,
		ExpiresAt:      s.now().Add(s.expiry),
	}
	if input.InvitedBy != "" {
		invitedBy := input.InvitedBy
		invitation.InvitedBy = &invitedBy
	}
	if err := s.db.WithContext(ctx).Create(invitation).Error; err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}

	created := &Created{Invitation: invitation, Code: code, Link: s.link(code)}
	s.sendInvite(ctx, &org, created)

	if s.auditor != nil {
		s.auditor.Emit(ctx, audit.Event{
			Action:         audit.ActionInvitationCreated,
			UserID:         input.InvitedBy,
			OrganizationID: org.ID,
			ResourceType:   "invitation",
			ResourceID:     invitation.ID,
			Details:        map[string]any{"invited_email": email, "role": invitation.Role},
		})
	}
	return created, nil
}

// Get resolves a code to its invitation, failing when it is unknown, used or expired.
func (s *Service) Get(ctx context.Context, code string) (*Details, error) {
	invitation, err := s.find(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if err := s.checkUsable(invitation); err != nil {
		return nil, err
	}
	return toDetails(invitation), nil
}

// CheckCode is Get restricted to the invited email address when the caller is signed in.
// A blank callerEmail means an anonymous caller, who may see the details; Accept still
// requires the matching address.
func (s *Service) CheckCode(ctx context.Context, code, callerEmail string) (*Details, error) {
	details, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(callerEmail) != "" && !sameEmail(details.InvitedEmail, callerEmail) {
		return nil, apperrors.ErrInvitationEmailMismatch
	}
	return details, nil
}

// Accept redeems code for identityID inside one transaction. Of several concurrent
// acceptances of the same code exactly one succeeds; the others observe
// ErrInvitationAlreadyUsed and change nothing.
func (s *Service) Accept(ctx context.Context, code, identityID, callerEmail string) (*Details, error) {
	var details *Details
	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invitation, err := s.find(ctx, tx, code)
		if err != nil {
			return err
		}
		if err := s.checkUsable(invitation); err != nil {
			return err
		}
		if !sameEmail(invitation.InvitedEmail, callerEmail) {
			return apperrors.ErrInvitationEmailMismatch
		}

		result := tx.Model(&models.Invitation{}).
			Where("id = ? AND status = ?", invitation.ID, models.InvitationPending).
			Updates(map[string]any{
				"status":      models.InvitationAccepted,
				"accepted_by": identityID,
				"accepted_at": now,
			})
		if result.Error != nil {
			return apperrors.ErrBackendUnavailable.WithInternal(result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrInvitationAlreadyUsed
		}

		result = tx.Model(&models.Profile{}).
			Where("identity_id = ?", identityID).
			Updates(map[string]any{
				"organization_id": invitation.OrganizationID,
				"role":            invitation.Role,
			})
		if result.Error != nil {
			return apperrors.ErrBackendUnavailable.WithInternal(result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrProfileUnavailable
		}

		details = toDetails(invitation)
		return nil
	})
	if err != nil {
		metrics.InvitationAccepts.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	metrics.InvitationAccepts.WithLabelValues("accepted").Inc()

	if s.auditor != nil {
		s.auditor.Emit(ctx, audit.Event{
			Action:         audit.ActionInvitationAccepted,
			UserID:         identityID,
			OrganizationID: details.OrganizationID,
			ResourceType:   "invitation",
			ResourceID:     details.InvitationID,
			Details:        map[string]any{"role": string(details.Role)},
		})
	}
	return details, nil
}

// Expire moves pending invitations past their expiry to expired.
func (s *Service) Expire(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("status = ? AND expires_at < ?", models.InvitationPending, s.now()).
		Update("status", models.InvitationExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("invitations: expire: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns the invitations of an organization, newest first.
func (s *Service) List(ctx context.Context, organizationID string) ([]models.Invitation, error) {
	var out []models.Invitation
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (s *Service) find(ctx context.Context, db *gorm.DB, code string) (*models.Invitation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperrors.ErrInvitationInvalid
	}
	var invitation models.Invitation
	err := db.WithContext(ctx).
		Preload("Organization").
		Where("code_hash = ?", crypto.HashToken(code)).
		Take(&invitation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrInvitationInvalid
		}
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	return &invitation, nil
}

func (s *Service) checkUsable(invitation *models.Invitation) error {
	switch invitation.Status {
	case models.InvitationAccepted:
		return apperrors.ErrInvitationAlreadyUsed
	case models.InvitationExpired:
		return apperrors.ErrInvitationExpired
	}
	if !invitation.ExpiresAt.After(s.now()) {
		return apperrors.ErrInvitationExpired
	}
	return nil
}

func (s *Service) sendInvite(ctx context.Context, org *models.Organization, created *Created) {
	if s.mailer == nil || created.Invitation.InvitedEmail == "" {
		return
	}
	msg := mail.Message{
		From:    s.from,
		To:      []string{created.Invitation.InvitedEmail},
		Subject: fmt.Sprintf("You have been invited to %s", org.Name),
		Body: fmt.Sprintf("You have been invited to join %s as %s.\n\nInvitation code: %s\n%s\n\nThe invitation expires on %s.\n",
			org.Name, created.Invitation.Role, created.Code, created.Link,
			created.Invitation.ExpiresAt.UTC().Format(time.RFC1123)),
	}
	if err := s.mailer.Send(ctx, msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		s.log.Warn("invitation email failed", zap.String("invitation_id", created.Invitation.ID), zap.Error(err))
	}
}

func (s *Service) link(code string) string {
	if s.joinURL == "" {
		return ""
	}
	u, err := url.Parse(s.joinURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}

func toDetails(invitation *models.Invitation) *Details {
	details := &Details{
		InvitationID:   invitation.ID,
		OrganizationID: invitation.OrganizationID,
		InvitedEmail:   invitation.InvitedEmail,
		Role:           permissions.Role(invitation.Role),
		ExpiresAt:      invitation.ExpiresAt,
	}
	if invitation.Organization != nil {
		details.OrganizationName = invitation.Organization.Name
	}
	return details
}

// sameEmail reports whether caller may use an invitation issued to invited. Invitations
// without an address are open to anyone holding the code.
func sameEmail(invited, caller string) bool {
	invited = strings.TrimSpace(invited)
	return invited == "" || strings.EqualFold(invited, strings.TrimSpace(caller))
}

func resultLabel(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "error"
}
