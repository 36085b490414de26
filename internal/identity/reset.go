package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/models"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/crypto"
	"github.com/charlesng35/sentinel/pkg/mail"
)

const defaultResetTTL = time.Hour

// ErrResetTokenInvalid is returned for unknown, used or expired reset tokens.
var ErrResetTokenInvalid = apperrors.New("auth.reset_token_invalid", "Password reset link is invalid or has expired", 400)

// PasswordResets issues and redeems emailed password reset tokens.
type PasswordResets struct {
	db       *gorm.DB
	mailer   mail.Mailer
	from     string
	resetURL string
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// ResetConfig configures PasswordResets.
type ResetConfig struct {
	From     string
	ResetURL string
	TTL      time.Duration
	Clock    func() time.Time
}

// NewPasswordResets builds a PasswordResets. A nil mailer disables delivery; tokens are still issued.
func NewPasswordResets(db *gorm.DB, mailer mail.Mailer, cfg ResetConfig, log *zap.Logger) *PasswordResets {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultResetTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PasswordResets{
		db:       db,
		mailer:   mailer,
		from:     cfg.From,
		resetURL: cfg.ResetURL,
		ttl:      cfg.TTL,
		now:      cfg.Clock,
		log:      log,
	}
}

// Issue stores a reset token for identity and emails the link. It returns the raw token.
func (r *PasswordResets) Issue(ctx context.Context, identity *models.Identity) (string, error) {
	token, err := crypto.GenerateToken(32)
	if err != nil {
		return "", fmt.Errorf("password reset: generate token: %w", err)
	}

	record := &models.PasswordResetToken{
		IdentityID: identity.ID,
		TokenHash:  crypto.HashToken(token),
		ExpiresAt:  r.now().Add(r.ttl),
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", fmt.Errorf("password reset: store token: %w", err)
	}

	if r.mailer != nil {
		msg := mail.Message{
			From:    r.from,
			To:      []string{identity.Email},
			Subject: "Reset your password",
			Body:    fmt.Sprintf("Use the link below to choose a new password. It expires in %s.\n\n%s\n", r.ttl, r.link(token)),
		}
		if err := r.mailer.Send(ctx, msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
			r.log.Warn("password reset email failed", zap.String("identity_id", identity.ID), zap.Error(err))
		}
	}
	return token, nil
}

// Redeem marks token as used and returns the identity it belongs to.
func (r *PasswordResets) Redeem(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrResetTokenInvalid
	}

	var identityID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.PasswordResetToken
		if err := tx.Where("token_hash = ?", crypto.HashToken(token)).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrResetTokenInvalid
			}
			return err
		}
		now := r.now()
		if record.UsedAt != nil || !record.ExpiresAt.After(now) {
			return ErrResetTokenInvalid
		}
		result := tx.Model(&models.PasswordResetToken{}).
			Where("id = ? AND used_at IS NULL", record.ID).
			Update("used_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrResetTokenInvalid
		}
		identityID = record.IdentityID
		return nil
	})
	if err != nil {
		return "", err
	}
	return identityID, nil
}

// Cleanup removes expired or used tokens.
func (r *PasswordResets) Cleanup(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ? OR used_at IS NOT NULL", r.now()).
		Delete(&models.PasswordResetToken{})
	return result.RowsAffected, result.Error
}

func (r *PasswordResets) link(token string) string {
	if r.resetURL == "" {
		return token
	}
	u, err := url.Parse(r.resetURL)
	if err != nil {
		return r.resetURL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
