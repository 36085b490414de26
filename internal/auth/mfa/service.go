package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/sentinel/internal/cache"
	"github.com/charlesng35/sentinel/internal/models"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/crypto"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

const (
	defaultIssuer          = "Sentinel"
	defaultBackupCodeCount = 10
	defaultQRCodeSize      = 256
	defaultEnrollmentTTL   = 10 * time.Minute

	enrollmentKeyPrefix = "mfa:enroll:"
)

var (
	// ErrNoPendingEnrollment is returned by Enable when Setup was not called or its enrollment expired.
	ErrNoPendingEnrollment = errors.New("mfa: no pending enrollment")
	// ErrNotEnabled is returned when an identity has no stored second factor.
	ErrNotEnabled = errors.New("mfa: two-factor authentication not enabled")
)

// PasswordVerifier confirms that password belongs to identityID. It must return
// apperrors.ErrInvalidCredentials on mismatch.
type PasswordVerifier func(ctx context.Context, identityID, password string) error

// Enrollment is the material handed to a user while they configure an authenticator app.
type Enrollment struct {
	Secret      string    `json:"secret"`
	URI         string    `json:"uri"`
	QRCode      []byte    `json:"qr_code"`
	BackupCodes []string  `json:"backup_codes"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Status summarises the second factor state of an identity.
type Status struct {
	Enabled              bool
	BackupCodesRemaining int
}

type pendingEnrollment struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backup_codes"`
}

// Service manages TOTP enrollment, verification and backup codes.
type Service struct {
	db            *gorm.DB
	cache         cache.Store
	encryptionKey []byte
	issuer        string
	backupCodes   int
	qrSize        int
	enrollmentTTL time.Duration
	hashCost      int
	verifier      PasswordVerifier
	now           func() time.Time
	log           *zap.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithIssuer sets the issuer displayed by authenticator apps.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if trimmed := strings.TrimSpace(issuer); trimmed != "" {
			s.issuer = trimmed
		}
	}
}

// WithBackupCodeCount configures how many backup codes are generated per enrollment.
func WithBackupCodeCount(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.backupCodes = n
		}
	}
}

// WithQRCodeSize sets the PNG edge length in pixels.
func WithQRCodeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.qrSize = size
		}
	}
}

// WithEnrollmentTTL bounds how long a pending enrollment may wait for confirmation.
func WithEnrollmentTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.enrollmentTTL = ttl
		}
	}
}

// WithHashCost overrides the bcrypt cost used for backup codes.
func WithHashCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.hashCost = cost
		}
	}
}

// WithPasswordVerifier replaces the default identity table password check used by Disable.
func WithPasswordVerifier(v PasswordVerifier) Option {
	return func(s *Service) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithClock injects a custom clock, primarily for tests.
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

// NewService constructs a Service. encryptionKey must be a valid AES key length.
func NewService(db *gorm.DB, store cache.Store, encryptionKey []byte, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("mfa: db is required")
	}
	if store == nil {
		return nil, errors.New("mfa: cache store is required")
	}
	switch len(encryptionKey) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("mfa: invalid encryption key length %d", len(encryptionKey))
	}

	svc := &Service{
		db:            db,
		cache:         store,
		encryptionKey: append([]byte(nil), encryptionKey...),
		issuer:        defaultIssuer,
		backupCodes:   defaultBackupCodeCount,
		qrSize:        defaultQRCodeSize,
		enrollmentTTL: defaultEnrollmentTTL,
		hashCost:      bcrypt.DefaultCost,
		now:           time.Now,
		log:           logger.WithModule("mfa"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.verifier == nil {
		svc.verifier = svc.verifyStoredPassword
	}
	return svc, nil
}

// Setup creates a fresh TOTP secret and backup codes for identityID. Nothing is persisted until
// Enable confirms a code; a repeated Setup replaces the pending enrollment.
func (s *Service) Setup(ctx context.Context, identityID, accountName string) (*Enrollment, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, errors.New("mfa: identity id is required")
	}
	if strings.TrimSpace(accountName) == "" {
		accountName = identityID
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate secret: %w", err)
	}

	codes, err := generateBackupCodes(s.backupCodes)
	if err != nil {
		return nil, err
	}

	qr, err := qrcode.Encode(key.String(), qrcode.Medium, s.qrSize)
	if err != nil {
		return nil, fmt.Errorf("mfa: generate qr code: %w", err)
	}

	payload, err := json.Marshal(pendingEnrollment{Secret: key.Secret(), BackupCodes: codes})
	if err != nil {
		return nil, fmt.Errorf("mfa: encode enrollment: %w", err)
	}
	sealed, err := crypto.Encrypt(payload, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("mfa: encrypt enrollment: %w", err)
	}
	if err := s.cache.Set(ctx, enrollmentKeyPrefix+identityID, []byte(sealed), s.enrollmentTTL); err != nil {
		return nil, fmt.Errorf("mfa: store enrollment: %w", err)
	}

	return &Enrollment{
		Secret:      key.Secret(),
		URI:         key.URL(),
		QRCode:      qr,
		BackupCodes: codes,
		ExpiresAt:   s.now().Add(s.enrollmentTTL),
	}, nil
}

// Enable confirms the pending enrollment with a TOTP code and persists it. It returns the
// backup codes that are now active.
func (s *Service) Enable(ctx context.Context, identityID, code string) ([]string, error) {
	pending, err := s.loadPending(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !s.validateTOTP(code, pending.Secret) {
		metrics.TwoFactorVerifications.WithLabelValues("totp", "failure").Inc()
		return nil, apperrors.ErrInvalidTwoFactorCode
	}

	encrypted, err := crypto.Encrypt([]byte(pending.Secret), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("mfa: encrypt secret: %w", err)
	}
	hashes, err := s.hashCodes(pending.BackupCodes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", identityID).Delete(&models.TwoFactorSecret{}).Error; err != nil {
			return err
		}
		record := &models.TwoFactorSecret{
			IdentityID:  identityID,
			Secret:      encrypted,
			BackupCodes: hashes,
			LastUsedAt:  &now,
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		result := tx.Model(&models.Profile{}).
			Where("identity_id = ?", identityID).
			Updates(map[string]any{
				"two_factor_enabled":     true,
				"backup_codes_remaining": len(pending.BackupCodes),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrProfileUnavailable
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrProfileUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("mfa: persist enrollment: %w", err)
	}

	if err := s.cache.Delete(ctx, enrollmentKeyPrefix+identityID); err != nil {
		s.log.Warn("failed to clear pending enrollment", zap.String("identity_id", identityID), zap.Error(err))
	}
	metrics.TwoFactorVerifications.WithLabelValues("totp", "success").Inc()

	return append([]string(nil), pending.BackupCodes...), nil
}

// VerifyAtLogin checks a TOTP code, falling back to backup codes. A matching backup code is
// consumed before the call returns; usedBackup reports which path succeeded.
func (s *Service) VerifyAtLogin(ctx context.Context, identityID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, apperrors.ErrInvalidTwoFactorCode
	}

	record, err := s.loadSecret(ctx, s.db, identityID)
	if err != nil {
		return false, err
	}
	secret, err := crypto.Decrypt(record.Secret, s.encryptionKey)
	if err != nil {
		return false, fmt.Errorf("mfa: decrypt secret: %w", err)
	}

	if s.validateTOTP(code, string(secret)) {
		now := s.now()
		if err := s.db.WithContext(ctx).Model(&models.TwoFactorSecret{}).
			Where("id = ?", record.ID).
			Update("last_used_at", now).Error; err != nil {
			s.log.Warn("failed to record totp usage", zap.String("identity_id", identityID), zap.Error(err))
		}
		metrics.TwoFactorVerifications.WithLabelValues("totp", "success").Inc()
		return false, nil
	}

	used, err := s.consumeBackupCode(ctx, identityID, code)
	if err != nil {
		return false, err
	}
	if !used {
		metrics.TwoFactorVerifications.WithLabelValues("any", "failure").Inc()
		return false, apperrors.ErrInvalidTwoFactorCode
	}
	metrics.TwoFactorVerifications.WithLabelValues("backup", "success").Inc()
	return true, nil
}

// Disable removes the second factor after confirming the password. A wrong password leaves
// everything untouched.
func (s *Service) Disable(ctx context.Context, identityID, password string) error {
	if err := s.verifier(ctx, identityID, password); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", identityID).Delete(&models.TwoFactorSecret{}).Error; err != nil {
			return fmt.Errorf("mfa: delete secret: %w", err)
		}
		if err := tx.Model(&models.Profile{}).
			Where("identity_id = ?", identityID).
			Updates(map[string]any{
				"two_factor_enabled":     false,
				"backup_codes_remaining": 0,
			}).Error; err != nil {
			return fmt.Errorf("mfa: clear profile flag: %w", err)
		}
		return nil
	})
}

// Status reports whether identityID has an active second factor.
func (s *Service) Status(ctx context.Context, identityID string) (Status, error) {
	record, err := s.loadSecret(ctx, s.db, identityID)
	if errors.Is(err, ErrNotEnabled) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	codes, err := decodeHashes(record.BackupCodes)
	if err != nil {
		return Status{}, err
	}
	return Status{Enabled: true, BackupCodesRemaining: len(codes)}, nil
}

// RemainingBackupCodes returns the number of unused backup codes.
func (s *Service) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	status, err := s.Status(ctx, identityID)
	return status.BackupCodesRemaining, err
}

func (s *Service) consumeBackupCode(ctx context.Context, identityID, code string) (bool, error) {
	normalized := normalizeBackupCode(code)
	used := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The row lock makes a concurrent login with the same code wait and then see the
		// list without it.
		record, err := s.loadSecret(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}), identityID)
		if err != nil {
			return err
		}
		hashes, err := decodeHashes(record.BackupCodes)
		if err != nil {
			return err
		}

		remaining := make([]string, 0, len(hashes))
		for _, hash := range hashes {
			if !used && crypto.VerifyPassword(hash, normalized) {
				used = true
				continue
			}
			remaining = append(remaining, hash)
		}
		if !used {
			return nil
		}

		encoded, err := json.Marshal(remaining)
		if err != nil {
			return err
		}
		now := s.now()
		result := tx.Model(&models.TwoFactorSecret{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"backup_codes": datatypes.JSON(encoded),
				"last_used_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Disabled in the meantime.
			used = false
			return nil
		}
		return tx.Model(&models.Profile{}).
			Where("identity_id = ?", identityID).
			Update("backup_codes_remaining", len(remaining)).Error
	})
	if err != nil {
		return false, fmt.Errorf("mfa: consume backup code: %w", err)
	}
	return used, nil
}

func (s *Service) loadPending(ctx context.Context, identityID string) (*pendingEnrollment, error) {
	raw, ok, err := s.cache.Get(ctx, enrollmentKeyPrefix+identityID)
	if err != nil {
		return nil, fmt.Errorf("mfa: load enrollment: %w", err)
	}
	if !ok {
		return nil, ErrNoPendingEnrollment
	}
	plain, err := crypto.Decrypt(string(raw), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("mfa: decrypt enrollment: %w", err)
	}
	var pending pendingEnrollment
	if err := json.Unmarshal(plain, &pending); err != nil {
		return nil, fmt.Errorf("mfa: decode enrollment: %w", err)
	}
	return &pending, nil
}

func (s *Service) loadSecret(ctx context.Context, db *gorm.DB, identityID string) (*models.TwoFactorSecret, error) {
	var record models.TwoFactorSecret
	err := db.WithContext(ctx).Where("identity_id = ?", identityID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotEnabled
		}
		return nil, fmt.Errorf("mfa: load secret: %w", err)
	}
	return &record, nil
}

func (s *Service) verifyStoredPassword(ctx context.Context, identityID, password string) error {
	var identity models.Identity
	if err := s.db.WithContext(ctx).Select("id", "password_hash").
		First(&identity, "id = ?", identityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrInvalidCredentials
		}
		return apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	if !crypto.VerifyPassword(identity.PasswordHash, password) {
		return apperrors.ErrInvalidCredentials
	}
	return nil
}

func (s *Service) validateTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *Service) hashCodes(codes []string) (datatypes.JSON, error) {
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hash, err := crypto.HashPasswordCost(normalizeBackupCode(code), s.hashCost)
		if err != nil {
			return nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		hashes = append(hashes, hash)
	}
	encoded, err := json.Marshal(hashes)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func decodeHashes(raw datatypes.JSON) ([]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var hashes []string
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return nil, fmt.Errorf("mfa: decode backup codes: %w", err)
	}
	return hashes, nil
}

func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	buf := make([]byte, 5)
	for len(codes) < n {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		code := base32.StdEncoding.EncodeToString(buf)[:8]
		codes = append(codes, code[:4]+"-"+code[4:])
	}
	return codes, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}
