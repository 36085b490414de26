package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/charlesng35/sentinel/internal/cache"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
)

const (
	defaultChallengeTTL         = 5 * time.Minute
	defaultChallengeMaxAttempts = 5

	challengeKeyPrefix = "identity:mfa_challenge:"
)

// Challenge is an open second factor prompt created after a correct password.
type Challenge struct {
	ID         string          `json:"id"`
	IdentityID string          `json:"identity_id"`
	Meta       SessionMetadata `json:"meta"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// ChallengeStore keeps login challenges in the shared cache so any instance can complete them.
type ChallengeStore struct {
	cache       cache.Store
	ttl         time.Duration
	maxAttempts int64
	now         func() time.Time
}

// NewChallengeStore builds a ChallengeStore. Non-positive ttl or maxAttempts fall back to
// five minutes and five attempts.
func NewChallengeStore(store cache.Store, ttl time.Duration, maxAttempts int, now func() time.Time) *ChallengeStore {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultChallengeMaxAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &ChallengeStore{cache: store, ttl: ttl, maxAttempts: int64(maxAttempts), now: now}
}

// Open records a new challenge for identityID.
func (s *ChallengeStore) Open(ctx context.Context, identityID string, meta SessionMetadata) (*Challenge, error) {
	challenge := &Challenge{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Meta:       meta,
		ExpiresAt:  s.now().Add(s.ttl),
	}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return nil, fmt.Errorf("challenge: encode: %w", err)
	}
	if err := s.cache.Set(ctx, challengeKeyPrefix+challenge.ID, payload, s.ttl); err != nil {
		return nil, fmt.Errorf("challenge: store: %w", err)
	}
	return challenge, nil
}

// Attempt loads the challenge and counts one verification attempt against it. Once the
// attempt budget is spent the challenge is discarded.
func (s *ChallengeStore) Attempt(ctx context.Context, id string) (*Challenge, error) {
	challenge, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	count, _, err := s.cache.IncrementWithTTL(ctx, challengeKeyPrefix+id+":attempts", s.ttl)
	if err != nil {
		return nil, fmt.Errorf("challenge: count attempt: %w", err)
	}
	if count > s.maxAttempts {
		s.Close(ctx, id)
		return nil, apperrors.ErrTwoFactorNotPending
	}
	return challenge, nil
}

// Close discards the challenge.
func (s *ChallengeStore) Close(ctx context.Context, id string) {
	_ = s.cache.Delete(ctx, challengeKeyPrefix+id, challengeKeyPrefix+id+":attempts")
}

func (s *ChallengeStore) load(ctx context.Context, id string) (*Challenge, error) {
	if id == "" {
		return nil, apperrors.ErrTwoFactorNotPending
	}
	data, ok, err := s.cache.Get(ctx, challengeKeyPrefix+id)
	if err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	if !ok {
		return nil, apperrors.ErrTwoFactorNotPending
	}
	var challenge Challenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, fmt.Errorf("challenge: decode: %w", err)
	}
	if !challenge.ExpiresAt.After(s.now()) {
		s.Close(ctx, id)
		return nil, apperrors.ErrTwoFactorNotPending
	}
	return &challenge, nil
}
