package profile

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/retry"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

// ErrNotFound is returned by a Store when the requested row does not exist (yet).
var ErrNotFound = errors.New("profile: not found")

// Store reads profiles and organizations from the eventually consistent backing store.
type Store interface {
	FindProfileByIdentity(ctx context.Context, identityID string) (*models.Profile, error)
	FindOrganization(ctx context.Context, organizationID string) (*models.Organization, error)
}

// Resolver fetches the profile for an identity, tolerating the window between identity
// creation and profile provisioning.
type Resolver struct {
	store   Store
	retrier *retry.Retrier
	log     *zap.Logger
}

// Option customises a Resolver.
type Option func(*resolverOptions)

type resolverOptions struct {
	policy retry.Policy
	clock  retry.Clock
	log    *zap.Logger
}

// WithPolicy overrides the retry policy.
func WithPolicy(policy retry.Policy) Option {
	return func(o *resolverOptions) {
		o.policy = policy
	}
}

// WithClock injects the clock used between attempts.
func WithClock(clock retry.Clock) Option {
	return func(o *resolverOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *resolverOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// NewResolver constructs a Resolver using retry.DefaultPolicy unless overridden.
func NewResolver(store Store, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("profile resolver: store is required")
	}

	o := resolverOptions{
		policy: retry.DefaultPolicy(),
		clock:  retry.SystemClock,
		log:    logger.WithModule("profile"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Resolver{
		store: store,
		retrier: retry.New(o.policy,
			retry.WithClock(o.clock),
			retry.WithLogger(o.log),
			retry.WithRetryIf(isTransient),
		),
		log: o.log,
	}, nil
}

// Resolve returns the profile for identityID. Transient absence and per-attempt timeouts
// are retried under the policy. Any other failure, or exhausting the policy, yields a nil
// profile and a nil error so callers can present a setup-in-progress state. Cancellation of
// ctx stops further attempts and is reported as ctx.Err().
func (r *Resolver) Resolve(ctx context.Context, identityID string) (*models.Profile, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, nil
	}

	profile, err := retry.Do(ctx, r.retrier, "resolve profile", func(ctx context.Context, attempt int) (*models.Profile, error) {
		p, err := r.store.FindProfileByIdentity(ctx, identityID)
		switch {
		case err == nil && p != nil:
			metrics.ProfileResolveAttempts.WithLabelValues("found").Inc()
			return p, nil
		case err == nil, errors.Is(err, ErrNotFound):
			metrics.ProfileResolveAttempts.WithLabelValues("not_found").Inc()
			return nil, apperrors.ErrProfileNotFoundTransient
		case errors.Is(err, context.DeadlineExceeded):
			metrics.ProfileResolveAttempts.WithLabelValues("timeout").Inc()
			return nil, err
		default:
			metrics.ProfileResolveAttempts.WithLabelValues("error").Inc()
			return nil, err
		}
	})

	switch {
	case err == nil:
		metrics.ProfileResolutions.WithLabelValues("resolved").Inc()
		return profile, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		metrics.ProfileResolutions.WithLabelValues("cancelled").Inc()
		return nil, err
	case errors.Is(err, retry.ErrExhausted):
		metrics.ProfileResolutions.WithLabelValues("unavailable").Inc()
		r.log.Warn("profile unavailable after retries",
			zap.String("identity_id", identityID),
			zap.Int("attempts", r.retrier.Policy().MaxAttempts),
			zap.String("code", apperrors.ErrProfileUnavailable.Code),
		)
		return nil, nil
	default:
		metrics.ProfileResolutions.WithLabelValues("failed").Inc()
		r.log.Error("profile lookup failed",
			zap.String("identity_id", identityID),
			zap.Bool("backend_unavailable", errors.Is(err, apperrors.ErrBackendUnavailable)),
			zap.Error(err),
		)
		return nil, nil
	}
}

// ResolveOrganization fetches the organization in a single attempt. A missing organization
// id or row yields nil.
func (r *Resolver) ResolveOrganization(ctx context.Context, organizationID string) (*models.Organization, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, nil
	}
	org, err := r.store.FindOrganization(ctx, organizationID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		r.log.Warn("organization lookup failed", zap.String("organization_id", organizationID), zap.Error(err))
		return nil, err
	}
	return org, nil
}

func isTransient(err error) bool {
	return errors.Is(err, apperrors.ErrProfileNotFoundTransient) || errors.Is(err, context.DeadlineExceeded)
}
