package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/retry"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
)

type fakeStore struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	profile   *models.Profile
	orgs      map[string]*models.Organization
	calls     int
	orgCalls  []string
	onAttempt func(ctx context.Context, attempt int) error
}

func (f *fakeStore) FindProfileByIdentity(ctx context.Context, identityID string) (*models.Profile, error) {
	f.mu.Lock()
	f.calls++
	attempt := f.calls
	f.mu.Unlock()

	if f.onAttempt != nil {
		if err := f.onAttempt(ctx, attempt); err != nil {
			return nil, err
		}
	}
	if attempt <= f.failures {
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, ErrNotFound
	}
	return f.profile, nil
}

func (f *fakeStore) FindOrganization(ctx context.Context, organizationID string) (*models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgCalls = append(f.orgCalls, organizationID)
	org, ok := f.orgs[organizationID]
	if !ok {
		return nil, ErrNotFound
	}
	return org, nil
}

func newResolver(t *testing.T, store Store, opts ...Option) (*Resolver, *retry.RecordingClock, *observer.ObservedLogs) {
	t.Helper()
	clock := retry.NewRecordingClock(time.Unix(0, 0))
	core, logs := observer.New(zapcore.DebugLevel)
	opts = append([]Option{WithClock(clock), WithLogger(zap.New(core))}, opts...)
	r, err := NewResolver(store, opts...)
	require.NoError(t, err)
	return r, clock, logs
}

func TestResolveRetriesNotFoundBelowBound(t *testing.T) {
	for _, k := range []int{0, 1, 5, 9} {
		store := &fakeStore{failures: k, profile: &models.Profile{IdentityID: "id-1", Role: "user"}}
		r, clock, _ := newResolver(t, store)

		got, err := r.Resolve(context.Background(), "id-1")
		require.NoError(t, err)
		require.NotNil(t, got, "k=%d", k)
		require.Equal(t, k+1, store.calls)
		require.Len(t, clock.Delays(), k)
		for _, d := range clock.Delays() {
			require.Equal(t, 500*time.Millisecond, d)
		}
	}
}

func TestResolveReturnsNilWhenExhausted(t *testing.T) {
	store := &fakeStore{failures: 100}
	r, _, logs := newResolver(t, store)

	got, err := r.Resolve(context.Background(), "id-1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 10, store.calls)

	entries := logs.FilterMessage("profile unavailable after retries").All()
	require.Len(t, entries, 1)
	require.Equal(t, apperrors.ErrProfileUnavailable.Code, entries[0].ContextMap()["code"])
}

func TestResolveDoesNotRetryOtherErrors(t *testing.T) {
	store := &fakeStore{failures: 5, failWith: apperrors.ErrBackendUnavailable}
	r, clock, logs := newResolver(t, store)

	got, err := r.Resolve(context.Background(), "id-1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 1, store.calls)
	require.Empty(t, clock.Delays())
	require.Equal(t, 1, logs.FilterMessage("profile lookup failed").Len())
}

func TestResolveRetriesAttemptTimeout(t *testing.T) {
	store := &fakeStore{
		profile: &models.Profile{IdentityID: "id-1"},
		onAttempt: func(ctx context.Context, attempt int) error {
			if attempt == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}
	r, _, _ := newResolver(t, store, WithPolicy(retry.Policy{MaxAttempts: 3, Delay: time.Millisecond, AttemptTimeout: 10 * time.Millisecond}))

	got, err := r.Resolve(context.Background(), "id-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, store.calls)
}

func TestResolveStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{
		failures: 100,
		onAttempt: func(context.Context, int) error {
			cancel()
			return nil
		},
	}
	r, _, _ := newResolver(t, store)

	got, err := r.Resolve(ctx, "id-1")
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, got)
	require.Equal(t, 1, store.calls)
}

func TestResolveThenFetchOrganization(t *testing.T) {
	org := "org-1"
	store := &fakeStore{
		failures: 3,
		profile:  &models.Profile{IdentityID: "id-1", Role: "admin", OrganizationID: &org},
		orgs: map[string]*models.Organization{
			"org-1": {BaseModel: models.BaseModel{ID: "org-1"}, Name: "Acme"},
		},
	}
	r, _, _ := newResolver(t, store)

	got, err := r.Resolve(context.Background(), "id-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "admin", got.Role)
	require.Equal(t, 4, store.calls)

	organization, err := r.ResolveOrganization(context.Background(), got.OrgID())
	require.NoError(t, err)
	require.Equal(t, "Acme", organization.Name)
	require.Equal(t, []string{"org-1"}, store.orgCalls)
}

func TestResolveOrganizationMissing(t *testing.T) {
	store := &fakeStore{orgs: map[string]*models.Organization{}}
	r, _, _ := newResolver(t, store)

	org, err := r.ResolveOrganization(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, org)
	require.Empty(t, store.orgCalls)

	org, err = r.ResolveOrganization(context.Background(), "gone")
	require.NoError(t, err)
	require.Nil(t, org)
}

func TestNewResolverRequiresStore(t *testing.T) {
	_, err := NewResolver(nil)
	require.Error(t, err)
}

func TestResolveEmptyIdentity(t *testing.T) {
	store := &fakeStore{}
	r, _, _ := newResolver(t, store)
	got, err := r.Resolve(context.Background(), " ")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Zero(t, store.calls)
	require.False(t, errors.Is(err, ErrNotFound))
}
