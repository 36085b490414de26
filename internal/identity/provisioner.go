package identity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
)

// ProfileProvisioner creates the profile row for a newly registered identity. It mirrors the
// signup trigger of hosted identity providers: the profile appears a little after the
// identity, so readers must tolerate its absence for a while.
type ProfileProvisioner struct {
	db    *gorm.DB
	delay time.Duration
	log   *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewProfileProvisioner builds a provisioner. A non-positive delay provisions synchronously.
func NewProfileProvisioner(db *gorm.DB, delay time.Duration, log *zap.Logger) *ProfileProvisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileProvisioner{db: db, delay: delay, log: log}
}

// Provision schedules profile creation for identity.
func (p *ProfileProvisioner) Provision(identity *models.Identity) error {
	if p.delay <= 0 {
		return p.create(context.Background(), identity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.create(context.Background(), identity)
	}

	p.wg.Add(1)
	time.AfterFunc(p.delay, func() {
		defer p.wg.Done()
		if err := p.create(context.Background(), identity); err != nil {
			p.log.Error("profile provisioning failed", zap.String("identity_id", identity.ID), zap.Error(err))
		}
	})
	return nil
}

// Wait blocks until every scheduled provisioning has run and rejects further scheduling.
func (p *ProfileProvisioner) Wait() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *ProfileProvisioner) create(ctx context.Context, identity *models.Identity) error {
	profile := &models.Profile{
		IdentityID: identity.ID,
		Email:      identity.Email,
		FullName:   identity.FullName,
		Role:       string(permissions.RoleUser),
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "identity_id"}}, DoNothing: true}).
		Create(profile).Error
}
