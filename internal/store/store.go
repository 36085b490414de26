package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/profile"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
)

// Store reads and writes profiles and organizations through gorm. It satisfies profile.Store.
type Store struct {
	db *gorm.DB
}

var _ profile.Store = (*Store)(nil)

// New constructs a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	return &Store{db: db}, nil
}

// FindProfileByIdentity returns profile.ErrNotFound while the profile has not been provisioned.
// Driver failures are reported as ErrBackendUnavailable.
func (s *Store) FindProfileByIdentity(ctx context.Context, identityID string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.WithContext(ctx).Take(&p, "identity_id = ?", identityID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// FindOrganization returns profile.ErrNotFound for unknown ids.
func (s *Store) FindOrganization(ctx context.Context, organizationID string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).Take(&org, "id = ?", organizationID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &org, nil
}

// OrganizationInput describes a new tenant.
type OrganizationInput struct {
	Name        string
	PlanType    string
	Departments []string
}

// CreateOrganization inserts a new organization with its department catalog.
func (s *Store) CreateOrganization(ctx context.Context, input OrganizationInput) (*models.Organization, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("organization name is required")
	}
	plan := strings.TrimSpace(input.PlanType)
	if plan == "" {
		plan = "starter"
	}

	org := &models.Organization{Name: name, PlanType: plan}
	if err := org.EncodeSettings(models.OrganizationSettings{Departments: input.Departments}); err != nil {
		return nil, fmt.Errorf("store: encode settings: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(org).Error; err != nil {
		return nil, fmt.Errorf("store: create organization: %w", err)
	}
	return org, nil
}

// ListOrganizations returns all organizations ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	var orgs []models.Organization
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&orgs).Error; err != nil {
		return nil, translate(err)
	}
	return orgs, nil
}

// ProfileUpdate lists the mutable profile attributes. Nil fields are left untouched.
type ProfileUpdate struct {
	FullName   *string
	Department *string
}

// UpdateProfile applies update to the profile owned by identityID.
func (s *Store) UpdateProfile(ctx context.Context, identityID string, update ProfileUpdate) error {
	values := map[string]any{}
	if update.FullName != nil {
		values["full_name"] = strings.TrimSpace(*update.FullName)
	}
	if update.Department != nil {
		values["department"] = strings.TrimSpace(*update.Department)
	}
	if len(values) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&models.Profile{}).Where("identity_id = ?", identityID).Updates(values)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return profile.ErrNotFound
	}
	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return profile.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.ErrBackendUnavailable.WithInternal(err)
	}
}
