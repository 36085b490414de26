package auth

import "github.com/charlesng35/sentinel/internal/models"

// State is the position of a Store in the login flow.
type State string

const (
	StateUnauthenticated      State = "unauthenticated"
	StateCredentialsSubmitted State = "credentials_submitted"
	StateTwoFactorPending     State = "two_factor_pending"
	StateAuthenticated        State = "authenticated"
	StateLocked               State = "locked"
)

func (s State) String() string {
	return string(s)
}

// Snapshot is a consistent copy of the Store taken right after a change was committed.
type Snapshot struct {
	State        State
	Identity     *Identity
	Profile      *models.Profile
	Organization *models.Organization
	Loading      bool
}

// SignInResult reports how far SignIn got. When RequiresTwoFactor is set the caller has to
// finish the login with VerifyTwoFactor.
type SignInResult struct {
	State             State
	RequiresTwoFactor bool
}

func copyIdentity(i *Identity) *Identity {
	if i == nil {
		return nil
	}
	cpy := *i
	return &cpy
}

func copyProfile(p *models.Profile) *models.Profile {
	if p == nil {
		return nil
	}
	cpy := *p
	return &cpy
}

func copyOrganization(o *models.Organization) *models.Organization {
	if o == nil {
		return nil
	}
	cpy := *o
	return &cpy
}
