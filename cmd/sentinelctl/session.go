package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/charlesng35/sentinel/internal/auth"
	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/internal/invitations"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
	"github.com/charlesng35/sentinel/internal/platform"
	"github.com/charlesng35/sentinel/pkg/errors"
)

// localAcceptor redeems invitations against the local database after checking the bearer
// token the same way the HTTP API does.
type localAcceptor struct {
	identity    *identity.Service
	invitations *invitations.Service
}

func (a localAcceptor) AcceptInvitation(ctx context.Context, code, bearerToken string) (*invitations.Details, error) {
	principal, err := a.identity.Authorize(ctx, bearerToken)
	if err != nil {
		return nil, errors.ErrUnauthorized
	}
	return a.invitations.Accept(ctx, code, principal.IdentityID, principal.Email)
}

// joinFlow talks to the server at serverURL, or to the local database when it is empty.
func joinFlow(svc *platform.Services, serverURL string) (*invitations.JoinFlow, error) {
	if strings.TrimSpace(serverURL) == "" {
		return invitations.NewJoinFlow(svc.Invitations, localAcceptor{identity: svc.Identity, invitations: svc.Invitations})
	}
	remote, err := invitations.NewHTTPClient(serverURL)
	if err != nil {
		return nil, err
	}
	return invitations.NewJoinFlow(remote, remote)
}

type loginOptions struct {
	email, password, code, invite, server string
}

type loginReport struct {
	State       auth.State               `json:"state"`
	Identity    *auth.Identity           `json:"identity,omitempty"`
	Profile     *models.Profile          `json:"profile,omitempty"`
	Permissions []permissions.Permission `json:"permissions"`
	Joined      *invitations.Details     `json:"joined,omitempty"`
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	lo := &loginOptions{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in, resolve the profile and report the resulting session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("email", lo.email); err != nil {
				return err
			}
			svc, err := opts.openServices(cmd)
			if err != nil {
				return err
			}
			defer closeServices(svc)
			return runLogin(cmd, svc, lo)
		},
	}
	cmd.Flags().StringVar(&lo.email, "email", "", "Account email")
	cmd.Flags().StringVar(&lo.password, "password", "", "Account password")
	cmd.Flags().StringVar(&lo.code, "code", "", "TOTP or backup code when two-factor is enabled")
	cmd.Flags().StringVar(&lo.invite, "invite", "", "Invitation code to redeem after signing in")
	cmd.Flags().StringVar(&lo.server, "server", "", "Server URL used to redeem invitations; local database when empty")
	return cmd
}

func runLogin(cmd *cobra.Command, svc *platform.Services, lo *loginOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client := identity.NewClient(svc.Identity, identity.SessionMetadata{UserAgent: "sentinelctl"})
	defer client.Close()

	storeOpts := []auth.StoreOption{auth.WithTwoFactor(svc.TwoFactor), auth.WithAuditor(svc.Auditor)}
	if lo.invite != "" {
		flow, err := joinFlow(svc, lo.server)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, auth.WithJoinFlow(flow))
	}
	store, err := auth.NewStore(client, svc.Resolver, storeOpts...)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	result, err := store.SignIn(ctx, lo.email, lo.password)
	if err != nil {
		return err
	}
	if result.RequiresTwoFactor {
		if lo.code == "" {
			return errors.ErrTwoFactorRequired
		}
		if err := store.VerifyTwoFactor(ctx, lo.code); err != nil {
			return err
		}
	}

	report := loginReport{}
	if lo.invite != "" {
		if report.Joined, err = store.JoinOrganization(ctx, lo.invite); err != nil {
			return err
		}
	}

	snapshot := store.Snapshot()
	report.State = snapshot.State
	report.Identity = snapshot.Identity
	report.Profile = snapshot.Profile
	report.Permissions = permissions.Granted(snapshot.Profile)
	if report.Permissions == nil {
		report.Permissions = []permissions.Permission{}
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func newJoinCommand(opts *rootOptions) *cobra.Command {
	var code, email, token, server string
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Check or redeem an invitation code on a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("code", code); err != nil {
				return err
			}
			if server == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				server = cfg.Invitations.BaseURL
			}
			if err := requireFlag("server", server); err != nil {
				return err
			}
			remote, err := invitations.NewHTTPClient(server)
			if err != nil {
				return err
			}
			flow, err := invitations.NewJoinFlow(remote, remote)
			if err != nil {
				return err
			}

			details, err := flow.CheckCode(cmd.Context(), code, email)
			if err != nil {
				return err
			}
			if !checkOnly {
				if details, err = flow.Accept(cmd.Context(), code, token); err != nil {
					return fmt.Errorf("accept invitation: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), details)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Invitation code")
	cmd.Flags().StringVar(&email, "email", "", "Email of the joining account")
	cmd.Flags().StringVar(&token, "token", "", "Bearer access token of the joining account")
	cmd.Flags().StringVar(&server, "server", "", "Server URL; defaults to invitations.base_url")
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "Only validate the code")
	return cmd
}
