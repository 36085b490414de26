package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/internal/invitations"
	"github.com/charlesng35/sentinel/internal/permissions"
	"github.com/charlesng35/sentinel/internal/store"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := opts.openServices(cmd)
			if err != nil {
				return err
			}
			defer closeServices(svc)
			fmt.Fprintln(cmd.OutOrStdout(), "database schema is up to date")
			return nil
		},
	}
}

func newOrgCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}

	var input store.OrganizationInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("name", input.Name); err != nil {
				return err
			}
			svc, err := opts.openServices(cmd)
			if err != nil {
				return err
			}
			defer closeServices(svc)

			org, err := svc.Store.CreateOrganization(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), org)
		},
	}
	create.Flags().StringVar(&input.Name, "name", "", "Organization name")
	create.Flags().StringVar(&input.PlanType, "plan", "", "Plan type")
	create.Flags().StringSliceVar(&input.Departments, "department", nil, "Department, repeatable")

	list := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := opts.openServices(cmd)
			if err != nil {
				return err
			}
			defer closeServices(svc)

			orgs, err := svc.Store.ListOrganizations(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), orgs)
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newInviteCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage invitations",
	}

	var (
		orgID, email, role, invitedBy string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an invitation code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("org", orgID); err != nil {
				return err
			}
			parsed, ok := permissions.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			svc, err := opts.openServices(cmd)
			if err != nil {
				return err
			}
			defer closeServices(svc)

			created, err := svc.Invitations.Create(cmd.Context(), invitations.CreateInput{
				OrganizationID: orgID,
				Email:          email,
				Role:           parsed,
				InvitedBy:      invitedBy,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"invitation_id": created.Invitation.ID,
				"code":          created.Code,
				"link":          created.Link,
				"expires_at":    created.Invitation.ExpiresAt,
			})
		},
	}
	create.Flags().StringVar(&orgID, "org", "", "Organization ID")
	create.Flags().StringVar(&email, "email", "", "Restrict the invitation to this address")
	create.Flags().StringVar(&role, "role", string(permissions.RoleUser), "Role granted on acceptance")
	create.Flags().StringVar(&invitedBy, "invited-by", "", "Identity ID recorded as the inviter")

	cmd.AddCommand(create)
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every maintenance job once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := opts.openServices(cmd)
			if err != nil {
				return err
			}
			defer closeServices(svc)

			runErr := svc.Cleaner.RunOnce(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), svc.Cleaner.Jobs()); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage identities",
	}

	var input identity.RegisterInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an identity with a local password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("email", input.Email); err != nil {
				return err
			}
			if err := requireFlag("password", input.Password); err != nil {
				return err
			}
			svc, err := opts.openServices(cmd)
			if err != nil {
				return err
			}
			defer closeServices(svc)

			created, err := svc.Identity.Register(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":    created.ID,
				"email": created.Email,
			})
		},
	}
	create.Flags().StringVar(&input.Email, "email", "", "Account email")
	create.Flags().StringVar(&input.Password, "password", "", "Initial password")
	create.Flags().StringVar(&input.FullName, "name", "", "Full name")

	cmd.AddCommand(create)
	return cmd
}
