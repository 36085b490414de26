package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charlesng35/sentinel/internal/database"
	"github.com/charlesng35/sentinel/internal/security"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Audit secrets, session lifetimes and administrator coverage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.readConfig()
			if err != nil {
				return err
			}

			db, err := database.Open(cfg.Database.ConnectionConfig())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = database.Close(db) }()

			result := security.NewAuditService(db, cfg).Run(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Failed() {
				return errors.New("security audit failed")
			}
			return nil
		},
	}
}
