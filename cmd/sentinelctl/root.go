package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/app"
	"github.com/charlesng35/sentinel/internal/platform"
	"github.com/charlesng35/sentinel/pkg/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "sentinelctl",
		Short:         "Administer a Sentinel deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration directory or file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")

	cmd.AddCommand(
		newMigrateCommand(opts),
		newOrgCommand(opts),
		newUserCommand(opts),
		newInviteCommand(opts),
		newSweepCommand(opts),
		newLoginCommand(opts),
		newJoinCommand(opts),
		newDoctorCommand(opts),
	)
	return cmd
}

// readConfig loads configuration as written, without generating missing secrets.
func (o *rootOptions) readConfig() (*app.Config, error) {
	var (
		cfg *app.Config
		err error
	)
	path := strings.TrimSpace(o.configPath)
	switch {
	case path == "":
		cfg, err = app.LoadConfig()
	default:
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("config path %q: %w", path, statErr)
		}
		if !info.IsDir() {
			path = filepath.Dir(path)
		}
		cfg, err = app.LoadConfig(path)
	}
	if err != nil {
		return nil, err
	}

	if err := app.ConfigureLogging(o.logLevel); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) loadConfig() (*app.Config, error) {
	cfg, err := o.readConfig()
	if err != nil {
		return nil, err
	}
	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return nil, err
	}
	if generated["two_factor.encryption_key"] {
		logger.WithModule("sentinelctl").Warn("two_factor.encryption_key is not configured; stored second factors cannot be read",
			zap.String("key", "two_factor.encryption_key"))
	}
	return cfg, nil
}

// openServices loads configuration and builds the platform services. The caller closes them.
func (o *rootOptions) openServices(cmd *cobra.Command) (*platform.Services, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return platform.Open(cmd.Context(), cfg)
}

func closeServices(svc *platform.Services) {
	if err := svc.Close(); err != nil {
		logger.WithModule("sentinelctl").Warn("close services", zap.Error(err))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("--" + name + " is required")
	}
	return nil
}
