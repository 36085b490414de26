// Command server runs the Sentinel HTTP API: sign-in, sessions, two-factor, invitations,
// audit listing and the session event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/app"
	"github.com/charlesng35/sentinel/pkg/logger"
)

const configEnv = "SENTINEL_CONFIG"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	err := run(ctx, os.Args[1:])
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	default:
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sentinel-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	configPath := fs.String("config", os.Getenv(configEnv), "configuration directory or file (env "+configEnv+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dirs, err := configDirs(*configPath)
	if err != nil {
		return err
	}
	cfg, err := app.LoadConfig(dirs...)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync()

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Warn("no value configured; generated an ephemeral secret", zap.String("key", key))
	}
	if err := checkSecrets(cfg); err != nil {
		return err
	}

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stack.Shutdown(log)

	return stack.Serve(ctx, log)
}

// configDirs maps the -config value to LoadConfig search paths. A file path searches its
// directory; an empty value keeps the default search.
func configDirs(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config path %q does not exist", path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}
	if !info.IsDir() {
		path = filepath.Dir(path)
	}
	return []string{path}, nil
}

// checkSecrets reports every missing or malformed secret at once.
func checkSecrets(cfg *app.Config) error {
	var err error
	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		err = multierr.Append(err, errors.New("auth.jwt.secret must be configured"))
	}
	if _, keyErr := cfg.TwoFactor.Key(); keyErr != nil {
		err = multierr.Append(err, fmt.Errorf("two_factor.encryption_key: %w", keyErr))
	}
	return err
}
