package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/internal/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ironca",
	Short: "IronCA issues OpenVPN certificates behind a pre-shared key frontend",
	Long: `IronCA runs the certificate authority for an OpenVPN deployment: a signing
service holding the sealed CA key, an append-only transparency log of every
issued certificate, and a frontend that hands out certificate bundles to
holders of pre-shared keys.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML); IRONCA_* environment variables override it")
	rootCmd.Version = Version
}

// runtime carries what every subcommand needs once config is loaded.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func (r *runtime) Close() error { return r.closer.Close() }

// setup loads and validates the config for sections and builds the logger.
func setup(sections ...string) (*runtime, error) {
	cfg, err := config.Load(nil, cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(sections...); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &runtime{cfg: cfg, logger: logger, closer: closer}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
