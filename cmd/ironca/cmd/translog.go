package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/translog"
)

var translogCmd = &cobra.Command{
	Use:   "translog",
	Short: "Run the transparency log service",
	Long: `Runs the append-only certificate log. Records are hash chained in a SQLite
database; revocation is the only mutation.`,
	RunE: runTranslog,
}

func init() {
	rootCmd.AddCommand(translogCmd)
}

func runTranslog(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	rt, err := setup(config.SectionTransLog)
	if err != nil {
		return err
	}
	defer rt.Close()
	tc := rt.cfg.TransLog

	_, stopTelemetry, err := startTelemetry(ctx, rt)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	if err := os.MkdirAll(filepath.Dir(tc.SQLitePath), 0o700); err != nil {
		return err
	}
	store, err := translog.OpenSQLite(ctx, tc.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	log := translog.New(store, translog.WithLogger(rt.logger))

	b, err := newBoundary(rt, tc.Server)
	if err != nil {
		return err
	}
	svc := api.NewLogAPI(log, tc.Token, b.opts...)
	return serve(ctx, "translog", tc.Server, api.Handler(svc.Router()), svc, rt.logger, b.cleanup)
}
