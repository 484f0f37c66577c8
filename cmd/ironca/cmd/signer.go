package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/key"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/telemetry"
	"github.com/jmcleod/ironca/translog"
)

var signerCmd = &cobra.Command{
	Use:   "signer",
	Short: "Run the signing service",
	Long: `Runs the signing authority. It holds the sealed intermediate key, signs CSRs
from the frontend, records every certificate in the transparency log and
serves revocation and the CRL.`,
	RunE: runSigner,
}

func init() {
	rootCmd.AddCommand(signerCmd)
}

// loadPassphrase reads the CA passphrase from the file or, failing that,
// the environment variable named in sc.
func loadPassphrase(sc config.SignerConfig) (*key.Passphrase, error) {
	if sc.PassphraseFile != "" {
		return key.PassphraseFromFile(sc.PassphraseFile)
	}
	return key.PassphraseFromEnv(sc.PassphraseEnv)
}

func loadCA(ctx context.Context, mgr *key.Manager, sc config.SignerConfig) (*pki.CA, error) {
	pass, err := loadPassphrase(sc)
	if err != nil {
		return nil, err
	}
	ca, err := pki.LoadCA(ctx, mgr, pki.LoadOptions{
		CertFile:  sc.CACert,
		ChainFile: sc.CAChain,
		KeyFile:   sc.CAKey,
	}, pass)
	if err != nil {
		return nil, fmt.Errorf("loading CA: %w", err)
	}
	return ca, nil
}

func runSigner(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	rt, err := setup(config.SectionSigner)
	if err != nil {
		return err
	}
	defer rt.Close()
	sc := rt.cfg.Signer

	metrics, stopTelemetry, err := startTelemetry(ctx, rt)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	mgr := key.NewManager()
	if err := telemetry.ObserveKeyScopes(nil, mgr); err != nil {
		return err
	}
	ca, err := loadCA(ctx, mgr, sc)
	if err != nil {
		return err
	}

	repo, closeRepo, err := openRepository(ctx, rt.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	logClient, err := translog.NewClient(sc.LogURL, sc.LogToken, translog.WithTimeouts(sc.LogTimeout, 0))
	if err != nil {
		return err
	}

	authority, err := pki.NewAuthority(ca, repo, logClient,
		pki.WithProfiles(sc.Profiles()),
		pki.WithCRLValidity(sc.CRLValidity),
		pki.WithLogTimeout(sc.LogTimeout),
		pki.WithLogger(rt.logger),
		pki.WithObserver(metrics),
	)
	if err != nil {
		return err
	}

	reconciler := translog.NewReconciler(authority.Outbox(), logClient, sc.ReconcileInterval, rt.logger)
	reconciler.Start(ctx)

	b, err := newBoundary(rt, sc.Server)
	if err != nil {
		reconciler.Stop()
		return err
	}
	svc := api.NewSigningAPI(authority, sc.Token, b.opts...)
	rt.logger.Info("signing authority ready",
		"subject", ca.Certificate.Subject.String(),
		"family", ca.Family().String(),
		"not_after", ca.Certificate.NotAfter,
	)
	return serve(ctx, "signer", sc.Server, api.Handler(svc.Router()), svc, rt.logger, func() {
		reconciler.Stop()
		b.cleanup()
	})
}
