package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/entropy"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/psk"
	"github.com/jmcleod/ironca/storage"
)

var frontendCmd = &cobra.Command{
	Use:   "frontend",
	Short: "Run the bundle frontend",
	Long: `Runs the PSK-authenticated frontend. Each request generates a fresh key pair
locally, has the signing service sign it and returns the certificate, key,
CA chain and (for servers) a tls-crypt key as a zip or JSON bundle.`,
	RunE: runFrontend,
}

func init() {
	rootCmd.AddCommand(frontendCmd)
}

// newOrchestrator wires issuance from the frontend config over repo.
func newOrchestrator(fc config.FrontendConfig, repo storage.Repository, logger *slog.Logger, observer issuance.Observer) (*issuance.Orchestrator, error) {
	kdf, err := util.Argon2idProfile(fc.KDFProfile)
	if err != nil {
		return nil, err
	}
	keys := psk.NewStore(repo)
	auth, err := psk.NewAuthenticator(keys, kdf)
	if err != nil {
		return nil, err
	}

	builder, err := csr.NewBuilder(fc.KeySpec, entropy.NewValidator(fc.MinEntropyBits), csr.WithEntropyWait(fc.EntropyWait))
	if err != nil {
		return nil, err
	}
	signer, err := issuance.NewHTTPSigner(fc.SignerURL, fc.SignerToken, nil)
	if err != nil {
		return nil, err
	}
	chain, err := issuance.NewHTTPChainSource(fc.SignerURL)
	if err != nil {
		return nil, err
	}

	var tunnel *issuance.TunnelKeyDeriver
	if fc.TunnelKeyFile != "" {
		if tunnel, err = issuance.TunnelKeyDeriverFromFile(fc.TunnelKeyFile); err != nil {
			return nil, fmt.Errorf("loading tunnel key: %w", err)
		}
	}
	enabled, err := fc.EnabledTypes()
	if err != nil {
		return nil, err
	}

	return issuance.New(issuance.Config{
		Auth:        auth,
		Usage:       keys,
		Builder:     builder,
		Signer:      signer.WithTimeout(fc.SignTimeout),
		Chain:       chain,
		Tunnel:      tunnel,
		Requests:    issuance.NewRequestStore(repo),
		Enabled:     enabled,
		SignTimeout: fc.SignTimeout,
		Logger:      logger,
		Observer:    observer,
	})
}

func runFrontend(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	rt, err := setup(config.SectionFrontend)
	if err != nil {
		return err
	}
	defer rt.Close()
	fc := rt.cfg.Frontend

	metrics, stopTelemetry, err := startTelemetry(ctx, rt)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	repo, closeRepo, err := openRepository(ctx, rt.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	b, err := newBoundary(rt, fc.Server)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(fc, repo, rt.logger, issuance.Observers(b.alerts, metrics))
	if err != nil {
		b.cleanup()
		return err
	}
	warnStaleRequests(ctx, issuance.NewRequestStore(repo), rt.logger)

	svc := api.NewFrontendAPI(orch, b.opts...)
	return serve(ctx, "frontend", fc.Server, api.Handler(svc.Router()), svc, rt.logger, b.cleanup)
}

// warnStaleRequests logs requests left attempted by an earlier crash.
func warnStaleRequests(ctx context.Context, requests *issuance.RequestStore, logger *slog.Logger) {
	stale, err := requests.ListStale(ctx, timeNow().Add(-staleAfter))
	if err != nil {
		logger.Warn("listing stale requests", "error", err)
		return
	}
	for _, r := range stale {
		logger.Warn("request never completed", "request_id", r.ID, "certificate_type", string(r.CertificateType), "created_at", r.CreatedAt)
	}
}
