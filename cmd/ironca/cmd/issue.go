package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/entropy"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/pki"
)

var (
	issueUser   string
	issueOutDir string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue certificates directly",
}

var issueClientCmd = &cobra.Command{
	Use:   "client <common-name>",
	Short: "Issue a client certificate for an operator-verified user",
	Long: `Issues a client certificate without a pre-shared key. The operator running
this command vouches for the user named by --user; the identity is recorded in
the request audit trail and the transparency log. The key pair is generated
locally and the bundle is written as a zip.`,
	Args: cobra.ExactArgs(1),
	RunE: runIssueClient,
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.AddCommand(issueClientCmd)
	issueClientCmd.Flags().StringVar(&issueUser, "user", "", "identity of the certificate holder")
	issueClientCmd.Flags().StringVarP(&issueOutDir, "out", "o", ".", "directory for the bundle zip")
	_ = issueClientCmd.MarkFlagRequired("user")
}

func runIssueClient(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()
	fc := rt.cfg.Frontend

	repo, closeRepo, err := openRepository(ctx, rt.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	builder, err := csr.NewBuilder(fc.KeySpec, entropy.NewValidator(fc.MinEntropyBits), csr.WithEntropyWait(fc.EntropyWait))
	if err != nil {
		return err
	}
	signer, err := issuance.NewHTTPSigner(fc.SignerURL, fc.SignerToken, nil)
	if err != nil {
		return err
	}
	chain, err := issuance.NewHTTPChainSource(fc.SignerURL)
	if err != nil {
		return err
	}
	orch, err := issuance.New(issuance.Config{
		Builder:     builder,
		Signer:      signer.WithTimeout(fc.SignTimeout),
		Chain:       chain,
		Requests:    issuance.NewRequestStore(repo),
		Enabled:     []pki.CertificateType{pki.TypeClient},
		SignTimeout: fc.SignTimeout,
		Logger:      rt.logger,
	})
	if err != nil {
		return err
	}

	bundle, err := orch.Issue(ctx, issuance.IssueRequest{
		Identity:   &issuance.Identity{UserID: issueUser},
		CommonName: args[0],
		Type:       pki.TypeClient,
	})
	if err != nil {
		return err
	}
	defer bundle.Destroy()

	path := filepath.Join(issueOutDir, bundle.ZipFileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := bundle.WriteZip(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	printCertificateInfo(bundle.Info)
	fmt.Printf("Log status:   %s\n", bundle.LogStatus)
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func printCertificateInfo(info pki.CertificateInfo) {
	fmt.Printf("Subject:      %s\n", info.Subject)
	fmt.Printf("Issuer:       %s\n", info.Issuer)
	fmt.Printf("Serial:       %s\n", info.SerialNumber)
	fmt.Printf("Valid:        %s to %s\n", info.NotBefore.Format("2006-01-02 15:04"), info.NotAfter.Format("2006-01-02 15:04"))
	fmt.Printf("Key:          %s\n", info.KeyAlgorithm)
	fmt.Printf("Fingerprint:  %s\n", info.Fingerprint)
}
