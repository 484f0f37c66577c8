package cmd

import (
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/key"
	"github.com/jmcleod/ironca/pki"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the certificate authority hierarchy",
}

var (
	caDir                  string
	caOrg                  string
	caRootCN               string
	caIntermediateCN       string
	caFamily               string
	caRootValidity         time.Duration
	caIntermediateValidity time.Duration
	caCRLURLs              []string
	caKDFProfile           string
	caPassFile             string
	caRootPassFile         string
	caNewPassFile          string
	caKeyFile              string
	caJSON                 bool
)

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a root and intermediate CA",
	Long: `Generates a self-signed root CA and an intermediate signed by it. Both private
keys are written sealed under Argon2id-derived keys; no plaintext key touches
disk. The root key should be moved offline once the intermediate exists.

The intermediate passphrase is what the signer needs at runtime. A separate
root passphrase can be given with --root-passphrase-file.`,
	RunE: runCAInit,
}

var caRotateCmd = &cobra.Command{
	Use:   "rotate-passphrase",
	Short: "Re-seal a CA key under a new passphrase",
	Long: `Decrypts a sealed key with its current passphrase and writes it back sealed
under a new one with a fresh salt. The previous file is kept with a .bak suffix.`,
	RunE: runCARotate,
}

var caTunnelKeyCmd = &cobra.Command{
	Use:   "tunnel-key <file>",
	Short: "Generate the master secret for tls-crypt keys",
	Long: `Writes 32 random bytes as hex. The frontend derives a distinct tls-crypt key
for every server bundle from this secret, so it must be kept as private as
the CA key.`,
	Args: cobra.ExactArgs(1),
	RunE: runCATunnelKey,
}

var caShowCmd = &cobra.Command{
	Use:   "show [cert...]",
	Short: "Describe CA certificates",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCAShow,
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitCmd, caRotateCmd, caTunnelKeyCmd, caShowCmd)

	f := caInitCmd.Flags()
	f.StringVar(&caDir, "dir", "ca", "output directory")
	f.StringVar(&caOrg, "org", "IronCA", "organization name in both subjects")
	f.StringVar(&caRootCN, "root-cn", "IronCA Root", "root common name")
	f.StringVar(&caIntermediateCN, "intermediate-cn", "IronCA Intermediate", "intermediate common name")
	f.StringVar(&caFamily, "key-type", "ecdsa-p384", "key family (rsa, ecdsa-p256, ecdsa-p384, ecdsa-p521, ed25519)")
	f.DurationVar(&caRootValidity, "root-validity", 20*365*24*time.Hour, "root certificate lifetime")
	f.DurationVar(&caIntermediateValidity, "intermediate-validity", 5*365*24*time.Hour, "intermediate certificate lifetime")
	f.StringSliceVar(&caCRLURLs, "crl-url", nil, "CRL distribution point embedded in the intermediate (repeatable)")
	f.StringVar(&caKDFProfile, "kdf", util.KDFProfileSensitive, "Argon2id cost profile for sealing")
	f.StringVar(&caPassFile, "passphrase-file", "", "intermediate passphrase file (prompted when empty)")
	f.StringVar(&caRootPassFile, "root-passphrase-file", "", "root passphrase file (defaults to the intermediate passphrase)")

	r := caRotateCmd.Flags()
	r.StringVar(&caKeyFile, "key", filepath.Join("ca", pki.IntermediateKeyFile), "sealed key file")
	r.StringVar(&caPassFile, "passphrase-file", "", "current passphrase file (prompted when empty)")
	r.StringVar(&caNewPassFile, "new-passphrase-file", "", "new passphrase file (prompted when empty)")

	caShowCmd.Flags().BoolVar(&caJSON, "json", false, "Output results as JSON")
}

func runCAInit(cmd *cobra.Command, _ []string) error {
	family, err := key.ParseFamily(caFamily)
	if err != nil {
		return err
	}
	kdf, err := util.Argon2idProfile(caKDFProfile)
	if err != nil {
		return err
	}
	pass, err := passphraseFrom(caPassFile, "Intermediate passphrase: ", true)
	if err != nil {
		return err
	}
	var rootPass *key.Passphrase
	if caRootPassFile != "" {
		if rootPass, err = key.PassphraseFromFile(caRootPassFile); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "Generating %s hierarchy...\n", family)
	res, err := pki.InitCA(commandContext(cmd), pki.InitRequest{
		RootSubject:           pkix.Name{CommonName: caRootCN, Organization: []string{caOrg}},
		IntermediateSubject:   pkix.Name{CommonName: caIntermediateCN, Organization: []string{caOrg}},
		Family:                family,
		RootValidity:          caRootValidity,
		IntermediateValidity:  caIntermediateValidity,
		CRLDistributionPoints: caCRLURLs,
		RootPassphrase:        rootPass,
		Passphrase:            pass,
		KDF:                   kdf,
	})
	if err != nil {
		return err
	}
	if err := res.WriteFiles(caDir); err != nil {
		return err
	}

	fmt.Printf("Root:         %s\n", pki.Fingerprint(res.Root))
	fmt.Printf("Intermediate: %s\n", pki.Fingerprint(res.Intermediate))
	fmt.Printf("Wrote %s, %s, %s, %s and %s to %s\n",
		pki.RootCertFile, pki.RootKeyFile, pki.IntermediateCertFile, pki.IntermediateKeyFile, pki.ChainFile, caDir)
	fmt.Printf("Move %s offline; the signer only needs the intermediate.\n", filepath.Join(caDir, pki.RootKeyFile))
	return nil
}

func runCARotate(_ *cobra.Command, _ []string) error {
	sealed, err := key.ReadSealedFile(caKeyFile)
	if err != nil {
		return err
	}
	oldPass, err := passphraseFrom(caPassFile, "Current passphrase: ", false)
	if err != nil {
		return err
	}
	newPass, err := passphraseFrom(caNewPassFile, "New passphrase: ", true)
	if err != nil {
		return err
	}
	rotated, err := sealed.Reseal(oldPass, newPass)
	if err != nil {
		return err
	}

	backup := caKeyFile + ".bak"
	if err := os.Rename(caKeyFile, backup); err != nil {
		return err
	}
	if err := rotated.WriteFile(caKeyFile); err != nil {
		_ = os.Rename(backup, caKeyFile)
		return err
	}
	fmt.Printf("Re-sealed %s (previous copy at %s)\n", caKeyFile, backup)
	return nil
}

func runCATunnelKey(_ *cobra.Command, args []string) error {
	master, err := util.RandomBytes(32)
	if err != nil {
		return err
	}
	defer util.WipeBytes(master)
	f, err := os.OpenFile(args[0], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, hex.EncodeToString(master)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote tunnel master secret to %s\n", args[0])
	return nil
}

func runCAShow(_ *cobra.Command, args []string) error {
	var infos []pki.CertificateInfo
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		certs, err := pki.ParseCertificatesPEM(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, c := range certs {
			infos = append(infos, pki.Describe(c))
		}
	}
	if caJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	for i, info := range infos {
		if i > 0 {
			fmt.Println()
		}
		printCertificateInfo(info)
	}
	return nil
}
