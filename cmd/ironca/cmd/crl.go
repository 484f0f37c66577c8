package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
)

// signerAdmin calls the token-protected signing routes.
type signerAdmin struct {
	base  string
	token string
	hc    *http.Client
}

var (
	adminURL   string
	adminToken string
)

func newSignerAdmin() (*signerAdmin, error) {
	base, token := adminURL, adminToken
	if base == "" || token == "" {
		rt, err := setup()
		if err != nil {
			return nil, err
		}
		defer rt.Close()
		if base == "" {
			base = rt.cfg.Frontend.SignerURL
		}
		if token == "" {
			token = rt.cfg.Signer.Token
		}
		if token == "" {
			token = rt.cfg.Frontend.SignerToken
		}
	}
	if base == "" {
		return nil, fmt.Errorf("no signer URL: pass --signer or set frontend.signer_url")
	}
	return &signerAdmin{base: strings.TrimRight(base, "/"), token: token, hc: &http.Client{Timeout: time.Minute}}, nil
}

func (s *signerAdmin) do(ctx context.Context, method, path string, in, out any) (http.Header, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+"/api/v1"+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("signer: %s (%d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("signer: %s", resp.Status)
	}
	switch v := out.(type) {
	case nil:
	case *[]byte:
		*v = data
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decoding signer response: %w", err)
		}
	}
	return resp.Header, nil
}

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Generate or fetch the certificate revocation list",
}

var crlOut string

var crlGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Ask the signer to build and sign a new CRL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSignerAdmin()
		if err != nil {
			return err
		}
		var res api.CRLResponse
		if _, err := s.do(commandContext(cmd), http.MethodPost, "/crl", struct{}{}, &res); err != nil {
			return err
		}
		fmt.Printf("CRL #%d with %d entries, next update %s\n", res.Number, res.Entries, res.NextUpdate.Format(time.RFC3339))
		return nil
	},
}

var crlFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the latest CRL in PEM form",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSignerAdmin()
		if err != nil {
			return err
		}
		var pem []byte
		h, err := s.do(commandContext(cmd), http.MethodGet, "/crl.pem", nil, &pem)
		if err != nil {
			return err
		}
		if crlOut == "-" {
			_, err = os.Stdout.Write(pem)
			return err
		}
		if err := os.WriteFile(crlOut, pem, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote CRL #%s to %s\n", h.Get("X-CRL-Number"), crlOut)
		return nil
	},
}

var (
	revokeReason string
	revokeBy     string
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <fingerprint>",
	Short: "Revoke an issued certificate",
	Long: `Marks the certificate revoked in the transparency log. The revocation reaches
clients with the next generated CRL. Reasons use RFC 5280 names such as
keyCompromise, superseded or cessationOfOperation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSignerAdmin()
		if err != nil {
			return err
		}
		var res api.RevokeResponse
		req := api.RevokeRequest{Fingerprint: args[0], Reason: revokeReason, RevokedBy: revokeBy}
		if _, err := s.do(commandContext(cmd), http.MethodPost, "/revoke", req, &res); err != nil {
			return err
		}
		fmt.Printf("Revoked %s (serial %s, %s) at %s\n", res.Fingerprint, res.SerialNumber, res.Reason, res.RevokedAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crlCmd, revokeCmd)
	crlCmd.AddCommand(crlGenerateCmd, crlFetchCmd)
	for _, c := range []*cobra.Command{crlCmd, revokeCmd} {
		c.PersistentFlags().StringVar(&adminURL, "signer", "", "signer base URL (default frontend.signer_url)")
		c.PersistentFlags().StringVar(&adminToken, "token", "", "signer bearer token (default signer.token)")
	}
	crlFetchCmd.Flags().StringVarP(&crlOut, "out", "o", "-", "output file, - for stdout")
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "unspecified", "RFC 5280 revocation reason")
	revokeCmd.Flags().StringVar(&revokeBy, "by", os.Getenv("USER"), "operator recorded on the revocation")
}
