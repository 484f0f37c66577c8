package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/issuance"
)

const staleAfter = 10 * time.Minute

var timeNow = time.Now

var (
	staleOlderThan time.Duration
	staleJSON      bool
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect certificate request audit records",
}

var requestsStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List requests that were attempted but never completed",
	Long: `Lists audit records still in the attempted state. These are left behind when
a process dies between reserving a PSK use and recording the signing result.`,
	RunE: runRequestsStale,
}

func init() {
	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestsStaleCmd)
	requestsStaleCmd.Flags().DurationVar(&staleOlderThan, "older-than", staleAfter, "only list requests created before now minus this")
	requestsStaleCmd.Flags().BoolVar(&staleJSON, "json", false, "Output results as JSON")
}

func runRequestsStale(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	repo, closeRepo, err := openRepository(ctx, rt.cfg.Storage)
	if err != nil {
		return err
	}
	defer closeRepo()

	stale, err := issuance.NewRequestStore(repo).ListStale(ctx, timeNow().Add(-staleOlderThan))
	if err != nil {
		return err
	}
	if staleJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stale)
	}
	if len(stale) == 0 {
		fmt.Println("No stale requests.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCOMMON NAME\tPSK\tCREATED")
	for _, r := range stale {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.CertificateType, r.CommonName, r.PSKID, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
