package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/translog"
)

type verifyResult struct {
	File   string `json:"file,omitempty"`
	Source string `json:"source,omitempty"`
	translog.Verification
	Revoked int `json:"revoked"`
}

// verifyExport runs the chain checks over an export and adds the checks
// that only make sense for a detached copy.
func verifyExport(export logExport) verifyResult {
	result := verifyResult{Source: export.Source, Verification: translog.VerifyChain(export.Records)}
	add := func(name, status, detail string) {
		result.Checks = append(result.Checks, translog.Check{Name: name, Status: status, Detail: detail})
		if status == translog.CheckFail {
			result.Valid = false
		}
	}

	if export.Head == result.Head {
		add("export_head", translog.CheckPass, "")
	} else {
		add("export_head", translog.CheckFail,
			fmt.Sprintf("export claims head %s but the last record hashes to %s", export.Head, result.Head))
	}

	// A changed issuer is legitimate after an intermediate rotation, so it
	// is only a warning.
	issuers := map[string]bool{}
	for _, r := range export.Records {
		issuers[r.Issuer] = true
		if r.Revoked {
			result.Revoked++
		}
	}
	if len(issuers) <= 1 {
		add("single_issuer", translog.CheckPass, "")
	} else {
		add("single_issuer", translog.CheckWarn, fmt.Sprintf("records were issued by %d distinct issuers", len(issuers)))
	}
	return result
}

func printHumanResult(result verifyResult) {
	if result.File != "" {
		fmt.Printf("Transparency log verification: %s\n", result.File)
	} else {
		fmt.Printf("Transparency log verification: %s\n", result.Source)
	}
	fmt.Printf("Entries:  %d (%d revoked)\n", result.Entries, result.Revoked)
	if result.Head != "" {
		fmt.Printf("Head:     %s\n", result.Head)
	}
	fmt.Println()

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case translog.CheckFail:
			tag = "[FAIL]"
		case translog.CheckWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Printf("%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Printf("%s %s\n", tag, c.Name)
		}
	}

	fmt.Println()
	if result.Valid {
		fmt.Println("Result: VALID")
		return
	}
	failures, warnings := 0, 0
	for _, c := range result.Checks {
		switch c.Status {
		case translog.CheckFail:
			failures++
		case translog.CheckWarn:
			warnings++
		}
	}
	fmt.Printf("Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONResult(result verifyResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

var (
	verifyJSONOutput bool
	verifyRemote     bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of the transparency log",
	Long: `Reads a log export written by "ironca audit export" and checks the genesis
anchor, hash links, record hashes, ID sequence, uniqueness and timestamp
ordering. Revocation fields are outside the hash chain and are not checked.

With --remote the running log is asked to verify itself instead.

Exit status is 1 when the chain is invalid and 2 when it could not be read.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if verifyRemote {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	verifyCmd.Flags().BoolVar(&verifyRemote, "remote", false, "verify the running log instead of an export file")
}

func loadExport(path string) (logExport, error) {
	var export logExport
	data, err := os.ReadFile(path)
	if err != nil {
		return export, fmt.Errorf("cannot read file: %w", err)
	}
	if err := json.Unmarshal(data, &export); err != nil {
		return export, fmt.Errorf("invalid JSON: %w", err)
	}
	return export, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	var result verifyResult
	if verifyRemote {
		client, source, err := logClient()
		if err != nil {
			return err
		}
		v, err := client.Verify(commandContext(cmd))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		result = verifyResult{Source: source, Verification: v}
	} else {
		export, err := loadExport(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		result = verifyExport(export)
		result.File = args[0]
	}

	if verifyJSONOutput {
		if err := printJSONResult(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
