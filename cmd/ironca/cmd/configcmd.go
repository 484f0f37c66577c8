package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configValidateSections []string

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the merged configuration with secrets redacted",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load(nil, cfgFile)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration for the given services",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load(nil, cfgFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(configValidateSections...); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPrintCmd, configValidateCmd)
	configValidateCmd.Flags().StringSliceVar(&configValidateSections, "service", nil,
		fmt.Sprintf("service sections to check (%s, %s, %s)", config.SectionSigner, config.SectionTransLog, config.SectionFrontend))
}
