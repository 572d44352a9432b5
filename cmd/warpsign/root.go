package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var jsonLogs bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "warpsign",
		Short: "Re-sign an iOS application archive for your Apple Developer team",
		Long: "warpsign replaces an .ipa's code signatures, provisioning profiles, and\n" +
			"entitlements with ones bound to a caller-supplied Apple Developer team.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of console output")

	root.AddCommand(newSignCmd())
	root.AddCommand(newSignCICmd())
	root.AddCommand(newSetupCmd())
	return root
}

// newLogger builds the run's single *zap.Logger, threaded by value
// through the orchestrator rather than held as a package-level global
// (SPEC_FULL.md section 10.1, fixing the module-singleton redesign
// flag).
func newLogger() (*zap.Logger, error) {
	if jsonLogs {
		cfg := zap.NewProductionConfig()
		return cfg.Build()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
