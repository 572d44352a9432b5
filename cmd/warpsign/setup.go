package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warpsign-dev/warpsign"
)

// newSetupCmd is a boundary stub: the interactive configuration wizard
// itself is out of scope for this core (spec.md section 1's Non-goals).
// It writes the minimal config.toml skeleton so `sign`/`sign-ci` have
// somewhere to point the user, rather than implementing the prompts.
func newSetupCmd() *cobra.Command {
	var ci bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter config.toml (interactive wizard is out of scope)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(ci)
		},
	}
	cmd.Flags().BoolVar(&ci, "ci", false, "include the github_token/repository/workflow keys sign-ci needs")
	return cmd
}

func runSetup(ci bool) error {
	cfg, _, err := warpsign.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.AppleID == "" {
		cfg.AppleID = "you@example.com"
	}
	if ci && cfg.Repository == "" {
		cfg.Repository = "owner/repo"
		cfg.Workflow = "sign.yml"
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Printf("wrote %s; edit it with your Apple ID%s\n", cfg.Home, ciHint(ci))
	return nil
}

func ciHint(ci bool) string {
	if !ci {
		return ""
	}
	return ", github token, repository, and workflow"
}
