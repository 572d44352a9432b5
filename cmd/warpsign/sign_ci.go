package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/warpsign-dev/warpsign"
)

// newSignCICmd wires the boundary contract to the external CI
// orchestrator named in spec.md section 1's Non-goals: this command only
// triggers the remote run (a single workflow_dispatch-shaped request) and
// returns; the orchestrator itself, its file-transfer providers, and its
// status polling are out of scope for this core.
func newSignCICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign-ci <ipa>",
		Short: "Hand off signing to the configured external CI collaborator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignCI(args[0])
		},
	}
}

func runSignCI(ipaPath string) error {
	cfg, _, err := warpsign.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.GithubToken == "" || cfg.Repository == "" || cfg.Workflow == "" {
		return warpsign.E("sign-ci", warpsign.KindUser, fmt.Errorf("github_token, repository, and workflow must be set in config.toml for sign-ci"))
	}

	body, err := json.Marshal(map[string]any{
		"ref":    "main",
		"inputs": map[string]string{"ipa": ipaPath},
	})
	if err != nil {
		return warpsign.E("sign-ci", warpsign.KindUser, err)
	}

	url := fmt.Sprintf("https://api.github.com/repos/%s/actions/workflows/%s/dispatches", cfg.Repository, cfg.Workflow)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return warpsign.E("sign-ci", warpsign.KindUser, err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.GithubToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return warpsign.E("sign-ci", warpsign.KindPortal, fmt.Errorf("dispatching workflow: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return warpsign.E("sign-ci", warpsign.KindPortal, fmt.Errorf("dispatching workflow: status %d", resp.StatusCode))
	}

	fmt.Println("dispatched", cfg.Workflow, "on", cfg.Repository)
	fmt.Println("progress and file transfer are handled by the CI run itself; this command does not poll for completion")
	return nil
}
