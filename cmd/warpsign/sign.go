package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/warpsign-dev/warpsign"
	"github.com/warpsign-dev/warpsign/internal/portal"
)

func newSignCmd() *cobra.Command {
	var (
		certFlag     string
		outputFlag   string
		flags        = warpsign.DefaultFlags()
	)

	cmd := &cobra.Command{
		Use:   "sign <ipa>",
		Short: "Run the local re-signing pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cert := warpsign.CertDevelopment
			if strings.EqualFold(certFlag, "distribution") {
				cert = warpsign.CertDistribution
			}
			if err := flags.Validate(cert); err != nil {
				return err
			}
			return runSign(cmd.Context(), args[0], outputFlag, cert, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.ForceOriginalID, "force-original-id", false, "preserve the original bundle identifier (requires a distribution certificate)")
	cmd.Flags().BoolVar(&flags.PatchDebug, "patch-debug", false, "set get-task-allow=true (requires a development certificate)")
	cmd.Flags().BoolVar(&flags.PatchFileSharing, "patch-file-sharing", false, "force UIFileSharingEnabled=true in Info.plist")
	cmd.Flags().BoolVar(&flags.PatchPromotion, "patch-promotion", false, "force the ProMotion 120Hz opt-in plist key")
	cmd.Flags().StringVar(&flags.Icon, "icon", "", "replace the primary app icon asset")
	cmd.Flags().StringVar(&flags.Prefix, "prefix", "", "identifier prefix (default: a deterministic hash of the original root id + team id)")
	cmd.Flags().BoolVar(&flags.ReuseIdentifiers, "reuse-identifiers", true, "update an existing portal identifier whose capabilities fall short of what's required (false: fail with an identifier conflict instead)")
	cmd.Flags().BoolVar(&flags.PassThroughUnknownEntitlements, "pass-through-unknown-entitlements", false, "pass through entitlements the reconciler does not recognise instead of stripping them")
	cmd.Flags().BoolVar(&flags.PinICloudContainers, "pin-icloud-containers", false, "keep declared iCloud container identifiers as-is instead of rewriting them")
	cmd.Flags().StringSliceVar(&flags.RequireCapabilities, "require-capability", nil, "fail instead of stripping when the named capability is unavailable for the team (repeatable)")
	cmd.Flags().IntVar(&flags.Fanout, "fanout", 4, "maximum concurrent portal requests and signer invocations")
	cmd.Flags().StringVar(&flags.TeamID, "team", "", "disambiguate which team to sign with, when the Apple ID belongs to more than one")
	cmd.Flags().StringVar(&flags.Identity, "identity", "", "explicit keychain code signing identity (default: resolved automatically)")
	cmd.Flags().StringVar(&certFlag, "cert", "development", `certificate kind to sign with: "development" or "distribution"`)
	cmd.Flags().StringVar(&outputFlag, "output", "", "output .ipa path (default: <input>-signed.ipa)")

	return cmd
}

func runSign(ctx context.Context, inputPath, outputFlag string, cert warpsign.CertKind, flags warpsign.Flags) error {
	if _, err := os.Stat(inputPath); err != nil {
		return warpsign.E("sign", warpsign.KindUser, fmt.Errorf("reading %s: %w", inputPath, err))
	}

	cfg, password, err := warpsign.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.AppleID == "" {
		return warpsign.E("sign", warpsign.KindUser, fmt.Errorf("no apple_id configured; run `warpsign setup` or set APPLE_ID"))
	}
	if password == "" {
		password, err = promptPassword(cfg.AppleID)
		if err != nil {
			return warpsign.E("sign", warpsign.KindUser, err)
		}
	}

	log, err := newLogger()
	if err != nil {
		return warpsign.E("sign", warpsign.KindUser, err)
	}
	defer log.Sync()

	sink := warpsign.TerminalSink{Write: func(s string) { fmt.Println(s) }}
	client, err := portal.NewClient(cfg.AppleID, password, cfg.SessionPath(cfg.AppleID), promptSecondFactor,
		portal.WithLogger(log),
		portal.WithRetryNotify(func(action string, attempt int) {
			sink.Write(fmt.Sprintf("[portal] retried %s (attempt %d)", action, attempt))
		}))
	if err != nil {
		return warpsign.E("sign", warpsign.KindAuth, err)
	}

	orch := warpsign.NewOrchestrator(cfg, flags, cert)
	orch.Portal = client
	orch.Log = log
	orch.Sink = sink

	outputPath := outputFlag
	if outputPath == "" {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(inputPath, ext) + "-signed" + ext
	}

	if err := orch.Run(ctx, inputPath, outputPath); err != nil {
		return err
	}
	if warnings := orch.Warnings(); len(warnings) > 0 {
		fmt.Println("warnings:")
		for _, w := range warnings {
			fmt.Println("  -", w)
		}
	}
	fmt.Println("signed:", outputPath)
	return nil
}

// promptPassword masks input with golang.org/x/term when APPLE_PASSWORD
// is unset (SPEC_FULL.md section 11's domain stack entry for x/term).
func promptPassword(appleID string) (string, error) {
	fmt.Printf("Apple ID password for %s: ", appleID)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}

// promptSecondFactor implements portal.PromptFunc by reading a line from
// stdin, the caller-supplied prompt callback contract of spec section
// 4.1 step 2.
func promptSecondFactor(mode portal.SecondFactorMode, hint string) (string, error) {
	fmt.Printf("Two-factor code (%s, %s): ", mode, hint)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading two-factor code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
