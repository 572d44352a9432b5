// Package signer resolves and invokes a code signing identity against a
// signed application bundle. The default implementation shells out to the
// system's security and codesign tools, the same collaborators the
// external Signer is built around in spec section 4.6 step 7.
package signer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/warpsign-dev/warpsign/internal/teamid"
)

// FindDeveloperID queries the local keychain for a signing identity,
// preferring "Developer ID Application" / "Apple Distribution" certs and
// falling back to any valid identity. Returns "" if none is installed.
func FindDeveloperID() string {
	output, err := exec.Command("security", "find-identity", "-v", "-p", "codesigning").Output()
	if err != nil {
		return ""
	}
	lines := strings.Split(string(output), "\n")

	for _, line := range lines {
		if strings.Contains(line, "Developer ID Application") || strings.Contains(line, "Apple Distribution") || strings.Contains(line, "iPhone Distribution") {
			if id, ok := quoted(line); ok {
				return id
			}
		}
	}
	for _, line := range lines {
		if strings.Contains(line, "valid identities found") || strings.Contains(line, "invalid") {
			continue
		}
		if id, ok := quoted(line); ok {
			return id
		}
	}
	return ""
}

func quoted(line string) (string, bool) {
	start := strings.Index(line, `"`)
	if start == -1 {
		return "", false
	}
	end := strings.LastIndex(line, `"`)
	if end == -1 || end <= start {
		return "", false
	}
	return line[start+1 : end], true
}

// ValidateIdentity checks that identity is either the ad-hoc marker "-" or
// present in the local keychain.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("empty code signing identity")
	}
	if identity == "-" {
		return nil
	}
	output, err := exec.Command("security", "find-identity", "-v", "-p", "codesigning").Output()
	if err != nil {
		return fmt.Errorf("querying keychain: %w", err)
	}
	if !strings.Contains(string(output), identity) {
		return fmt.Errorf("code signing identity not found in keychain: %s", identity)
	}
	return nil
}

// ExtractTeamIDFromCertificate pulls the 10-character team id out of a
// certificate identity string, e.g. "Apple Distribution: Acme Inc (ABC123DEF4)".
func ExtractTeamIDFromCertificate(identity string) string {
	start := strings.LastIndex(identity, "(")
	end := strings.LastIndex(identity, ")")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	id := identity[start+1 : end]
	if teamid.IsValidTeamID(id) {
		return id
	}
	return ""
}

// VerifySignature deep-verifies bundlePath's code signature, the
// post-check ExecSigner.Verify runs after each signing invocation.
func VerifySignature(ctx context.Context, bundlePath string) error {
	output, err := exec.CommandContext(ctx, "codesign", "--verify", "--deep", "--strict", bundlePath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("signature verification failed: %w\noutput: %s", err, output)
	}
	return nil
}
