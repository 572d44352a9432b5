package warpsign

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the settings loaded from config.toml, overridden by
// environment variables and CLI flags.
type Config struct {
	AppleID      string `toml:"apple_id"`
	GithubToken  string `toml:"github_token"`
	Repository   string `toml:"repository"`
	Workflow     string `toml:"workflow"`
	Prefix       string `toml:"prefix"`

	// Home is not a TOML key; it is resolved from WARPSIGN_HOME or the
	// default <user-home>/.warpsign before the file is read.
	Home string `toml:"-"`

	// CapabilityMap maps an entitlement key to the capability name the
	// portal uses to gate it. Kept configurable rather than hard-coded
	// since Apple's capability list is versioned and changes over time.
	CapabilityMap map[string]string `toml:"capability_map"`
}

// DefaultCapabilityMap is the built-in entitlement-key -> capability table
// from the capability-gated entitlement list. Config.CapabilityMap
// starts as a copy of this and callers may add to or override it.
func DefaultCapabilityMap() map[string]string {
	return map[string]string{
		"aps-environment":                                 "push",
		"com.apple.developer.icloud-services":             "icloud",
		"com.apple.developer.networking.HotspotConfiguration": "hotspot",
		"com.apple.developer.nfc.readersession.formats":   "nfc",
		"com.apple.developer.healthkit":                   "health",
		"com.apple.developer.homekit":                     "homekit",
		"com.apple.developer.siri":                        "siri",
		"com.apple.developer.in-app-payments":             "wallet",
		"com.apple.developer.game-center":                 "game-center",
		"com.apple.developer.in-app-payments.apple-pay":   "apple-pay",
		"com.apple.developer.associated-domains":          "associated-domains",
		"com.apple.security.application-groups":           "group-communication",
		"com.apple.developer.networking.multipath":        "multipath",
		"com.apple.developer.networking.networkextension": "network-extension",
		"com.apple.developer.networking.vpn.api":          "personal-vpn",
		"com.apple.developer.networking.vpn":               "vpn",
		"inter-app-audio":                                 "inter-app-audio",
		"com.apple.developer.authentication-services.autofill-credential-provider": "autofill-credential-provider",
		"com.apple.developer.ClassKit-environment":        "classkit",
		"com.apple.developer.kernel.extended-virtual-addressing": "extended-virtual-addressing",
		"com.apple.developer.family-controls":             "family-controls",
		"com.apple.developer.driverkit":                   "driverkit",
	}
}

// DefaultConfig returns a Config with built-in defaults and no file/env
// values applied yet.
func DefaultConfig() *Config {
	return &Config{
		CapabilityMap: DefaultCapabilityMap(),
	}
}

// resolveHome returns WARPSIGN_HOME if set, else <user-home>/.warpsign.
func resolveHome() (string, error) {
	if h := os.Getenv("WARPSIGN_HOME"); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", E("resolveHome", KindUser, err)
	}
	return filepath.Join(home, ".warpsign"), nil
}

// LoadConfig reads <home>/config.toml (if present), applies
// APPLE_ID/APPLE_PASSWORD env overrides, and returns the result.
// A missing file is not an error here; the caller (cmd/warpsign) is
// responsible for telling the user to run "setup" when required keys
// are absent for the subcommand they invoked.
func LoadConfig() (*Config, string, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, "", err
	}
	cfg := DefaultConfig()
	cfg.Home = home

	path := filepath.Join(home, "config.toml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if decErr := toml.Unmarshal(data, cfg); decErr != nil {
			return nil, "", E("LoadConfig", KindUser, fmt.Errorf("parsing %s: %w", path, decErr))
		}
	case os.IsNotExist(err):
		// fine; caller decides whether this subcommand requires it
	default:
		return nil, "", E("LoadConfig", KindUser, err)
	}

	if cfg.CapabilityMap == nil {
		cfg.CapabilityMap = DefaultCapabilityMap()
	}
	cfg.Home = home

	appleID := os.Getenv("APPLE_ID")
	if appleID != "" {
		cfg.AppleID = appleID
	}
	return cfg, os.Getenv("APPLE_PASSWORD"), nil
}

// Save writes cfg to <home>/config.toml atomically (write-to-temp+rename),
// creating the home directory with mode 0700 if needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Home, 0o700); err != nil {
		return E("Config.Save", KindUser, err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return E("Config.Save", KindUser, err)
	}
	path := filepath.Join(c.Home, "config.toml")
	tmp, err := os.CreateTemp(c.Home, "config.toml.tmp-*")
	if err != nil {
		return E("Config.Save", KindUser, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return E("Config.Save", KindUser, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return E("Config.Save", KindUser, err)
	}
	if err := tmp.Close(); err != nil {
		return E("Config.Save", KindUser, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return E("Config.Save", KindUser, err)
	}
	return nil
}

// CertPath returns the path to the p12 certificate for the given kind.
func (c *Config) CertPath(kind CertKind) string {
	return filepath.Join(c.Home, "certificates", string(kind), "cert.p12")
}

// CertPassPath returns the path to the certificate's password file.
func (c *Config) CertPassPath(kind CertKind) string {
	return filepath.Join(c.Home, "certificates", string(kind), "cert_pass.txt")
}

// SessionPath returns the path to the persisted session file for appleID.
func (c *Config) SessionPath(appleID string) string {
	return filepath.Join(c.Home, "sessions", appleID+".session")
}

// Flags mirrors the `sign` subcommand's flags, decoupled
// from the cobra/pflag types so the orchestrator and reconciler can be
// exercised without a CLI in tests.
type Flags struct {
	ForceOriginalID                bool
	PatchDebug                     bool
	PatchFileSharing                bool
	PatchPromotion                  bool
	Icon                            string
	Prefix                          string
	ReuseIdentifiers                bool
	PassThroughUnknownEntitlements bool
	PinICloudContainers             bool
	Fanout                          int

	// RequireCapabilities lists capabilities (by portal name or
	// entitlement key) that must be available on the team; the run fails
	// with CapabilityUnavailable instead of stripping them when absent.
	RequireCapabilities []string

	// TeamID disambiguates which team to sign with when the Apple ID
	// belongs to more than one (otherwise a user error, ErrTeamAmbiguous).
	TeamID string
	// Identity is an explicit keychain code signing identity string; when
	// empty the Signer resolves the best match itself (see
	// internal/signer.ResolveIdentity). Importing a .p12 into the
	// keychain is out of scope here (spec section 1's Non-goals).
	Identity string
}

// DefaultFlags returns the documented defaults: reuse identifiers across
// runs, fan-out of 4 concurrent portal/signer calls.
func DefaultFlags() Flags {
	return Flags{
		ReuseIdentifiers: true,
		Fanout:           4,
	}
}

// Validate rejects flag combinations that cannot both hold: for
// instance --force-original-id with a non-distribution certificate.
func (f Flags) Validate(cert CertKind) error {
	if f.ForceOriginalID && cert != CertDistribution {
		return E("Flags.Validate", KindUser, fmt.Errorf("%w: --force-original-id requires a distribution certificate", ErrContradictoryFlags))
	}
	if f.PatchDebug && cert != CertDevelopment {
		return E("Flags.Validate", KindUser, fmt.Errorf("%w: --patch-debug requires a development certificate", ErrContradictoryFlags))
	}
	return nil
}
