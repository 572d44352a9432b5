// Package model holds the data model of spec section 3 (Archive, AppBundle,
// Entitlement, TeamContext, SigningPlan, Session). It is split out
// of the root package so internal/reconcile (which must see TeamContext and
// EntitlementSet) does not import the package that in turn imports it;
// the root package re-exports everything here as type aliases, so callers
// outside this module never see internal/model directly.
package model

import "time"

// BundleKind classifies an AppBundle by its role in the archive tree.
type BundleKind string

const (
	KindApp       BundleKind = "app"
	KindExtension BundleKind = "extension"
	KindFramework BundleKind = "framework"
	KindWatchApp  BundleKind = "watchapp"
	KindAppClip   BundleKind = "appclip"
	KindDylib     BundleKind = "dylib"
	KindPlugin    BundleKind = "plugin"
)

// Archive is the outer .ipa container. The core is opaque to its file-tree
// shape beyond locating exactly one root AppBundle.
type Archive struct {
	Path       string
	ScratchDir string
	Root       int // index into Bundles
	Bundles    []*AppBundle
}

// AppBundle is a directory tree holding an executable, an Info.plist, zero
// or more nested bundles, resources, and a derived entitlements image.
// Nested bundles are referenced by index into Archive.Bundles, not by
// pointer, so the tree carries no cyclic references (see DESIGN.md, arena
// + index).
type AppBundle struct {
	Path               string
	OriginalIdentifier string
	DisplayName        string
	ExecutablePath     string
	Kind               BundleKind
	Entitlements       EntitlementSet
	Children           []int // indices into Archive.Bundles
	Parent             int   // -1 for root
}

// EntitlementValueKind tags the dynamic type of an EntitlementValue.
type EntitlementValueKind int

const (
	EntBool EntitlementValueKind = iota
	EntString
	EntStringList
	EntMapping
)

// EntitlementValue is the value half of an Entitlement key/value pair.
// Exactly one field is meaningful, selected by Kind.
type EntitlementValue struct {
	Kind    EntitlementValueKind
	Bool    bool
	Str     string
	List    []string
	Mapping map[string]any
}

// EntitlementClass is the reconciler's classification of an entitlement key.
type EntitlementClass int

const (
	ClassFree EntitlementClass = iota
	ClassCapabilityGated
	ClassIdentifierCoupled
)

// EntitlementSet is an ordered map of entitlement key to value, preserving
// first-seen order the way the plist codec's Dict does.
type EntitlementSet struct {
	keys   []string
	values map[string]EntitlementValue
}

// NewEntitlementSet returns an empty, ready-to-use EntitlementSet.
func NewEntitlementSet() EntitlementSet {
	return EntitlementSet{values: make(map[string]EntitlementValue)}
}

// Set inserts or replaces the value for key, appending to the order if new.
func (s *EntitlementSet) Set(key string, v EntitlementValue) {
	if s.values == nil {
		s.values = make(map[string]EntitlementValue)
	}
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = v
}

// Delete removes key, no-op if absent.
func (s *EntitlementSet) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

// Get returns the value for key and whether it was present.
func (s *EntitlementSet) Get(key string) (EntitlementValue, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the keys in first-seen order.
func (s *EntitlementSet) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len reports the number of entries.
func (s *EntitlementSet) Len() int { return len(s.keys) }

// Capability is an Apple-defined feature toggle on an Identifier.
type Capability string

// CertKind distinguishes development from distribution certificates.
type CertKind string

const (
	CertDevelopment  CertKind = "development"
	CertDistribution CertKind = "distribution"
)

// Cert is a certificate registered to a team.
type Cert struct {
	Serial      string
	Fingerprint string
	Kind        CertKind
	Expiry      time.Time
}

// Identifier is a portal-registered bundle identifier and its capabilities.
type Identifier struct {
	ID           string // portal-assigned opaque id
	BundleID     string
	Name         string
	Capabilities map[Capability]bool
}

// AppGroup is a portal-registered application group.
type AppGroup struct {
	ID         string
	Identifier string
	Name       string
}

// ICloudContainer is a portal-registered iCloud container identifier.
type ICloudContainer struct {
	ID         string
	Identifier string
}

// Device is a portal-registered test device.
type Device struct {
	ID   string
	UDID string
	Name string
}

// ProfileKind distinguishes development/distribution provisioning.
type ProfileKind string

const (
	ProfileDevelopment  ProfileKind = "development"
	ProfileDistribution ProfileKind = "distribution"
)

// Profile is a portal-issued provisioning profile: a signed blob binding an
// identifier, certificate, and device set.
type Profile struct {
	ID         string
	Identifier string
	CertSerial string
	DeviceIDs  []string
	Kind       ProfileKind
	DER        []byte // the mobileprovision bytes as returned by the portal
}

// TeamContext is the authenticated team: a cache of the portal's state for
// this run, mutated only through the Portal Client's typed operations.
type TeamContext struct {
	TeamID       string
	Certs        []Cert
	Capabilities map[Capability]bool
	Identifiers  map[string]*Identifier // keyed by bundle id
	AppGroups    map[string]*AppGroup   // keyed by group identifier
	Containers   map[string]*ICloudContainer
	Devices      []Device
	Profiles     map[string]*Profile // keyed by identifier
}

// NewTeamContext returns an empty, ready-to-use TeamContext for teamID.
func NewTeamContext(teamID string) *TeamContext {
	return &TeamContext{
		TeamID:       teamID,
		Capabilities: make(map[Capability]bool),
		Identifiers:  make(map[string]*Identifier),
		AppGroups:    make(map[string]*AppGroup),
		Containers:   make(map[string]*ICloudContainer),
		Profiles:     make(map[string]*Profile),
	}
}

// MachORewrite describes one identifier-string patch applied to a binary.
type MachORewrite struct {
	SliceOffset int64
	SectionName string
	Old, New    string
}

// SigningPlan is the derived, per-AppBundle signing intent.
type SigningPlan struct {
	BundleIndex   int
	NewIdentifier string
	Entitlements  EntitlementSet
	ProfileID     string
	Rewrites      []MachORewrite
}

// Cookie mirrors a single persisted HTTP cookie (domain, path, expiry kept
// explicitly because net/http/cookiejar has no public serialization form).
type Cookie struct {
	Name, Value  string
	Domain, Path string
	Expires      time.Time
	Secure       bool
}

// Session is the persisted opaque credential for the Developer Portal.
type Session struct {
	AppleID      string
	DSID         string
	CKBaseURL    string
	SessionToken string
	TrustToken   string
	Scnt         string
	SessionID    string
	WidgetToken  string
	Cookies      []Cookie
	CreatedAt    time.Time
}

