// Package warpsign re-signs iOS application archives for a caller-supplied
// Apple Developer team: it authenticates against the Developer Portal,
// reconciles entitlements against the team's enabled capabilities, rewrites
// embedded Mach-O images and property lists to new identifiers, and drives
// an external code-signing tool over the result.
package warpsign

import "github.com/warpsign-dev/warpsign/internal/model"

// The data model of spec section 3 lives in internal/model so that
// internal/reconcile can depend on it without creating an import cycle
// back through this package (internal/reconcile needs EntitlementSet and
// TeamContext; this package needs internal/reconcile for Orchestrator.Run).
// Everything below is a type alias, so callers of this package see the
// same identifiers and method sets as before the split.
type (
	BundleKind           = model.BundleKind
	Archive              = model.Archive
	AppBundle            = model.AppBundle
	EntitlementValueKind = model.EntitlementValueKind
	EntitlementValue     = model.EntitlementValue
	EntitlementClass     = model.EntitlementClass
	EntitlementSet       = model.EntitlementSet
	Capability           = model.Capability
	CertKind             = model.CertKind
	Cert                 = model.Cert
	Identifier           = model.Identifier
	AppGroup             = model.AppGroup
	ICloudContainer      = model.ICloudContainer
	Device               = model.Device
	ProfileKind          = model.ProfileKind
	Profile              = model.Profile
	TeamContext          = model.TeamContext
	MachORewrite         = model.MachORewrite
	SigningPlan          = model.SigningPlan
	Cookie               = model.Cookie
	Session              = model.Session
)

const (
	KindApp       = model.KindApp
	KindExtension = model.KindExtension
	KindFramework = model.KindFramework
	KindWatchApp  = model.KindWatchApp
	KindAppClip   = model.KindAppClip
	KindDylib     = model.KindDylib
	KindPlugin    = model.KindPlugin

	EntBool       = model.EntBool
	EntString     = model.EntString
	EntStringList = model.EntStringList
	EntMapping    = model.EntMapping

	ClassFree              = model.ClassFree
	ClassCapabilityGated   = model.ClassCapabilityGated
	ClassIdentifierCoupled = model.ClassIdentifierCoupled

	CertDevelopment  = model.CertDevelopment
	CertDistribution = model.CertDistribution

	ProfileDevelopment  = model.ProfileDevelopment
	ProfileDistribution = model.ProfileDistribution
)

// NewEntitlementSet returns an empty, ready-to-use EntitlementSet.
func NewEntitlementSet() EntitlementSet { return model.NewEntitlementSet() }

// NewTeamContext returns an empty, ready-to-use TeamContext for teamID.
func NewTeamContext(teamID string) *TeamContext { return model.NewTeamContext(teamID) }
