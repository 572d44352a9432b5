// Package reconcile implements the Entitlement Reconciler of spec section
// 4.2: given an app bundle's declared entitlements, the enclosing team's
// capabilities, and the caller's flags, it computes the signable
// entitlement set and the list of Developer Portal mutations that must
// succeed before signing begins. Grounded on the teacher's
// internal/plist/entitlements.go permission taxonomy and
// internal/bundle/profile.go ProfileEntitlements/deriveStringEntitlements
// fallback derivation, reworked into a pure function (no I/O, per spec
// section 4.2) over internal/model's ordered EntitlementSet. This package
// imports internal/model rather than the root package so the root
// package's Orchestrator can import this package without an import cycle.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/warpsign-dev/warpsign/internal/model"
	"github.com/warpsign-dev/warpsign/internal/teamid"
)

// ErrCapabilityUnavailable is returned when a capability the caller
// explicitly required is not enabled for the team; the default policy
// for an unrequired capability is strip-with-warning instead.
var ErrCapabilityUnavailable = errors.New("required capability unavailable for team")

// Flags carries the subset of the root package's sign Flags the
// reconciler's decisions depend on, so this package need not import the
// root package (which imports this one) just to read a few fields.
type Flags struct {
	PatchDebug                     bool
	PinICloudContainers            bool
	PassThroughUnknownEntitlements bool

	// RequireCapabilities lists capability names (or their entitlement
	// keys) that must be available on the team; an unavailable required
	// capability fails the run with ErrCapabilityUnavailable instead of
	// being stripped.
	RequireCapabilities []string
}

func (f Flags) requires(name string) bool {
	for _, r := range f.RequireCapabilities {
		if r == name {
			return true
		}
	}
	return false
}

// MutationOp names one kind of required TeamContext mutation the
// orchestrator must apply through the Portal Client before signing.
type MutationOp string

const (
	OpEnableCapability    MutationOp = "enable_capability"
	OpRegisterAppGroup    MutationOp = "register_app_group"
	OpRegisterICloud      MutationOp = "register_icloud_container"
)

// Mutation is one required TeamContext change, returned alongside the
// resolved entitlements so the orchestrator can apply it through the
// Portal Client and only then proceed to signing (spec section 4.2: "must
// succeed before signing begins").
type Mutation struct {
	Op         MutationOp
	Identifier string // the bundle identifier the mutation applies to
	Capability string // set for OpEnableCapability
	GroupID    string // set for OpRegisterAppGroup / OpRegisterICloud
	GroupName  string
}

// Input is everything the reconciler needs for one AppBundle.
type Input struct {
	Declared           model.EntitlementSet
	OriginalIdentifier string // this bundle's original bundle id
	NewIdentifier      string // this bundle's already-allocated new id
	OriginalRoot       string // the archive root's original bundle id
	NewRoot            string // the archive root's new bundle id
	Team               *model.TeamContext
	Cert               model.CertKind
	Flags              Flags
	CapabilityMap      map[string]string // entitlement key -> capability name
}

// Result is the reconciler's pure output: the revised entitlement set,
// the portal mutations it requires, and human-readable warnings for
// stripped or reused entries (spec section 7: "Warnings ... are
// collected and printed in a summary section at the end of the run").
type Result struct {
	Entitlements model.EntitlementSet
	Mutations    []Mutation
	Warnings     []string
}

// alwaysStripped are the entitlement keys spec section 4.2 strips
// unconditionally from the declared set before re-deriving them;
// get-task-allow has its own conditional handling above this check, and
// application-identifier/team-identifier/keychain-access-groups are
// re-derived rather than simply dropped (see deriveEntitlements).
var alwaysStripped = map[string]bool{
	"application-identifier":              true,
	"com.apple.developer.team-identifier": true,
	"keychain-access-groups":              true,
}

// identifierCoupledKeys lists entitlement keys whose values reference a
// portal-registered identifier rather than carrying free-form data (spec
// section 3: "identifier-coupled" class; section 4.2's "Identifier-coupled
// rewriting").
var identifierCoupledKeys = map[string]bool{
	"com.apple.security.application-groups":              true,
	"com.apple.developer.icloud-container-identifiers":   true,
	"com.apple.developer.ubiquity-container-identifiers": true,
	"com.apple.developer.associated-application-groups":  true,
}

// Reconcile computes the signable entitlement set for one bundle and the
// portal mutations required to support it. Deterministic: the same Input
// always yields an equal Result (spec section 8, "Reconciler
// determinism").
func Reconcile(in Input) (Result, error) {
	res := Result{Entitlements: model.NewEntitlementSet()}

	for _, key := range in.Declared.Keys() {
		val, _ := in.Declared.Get(key)

		if key == "get-task-allow" {
			if in.Flags.PatchDebug && in.Cert == model.CertDevelopment {
				res.Entitlements.Set(key, model.EntitlementValue{Kind: model.EntBool, Bool: true})
			}
			continue
		}
		if alwaysStripped[key] {
			continue
		}

		if capName, gated := in.CapabilityMap[key]; gated {
			enabled := in.Team != nil && in.Team.Capabilities[model.Capability(capName)]
			if !enabled {
				if in.Flags.requires(capName) || in.Flags.requires(key) {
					return Result{}, fmt.Errorf("%w: %s (entitlement %s)", ErrCapabilityUnavailable, capName, key)
				}
				res.Warnings = append(res.Warnings, fmt.Sprintf("stripped %s: capability %q not enabled for team", key, capName))
				continue
			}
			res.Mutations = append(res.Mutations, Mutation{
				Op:         OpEnableCapability,
				Identifier: in.NewIdentifier,
				Capability: capName,
			})
			if key == "aps-environment" {
				env := "production"
				if in.Cert == model.CertDevelopment {
					env = "development"
				}
				res.Entitlements.Set(key, model.EntitlementValue{Kind: model.EntString, Str: env})
				continue
			}
			res.Entitlements.Set(key, val)
			continue
		}

		if identifierCoupledKeys[key] {
			rewritten, muts := rewriteIdentifierCoupled(key, val, in)
			res.Entitlements.Set(key, rewritten)
			res.Mutations = append(res.Mutations, muts...)
			continue
		}

		if key == "com.apple.developer.icloud-services" && !in.Flags.PinICloudContainers {
			// free: CloudKit/CloudDocuments service selectors, no identifier
			res.Entitlements.Set(key, val)
			continue
		}

		if !knownFreeKey(key) {
			if !in.Flags.PassThroughUnknownEntitlements {
				res.Warnings = append(res.Warnings, fmt.Sprintf("stripped unknown entitlement %s (pass-through not requested)", key))
				continue
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("passed through unknown entitlement %s", key))
		}
		res.Entitlements.Set(key, val)
	}

	// --patch-debug on a development certificate sets get-task-allow even
	// when the app did not declare it.
	if in.Flags.PatchDebug && in.Cert == model.CertDevelopment {
		res.Entitlements.Set("get-task-allow", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	}

	deriveEntitlements(&res, in)

	sort.Slice(res.Mutations, func(i, j int) bool {
		if res.Mutations[i].Identifier != res.Mutations[j].Identifier {
			return res.Mutations[i].Identifier < res.Mutations[j].Identifier
		}
		if res.Mutations[i].Op != res.Mutations[j].Op {
			return res.Mutations[i].Op < res.Mutations[j].Op
		}
		return res.Mutations[i].GroupID+res.Mutations[i].Capability < res.Mutations[j].GroupID+res.Mutations[j].Capability
	})
	return res, nil
}

// deriveEntitlements sets application-identifier, team-identifier, and
// keychain-access-groups per spec section 4.2's "Derived entitlements".
func deriveEntitlements(res *Result, in Input) {
	teamID := ""
	if in.Team != nil {
		teamID = in.Team.TeamID
	}
	res.Entitlements.Set("application-identifier", model.EntitlementValue{
		Kind: model.EntString,
		Str:  teamID + "." + in.NewIdentifier,
	})
	res.Entitlements.Set("com.apple.developer.team-identifier", model.EntitlementValue{
		Kind: model.EntString,
		Str:  teamID,
	})

	groups := []string{}
	if existing, ok := in.Declared.Get("keychain-access-groups"); ok && existing.Kind == model.EntStringList {
		groups = append(groups, existing.List...)
	}
	teamid.SubstituteTeamIDInGroups(groups, teamID)
	prefix := teamID + ".*"
	found := false
	for _, g := range groups {
		if g == prefix {
			found = true
			break
		}
	}
	if !found {
		groups = append([]string{prefix}, groups...)
	}
	res.Entitlements.Set("keychain-access-groups", model.EntitlementValue{Kind: model.EntStringList, List: groups})
}

// rewriteIdentifierCoupled rewrites every string in val (a string or
// string-list entitlement value): app-group strings that reference
// in.OriginalRoot have it replaced with in.NewRoot, and iCloud container
// entries are each replaced with "iCloud.<in.NewRoot>" unless
// PinICloudContainers is set. It returns the portal mutation required
// to register the referenced group/container if it is not already known
// to the team (spec section 4.2).
func rewriteIdentifierCoupled(key string, val model.EntitlementValue, in Input) (model.EntitlementValue, []Mutation) {
	var muts []Mutation
	rewriteOne := func(s string) string {
		return rewriteIdentifierString(key, s, in, &muts)
	}

	switch val.Kind {
	case model.EntString:
		return model.EntitlementValue{Kind: model.EntString, Str: rewriteOne(val.Str)}, muts
	case model.EntStringList:
		out := make([]string, len(val.List))
		for i, s := range val.List {
			out[i] = rewriteOne(s)
		}
		return model.EntitlementValue{Kind: model.EntStringList, List: out}, muts
	default:
		return val, nil
	}
}

func rewriteIdentifierString(key, s string, in Input, muts *[]Mutation) string {
	if key == "com.apple.developer.icloud-container-identifiers" ||
		key == "com.apple.developer.ubiquity-container-identifiers" {
		if in.Flags.PinICloudContainers {
			return s
		}
		newID := "iCloud." + in.NewRoot
		registered := in.Team != nil && in.Team.Containers[newID] != nil
		if !registered {
			*muts = append(*muts, Mutation{Op: OpRegisterICloud, Identifier: in.NewIdentifier, GroupID: newID})
		}
		return newID
	}

	// com.apple.security.application-groups / associated-application-groups:
	// groups are named "group.<reverse-dns>"; rewrite the original root's
	// bundle id fragment, if present, to the new root identifier.
	rewritten := s
	if in.OriginalRoot != "" && strings.Contains(s, in.OriginalRoot) {
		rewritten = strings.ReplaceAll(s, in.OriginalRoot, in.NewRoot)
	}
	registered := in.Team != nil && in.Team.AppGroups[rewritten] != nil
	if !registered {
		*muts = append(*muts, Mutation{Op: OpRegisterAppGroup, Identifier: in.NewIdentifier, GroupID: rewritten, GroupName: rewritten})
	}
	return rewritten
}

// knownFreeKey reports whether key is recognised as "free": it needs no
// portal coordination and is simply copied or stripped as-is (spec
// section 3's third entitlement class).
func knownFreeKey(key string) bool {
	switch key {
	case "com.apple.developer.ubiquity-kvstore-identifier",
		"com.apple.developer.default-data-protection",
		"com.apple.developer.networking.wifi-info",
		"com.apple.external-accessory.wireless-configuration",
		"com.apple.developer.usernotifications.time-sensitive",
		"com.apple.developer.usernotifications.communication",
		"com.apple.developer.user-management",
		"com.apple.developer.pass-type-identifiers":
		return true
	}
	return false
}
