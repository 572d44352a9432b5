package reconcile

import (
	"errors"
	"testing"

	"github.com/warpsign-dev/warpsign/internal/model"
)

func baseInput(declared model.EntitlementSet, team *model.TeamContext) Input {
	return Input{
		Declared:           declared,
		OriginalIdentifier: "com.old.app",
		NewIdentifier:      "abc123.com.old.app",
		OriginalRoot:       "com.old.app",
		NewRoot:            "com.old.app",
		Team:               team,
		Cert:               model.CertDevelopment,
		CapabilityMap: map[string]string{
			"com.apple.developer.healthkit": "HealthKit",
			"aps-environment":               "Push Notifications",
		},
	}
}

func TestReconcileStripsGetTaskAllowWithoutPatchDebug(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("get-task-allow", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := res.Entitlements.Get("get-task-allow"); ok {
		t.Fatalf("expected get-task-allow stripped without --patch-debug")
	}
}

func TestReconcileSetsGetTaskAllowWithPatchDebugOnDevelopment(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("get-task-allow", model.EntitlementValue{Kind: model.EntBool, Bool: false})
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	in.Flags.PatchDebug = true
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	v, ok := res.Entitlements.Get("get-task-allow")
	if !ok || !v.Bool {
		t.Fatalf("expected get-task-allow=true with --patch-debug on a development cert")
	}
}

func TestReconcileStripsUnavailableCapability(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.developer.healthkit", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123") // HealthKit not enabled

	in := baseInput(declared, team)
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := res.Entitlements.Get("com.apple.developer.healthkit"); ok {
		t.Fatalf("expected healthkit entitlement stripped when capability is unavailable")
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("expected a warning recorded for the stripped capability")
	}
	if len(res.Mutations) != 0 {
		t.Fatalf("expected no mutation for an unavailable capability, got %+v", res.Mutations)
	}
}

func TestReconcileEnablesAvailableCapability(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.developer.healthkit", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123")
	team.Capabilities[model.Capability("HealthKit")] = true

	in := baseInput(declared, team)
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	v, ok := res.Entitlements.Get("com.apple.developer.healthkit")
	if !ok || !v.Bool {
		t.Fatalf("expected healthkit entitlement kept when the team has the capability")
	}
	if len(res.Mutations) != 1 || res.Mutations[0].Op != OpEnableCapability {
		t.Fatalf("expected one OpEnableCapability mutation, got %+v", res.Mutations)
	}
}

func TestReconcileRequiredCapabilityUnavailableFails(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.developer.healthkit", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123") // HealthKit not enabled

	in := baseInput(declared, team)
	in.Flags.RequireCapabilities = []string{"HealthKit"}
	_, err := Reconcile(in)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestReconcileRequiredCapabilityByEntitlementKey(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.developer.healthkit", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	in.Flags.RequireCapabilities = []string{"com.apple.developer.healthkit"}
	_, err := Reconcile(in)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable for an entitlement-key requirement, got %v", err)
	}
}

func TestReconcileApsEnvironmentFollowsCertKind(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("aps-environment", model.EntitlementValue{Kind: model.EntString, Str: "development"})
	team := model.NewTeamContext("ABC123")
	team.Capabilities[model.Capability("Push Notifications")] = true

	in := baseInput(declared, team)
	in.Cert = model.CertDistribution
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	v, _ := res.Entitlements.Get("aps-environment")
	if v.Str != "production" {
		t.Fatalf("aps-environment = %q, want %q for a distribution cert", v.Str, "production")
	}
}

func TestReconcileRewritesAppGroupsAndRegistersUnknown(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.security.application-groups", model.EntitlementValue{
		Kind: model.EntStringList,
		List: []string{"group.com.old.app.shared"},
	})
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	in.NewRoot = "com.new.app"
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	v, ok := res.Entitlements.Get("com.apple.security.application-groups")
	if !ok || len(v.List) != 1 || v.List[0] != "group.com.new.app.shared" {
		t.Fatalf("application-groups not rewritten: %+v", v)
	}
	if len(res.Mutations) != 1 || res.Mutations[0].Op != OpRegisterAppGroup {
		t.Fatalf("expected one OpRegisterAppGroup mutation, got %+v", res.Mutations)
	}
}

func TestReconcileSkipsMutationForKnownAppGroup(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.security.application-groups", model.EntitlementValue{
		Kind: model.EntStringList,
		List: []string{"group.com.old.app.shared"},
	})
	team := model.NewTeamContext("ABC123")
	team.AppGroups["group.com.old.app.shared"] = &model.AppGroup{Identifier: "group.com.old.app.shared"}

	in := baseInput(declared, team)
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Mutations) != 0 {
		t.Fatalf("expected no mutation for an already-registered app group, got %+v", res.Mutations)
	}
}

func TestReconcileICloudPinned(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.developer.icloud-container-identifiers", model.EntitlementValue{
		Kind: model.EntStringList,
		List: []string{"iCloud.com.old.app"},
	})
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	in.Flags.PinICloudContainers = true
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	v, _ := res.Entitlements.Get("com.apple.developer.icloud-container-identifiers")
	if len(v.List) != 1 || v.List[0] != "iCloud.com.old.app" {
		t.Fatalf("expected iCloud container left as-is when pinned, got %+v", v)
	}
	if len(res.Mutations) != 0 {
		t.Fatalf("expected no mutation when pinned, got %+v", res.Mutations)
	}
}

func TestReconcileUnknownEntitlementStrippedByDefault(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.example.totally-unknown", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := res.Entitlements.Get("com.example.totally-unknown"); ok {
		t.Fatalf("expected unknown entitlement stripped without --pass-through-unknown-entitlements")
	}
}

func TestReconcileUnknownEntitlementPassedThrough(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.example.totally-unknown", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	in.Flags.PassThroughUnknownEntitlements = true
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := res.Entitlements.Get("com.example.totally-unknown"); !ok {
		t.Fatalf("expected unknown entitlement passed through with the flag set")
	}
}

func TestReconcileDerivesApplicationIdentifierAndKeychainGroups(t *testing.T) {
	declared := model.NewEntitlementSet()
	team := model.NewTeamContext("ABC123")

	in := baseInput(declared, team)
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	appID, ok := res.Entitlements.Get("application-identifier")
	if !ok || appID.Str != "ABC123."+in.NewIdentifier {
		t.Fatalf("application-identifier = %+v, want ABC123.%s", appID, in.NewIdentifier)
	}
	teamID, ok := res.Entitlements.Get("com.apple.developer.team-identifier")
	if !ok || teamID.Str != "ABC123" {
		t.Fatalf("team-identifier = %+v, want ABC123", teamID)
	}
	kag, ok := res.Entitlements.Get("keychain-access-groups")
	if !ok || len(kag.List) != 1 || kag.List[0] != "ABC123.*" {
		t.Fatalf("keychain-access-groups = %+v, want [ABC123.*]", kag)
	}
}

func TestReconcileSubstitutesTeamIDPlaceholderInKeychainGroups(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("keychain-access-groups", model.EntitlementValue{
		Kind: model.EntStringList,
		List: []string{"TEAMID.com.old.app"},
	})
	team := model.NewTeamContext("ABC123DEF4")

	in := baseInput(declared, team)
	res, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	kag, ok := res.Entitlements.Get("keychain-access-groups")
	if !ok || len(kag.List) != 2 {
		t.Fatalf("keychain-access-groups = %+v, want prefix + substituted group", kag)
	}
	if kag.List[0] != "ABC123DEF4.*" {
		t.Errorf("kag[0] = %q, want ABC123DEF4.*", kag.List[0])
	}
	if kag.List[1] != "ABC123DEF4.com.old.app" {
		t.Errorf("kag[1] = %q, want the TEAMID placeholder substituted", kag.List[1])
	}
	// the declared set itself must stay untouched (the reconciler is pure)
	orig, _ := declared.Get("keychain-access-groups")
	if orig.List[0] != "TEAMID.com.old.app" {
		t.Fatalf("declared entitlements mutated: %q", orig.List[0])
	}
}

func TestReconcileDeterministic(t *testing.T) {
	declared := model.NewEntitlementSet()
	declared.Set("com.apple.security.application-groups", model.EntitlementValue{
		Kind: model.EntStringList,
		List: []string{"group.com.old.app.a", "group.com.old.app.b"},
	})
	declared.Set("com.apple.developer.healthkit", model.EntitlementValue{Kind: model.EntBool, Bool: true})
	team := model.NewTeamContext("ABC123")
	team.Capabilities[model.Capability("HealthKit")] = true

	in := baseInput(declared, team)
	r1, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	r2, err := Reconcile(in)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(r1.Mutations) != len(r2.Mutations) {
		t.Fatalf("non-deterministic mutation count: %d vs %d", len(r1.Mutations), len(r2.Mutations))
	}
	for i := range r1.Mutations {
		if r1.Mutations[i] != r2.Mutations[i] {
			t.Fatalf("non-deterministic mutation order at %d: %+v vs %+v", i, r1.Mutations[i], r2.Mutations[i])
		}
	}
}
