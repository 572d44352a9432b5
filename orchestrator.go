package warpsign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warpsign-dev/warpsign/internal/archive"
	"github.com/warpsign-dev/warpsign/internal/identifier"
	"github.com/warpsign-dev/warpsign/internal/macho"
	"github.com/warpsign-dev/warpsign/internal/plist"
	"github.com/warpsign-dev/warpsign/internal/portal"
	"github.com/warpsign-dev/warpsign/internal/reconcile"
	"github.com/warpsign-dev/warpsign/internal/signer"
)

// Orchestrator drives the sign pipeline end to end (spec section 4.6):
// unpack -> inventory -> reconcile -> mutate -> rewrite -> sign -> repack.
// Grounded on the teacher's bundle/bundle.go Creator.Create pipeline shape
// (interface-injected collaborators, ctx-aware), generalized from single-
// bundle creation to a whole archive tree and given an explicit logger
// field rather than the teacher's package-level debug tracing (spec
// section 9's module-singleton redesign flag).
type Orchestrator struct {
	Config *Config
	Flags  Flags
	Cert   CertKind

	// Portal is nil when the caller supplies Team directly, letting the
	// reconciler/identifier/idempotence properties (spec section 8) be
	// exercised without any network access.
	Portal *portal.Client
	Team   *TeamContext

	Signer signer.Signer
	Sink   ProgressSink
	Log    *zap.Logger

	teamMu sync.Mutex

	warnMu   sync.Mutex
	warnings []string
}

// Warnings returns the warnings collected during the last Run (stripped
// entitlements, reused identifiers), for the end-of-run summary.
func (o *Orchestrator) Warnings() []string {
	o.warnMu.Lock()
	defer o.warnMu.Unlock()
	return append([]string(nil), o.warnings...)
}

func (o *Orchestrator) warn(ws ...string) {
	o.warnMu.Lock()
	o.warnings = append(o.warnings, ws...)
	o.warnMu.Unlock()
}

// NewOrchestrator returns an Orchestrator with sane defaults for any
// field the caller leaves zero.
func NewOrchestrator(cfg *Config, flags Flags, cert CertKind) *Orchestrator {
	return &Orchestrator{
		Config: cfg,
		Flags:  flags,
		Cert:   cert,
		Signer: signer.NewExecSigner(),
		Sink:   NopSink{},
		Log:    zap.NewNop(),
	}
}

func (o *Orchestrator) progress(phase Phase, current, total int, detail string) {
	if o.Sink == nil {
		return
	}
	o.Sink.Progress(Event{Phase: phase, Current: current, Total: total, Detail: detail})
}

func (o *Orchestrator) fanout() int {
	if o.Flags.Fanout > 0 {
		return o.Flags.Fanout
	}
	return 4
}

// Run signs archivePath per o.Flags/o.Cert and writes the result to
// outPath. Cancelling ctx abandons in-flight portal/signer calls and
// removes the scratch directory; any portal state already created is not
// rolled back (spec section 5).
func (o *Orchestrator) Run(ctx context.Context, archivePath, outPath string) error {
	if err := o.Flags.Validate(o.Cert); err != nil {
		return err
	}
	o.warnMu.Lock()
	o.warnings = nil
	o.warnMu.Unlock()

	scratch, err := os.MkdirTemp("", "warpsign-*")
	if err != nil {
		return E("Orchestrator.Run", KindUser, err)
	}
	defer os.RemoveAll(scratch)

	o.progress(PhaseUnpack, 0, 1, archivePath)
	if err := archive.Unpack(archivePath, scratch); err != nil {
		return E("Orchestrator.Run", KindUser, err)
	}
	if err := ctx.Err(); err != nil {
		return E("Orchestrator.Run", KindUser, err)
	}

	o.progress(PhaseInventory, 0, 1, "")
	tree, err := archive.Inventory(scratch)
	if err != nil {
		return o.wrapInventoryErr(err)
	}

	a := &Archive{Path: archivePath, ScratchDir: scratch}
	if err := o.loadBundles(a, tree); err != nil {
		return err
	}

	o.progress(PhaseAuth, 0, 1, "")
	if err := o.ensureTeam(ctx); err != nil {
		return err
	}

	prefix := o.Flags.Prefix
	if prefix == "" && o.Config != nil {
		prefix = o.Config.Prefix
	}
	if prefix == "" {
		prefix = defaultPrefix(a.Bundles[a.Root].OriginalIdentifier, o.Team.TeamID)
	}

	plans := make([]*SigningPlan, len(a.Bundles))
	if err := o.allocateIdentifiers(a, prefix, plans); err != nil {
		return err
	}

	var allMutations []reconcile.Mutation
	o.progress(PhaseReconcile, 0, len(a.Bundles), "")
	for i, b := range a.Bundles {
		res, err := reconcile.Reconcile(reconcile.Input{
			Declared:           b.Entitlements,
			OriginalIdentifier: b.OriginalIdentifier,
			NewIdentifier:      plans[i].NewIdentifier,
			OriginalRoot:       a.Bundles[a.Root].OriginalIdentifier,
			NewRoot:            plans[a.Root].NewIdentifier,
			Team:               o.Team,
			Cert:               o.Cert,
			Flags: reconcile.Flags{
				PatchDebug:                     o.Flags.PatchDebug,
				PinICloudContainers:            o.Flags.PinICloudContainers,
				PassThroughUnknownEntitlements: o.Flags.PassThroughUnknownEntitlements,
				RequireCapabilities:            o.Flags.RequireCapabilities,
			},
			CapabilityMap: o.Config.CapabilityMap,
		})
		if err != nil {
			if errors.Is(err, reconcile.ErrCapabilityUnavailable) {
				return E("Orchestrator.Run", KindPortal, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err))
			}
			return E("Orchestrator.Run", KindBundle, err)
		}
		plans[i].Entitlements = res.Entitlements
		allMutations = append(allMutations, res.Mutations...)
		o.warn(res.Warnings...)
		o.progress(PhaseReconcile, i+1, len(a.Bundles), b.Path)
	}

	o.progress(PhaseMutate, 0, 1, "")
	if err := o.applyMutations(ctx, allMutations); err != nil {
		return err
	}
	if err := o.materializeProfiles(ctx, a, plans); err != nil {
		return err
	}

	if err := o.rewriteBundles(ctx, a, plans); err != nil {
		return err
	}

	if err := o.signBundles(ctx, a, plans); err != nil {
		return err
	}

	o.progress(PhaseRepack, 0, 1, outPath)
	if err := archive.Repack(scratch, outPath); err != nil {
		return E("Orchestrator.Run", KindUser, err)
	}

	for _, w := range o.Warnings() {
		o.Log.Warn(w)
	}
	return nil
}

func (o *Orchestrator) wrapInventoryErr(err error) error {
	if errors.Is(err, archive.CycleErr()) {
		return E("Orchestrator.Run", KindBundle, fmt.Errorf("%w: %v", ErrCycleDetected, err))
	}
	return E("Orchestrator.Run", KindBundle, err)
}

// loadBundles translates an archive.Tree (I/O-layer, data-model-free)
// into the root package's arena of AppBundles, reading each one's
// Info.plist and currently-embedded entitlements.
func (o *Orchestrator) loadBundles(a *Archive, tree *archive.Tree) error {
	a.Root = tree.Root
	a.Bundles = make([]*AppBundle, len(tree.Nodes))
	for i, n := range tree.Nodes {
		b := &AppBundle{
			Path:     n.Path,
			Kind:     BundleKind(n.Kind),
			Children: append([]int(nil), n.Children...),
			Parent:   n.Parent,
		}
		if err := o.fillBundleMetadata(b); err != nil {
			return err
		}
		a.Bundles[i] = b
	}
	return nil
}

func (o *Orchestrator) fillBundleMetadata(b *AppBundle) error {
	if b.Kind == KindDylib {
		// A bare dylib is a single Mach-O file with no Info.plist or
		// entitlements of its own; it is re-signed in place under the
		// enclosing bundle's identity.
		b.Entitlements = NewEntitlementSet()
		return nil
	}
	infoPath := filepath.Join(b.Path, "Info.plist")
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return E("fillBundleMetadata", KindBundle, fmt.Errorf("reading %s: %w", infoPath, err))
	}
	v, _, err := plist.Decode(raw)
	if err != nil {
		return E("fillBundleMetadata", KindBundle, fmt.Errorf("%w: %v", ErrPlistRoundTripFailed, err))
	}
	b.OriginalIdentifier = plist.StringValue(v, "CFBundleIdentifier")
	b.DisplayName = plist.StringValue(v, "CFBundleDisplayName")
	if b.DisplayName == "" {
		b.DisplayName = plist.StringValue(v, "CFBundleName")
	}
	b.ExecutablePath = plist.StringValue(v, "CFBundleExecutable")

	entRaw, err := signer.ReadEntitlements(b.Path)
	if err != nil || len(entRaw) == 0 {
		if err != nil && o.Log != nil {
			o.Log.Debug("no embedded entitlements", zap.String("bundle", b.Path), zap.Error(err))
		}
		b.Entitlements = NewEntitlementSet()
		return nil
	}
	entVal, _, err := plist.Decode(entRaw)
	if err != nil {
		b.Entitlements = NewEntitlementSet()
		return nil
	}
	b.Entitlements = EntitlementSetFromPlist(entVal)
	return nil
}

// ensureTeam populates o.Team either from the caller-supplied value or,
// lazily, via the Portal Client (spec section 4.6 step 3: "Authenticate
// lazily: only if a step requires portal access").
func (o *Orchestrator) ensureTeam(ctx context.Context) error {
	if o.Team != nil {
		return nil
	}
	if o.Portal == nil {
		return E("Orchestrator.ensureTeam", KindUser, fmt.Errorf("no team context supplied and no portal client configured"))
	}
	if err := o.Portal.EnsureLoggedIn(ctx); err != nil {
		return o.wrapAuthErr("Orchestrator.ensureTeam", err)
	}

	teams, err := o.Portal.ListTeams(ctx)
	if err != nil {
		return o.wrapPortalErr("Orchestrator.ensureTeam", err)
	}
	var teamID string
	switch {
	case o.Flags.TeamID != "":
		teamID = o.Flags.TeamID
	case len(teams) == 1:
		teamID = teams[0].TeamID
	case len(teams) == 0:
		return E("Orchestrator.ensureTeam", KindAuth, fmt.Errorf("apple id belongs to no teams"))
	default:
		return E("Orchestrator.ensureTeam", KindAuth, ErrTeamAmbiguous)
	}

	tc := NewTeamContext(teamID)

	certs, err := o.Portal.ListCertificates(ctx, teamID)
	if err != nil {
		return o.wrapPortalErr("Orchestrator.ensureTeam", err)
	}
	for _, c := range certs {
		kind := CertDevelopment
		if strings.Contains(c.Name, "Distribution") {
			kind = CertDistribution
		}
		tc.Certs = append(tc.Certs, Cert{Serial: c.SerialNumber, Kind: kind})
	}

	ids, err := o.Portal.ListIdentifiers(ctx, teamID)
	if err != nil {
		return o.wrapPortalErr("Orchestrator.ensureTeam", err)
	}
	for _, id := range ids {
		caps := make(map[Capability]bool, len(id.Capabilities))
		for k, v := range id.Capabilities {
			caps[Capability(k)] = v
			// Team-level capability availability is approximated as the
			// union of what's already enabled on any of its registered
			// identifiers; the portal has no separate "team license"
			// endpoint in scope here.
			if v {
				tc.Capabilities[Capability(k)] = true
			}
		}
		tc.Identifiers[id.BundleID] = &Identifier{ID: id.ID, BundleID: id.BundleID, Name: id.Name, Capabilities: caps}
	}

	groups, err := o.Portal.ListAppGroups(ctx, teamID)
	if err != nil {
		return o.wrapPortalErr("Orchestrator.ensureTeam", err)
	}
	for _, g := range groups {
		tc.AppGroups[g.Identifier] = &AppGroup{ID: g.ID, Identifier: g.Identifier, Name: g.Name}
	}

	devices, err := o.Portal.ListDevices(ctx, teamID)
	if err != nil {
		return o.wrapPortalErr("Orchestrator.ensureTeam", err)
	}
	for _, d := range devices {
		tc.Devices = append(tc.Devices, Device{ID: d.ID, UDID: d.UDID, Name: d.Name})
	}

	profiles, err := o.Portal.ListProfiles(ctx, teamID)
	if err != nil {
		return o.wrapPortalErr("Orchestrator.ensureTeam", err)
	}
	for _, p := range profiles {
		tc.Profiles[p.Identifier] = &Profile{ID: p.ID, Identifier: p.Identifier, DER: p.Content}
	}

	o.Team = tc
	return nil
}

// wrapAuthErr translates portal login failures onto the auth error
// taxonomy so the CLI layer maps them to exit codes without string
// matching.
func (o *Orchestrator) wrapAuthErr(op string, err error) error {
	switch {
	case portal.IsBadCredentials(err):
		return E(op, KindAuth, fmt.Errorf("%w: %v", ErrBadCredentials, err))
	case portal.IsTwoFactorRejected(err):
		return E(op, KindAuth, fmt.Errorf("%w: %v", ErrTwoFactorFailed, err))
	case portal.IsAccountLocked(err):
		return E(op, KindAuth, fmt.Errorf("%w: %v", ErrSessionLockedOut, err))
	case errors.Is(err, portal.ErrSessionLockHeld):
		return E(op, KindAuth, fmt.Errorf("%w: %v", ErrSessionLocked, err))
	}
	return E(op, KindAuth, err)
}

// wrapPortalErr translates RPC failures onto the portal error taxonomy.
func (o *Orchestrator) wrapPortalErr(op string, err error) error {
	switch {
	case portal.IsRateLimited(err):
		return E(op, KindPortal, fmt.Errorf("%w: %v", ErrRateLimited, err))
	case portal.IsUnavailable(err):
		return E(op, KindPortal, fmt.Errorf("%w: %v", ErrPortalUnavailable, err))
	}
	return E(op, KindPortal, err)
}

// defaultPrefix derives the documented default for --prefix: "a
// deterministic hash of the original root id + team id" (spec section 6).
func defaultPrefix(rootOriginalID, teamID string) string {
	sum := sha256.Sum256([]byte(rootOriginalID + teamID))
	return "ws" + hex.EncodeToString(sum[:])[:8]
}

// allocateIdentifiers assigns every bundle its new identifier (spec
// section 4.3) and checks the tree consistency invariant before any
// portal mutation is attempted (spec section 8's boundary case: "one byte
// longer -> IdentifierTooLong before any portal mutation").
func (o *Orchestrator) allocateIdentifiers(a *Archive, prefix string, plans []*SigningPlan) error {
	for i, b := range a.Bundles {
		plans[i] = &SigningPlan{BundleIndex: i}
		if strings.Contains(b.OriginalIdentifier, "*") {
			return E("Orchestrator.allocateIdentifiers", KindUser, fmt.Errorf("%w: %s", ErrWildcardIdentifier, b.OriginalIdentifier))
		}
		newID := b.OriginalIdentifier
		if !o.Flags.ForceOriginalID && newID != "" {
			newID = identifier.Allocate(prefix, b.OriginalIdentifier)
		}
		if !identifier.WithinLimit(newID) {
			return E("Orchestrator.allocateIdentifiers", KindBundle, fmt.Errorf("%w: %s", ErrIdentifierTooLong, newID))
		}
		plans[i].NewIdentifier = newID
	}
	for i, b := range a.Bundles {
		if b.Parent == -1 {
			continue
		}
		parent := a.Bundles[b.Parent]
		if !identifier.TreeConsistent(parent.OriginalIdentifier, b.OriginalIdentifier, plans[b.Parent].NewIdentifier, plans[i].NewIdentifier) {
			return E("Orchestrator.allocateIdentifiers", KindBundle, fmt.Errorf("%w: %s under %s", ErrNestedIdentifierMismatch, b.OriginalIdentifier, parent.OriginalIdentifier))
		}
	}
	return nil
}

// applyMutations applies the union of every bundle's required TeamContext
// mutations, one goroutine per distinct identifier bounded by the
// caller's fan-out (spec section 5: mutations for a given identifier are
// strictly serialised; distinct identifiers may proceed concurrently).
func (o *Orchestrator) applyMutations(ctx context.Context, muts []reconcile.Mutation) error {
	byIdentifier := map[string][]reconcile.Mutation{}
	var order []string
	for _, m := range muts {
		if _, ok := byIdentifier[m.Identifier]; !ok {
			order = append(order, m.Identifier)
		}
		byIdentifier[m.Identifier] = append(byIdentifier[m.Identifier], m)
	}
	sort.Strings(order)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanout())
	for _, id := range order {
		id := id
		g.Go(func() error {
			return o.applyMutationsForIdentifier(gctx, id, byIdentifier[id])
		})
	}
	return g.Wait()
}

func (o *Orchestrator) applyMutationsForIdentifier(ctx context.Context, bundleID string, muts []reconcile.Mutation) error {
	caps := map[string]bool{}
	var groupMuts []reconcile.Mutation
	for _, m := range muts {
		switch m.Op {
		case reconcile.OpEnableCapability:
			caps[m.Capability] = true
		case reconcile.OpRegisterAppGroup, reconcile.OpRegisterICloud:
			groupMuts = append(groupMuts, m)
		}
	}

	o.teamMu.Lock()
	existing := o.Team.Identifiers[bundleID]
	o.teamMu.Unlock()

	if existing != nil {
		o.warn(fmt.Sprintf("reused existing identifier %s", bundleID))
	}
	if existing == nil {
		if o.Portal != nil {
			created, err := o.Portal.CreateIdentifier(ctx, o.Team.TeamID, bundleID, bundleID)
			if err != nil {
				if portal.IsUnavailable(err) || portal.IsRateLimited(err) {
					return o.wrapPortalErr("applyMutations", err)
				}
				return E("applyMutations", KindPortal, fmt.Errorf("%w: %v", ErrIdentifierConflict, err))
			}
			capMap := make(map[Capability]bool, len(created.Capabilities))
			for k, v := range created.Capabilities {
				capMap[Capability(k)] = v
			}
			existing = &Identifier{ID: created.ID, BundleID: created.BundleID, Name: created.Name, Capabilities: capMap}
		} else {
			existing = &Identifier{BundleID: bundleID, Capabilities: map[Capability]bool{}}
		}
		o.teamMu.Lock()
		o.Team.Identifiers[bundleID] = existing
		o.teamMu.Unlock()
	}

	if len(caps) > 0 {
		existingCaps := make(map[string]bool, len(existing.Capabilities))
		for k, v := range existing.Capabilities {
			existingCaps[string(k)] = v
		}
		if !identifier.CapabilitiesSatisfy(existingCaps, caps) {
			if !o.Flags.ReuseIdentifiers {
				return E("applyMutations", KindPortal, fmt.Errorf("%w: %s is registered without the required capabilities and --reuse-identifiers=false forbids updating it", ErrIdentifierConflict, bundleID))
			}
			merged := identifier.MergeCapabilities(existingCaps, caps)
			if o.Portal != nil {
				if err := o.Portal.UpdateIdentifierCapabilities(ctx, o.Team.TeamID, existing.ID, merged); err != nil {
					return o.wrapPortalErr("applyMutations", err)
				}
			}
			capMap := make(map[Capability]bool, len(merged))
			for k, v := range merged {
				capMap[Capability(k)] = v
			}
			existing.Capabilities = capMap

			// A capability change invalidates any profile issued against
			// the old entitlement set; revoke it so materializeProfiles
			// issues a fresh one instead of reusing stale bytes.
			o.teamMu.Lock()
			stale := o.Team.Profiles[bundleID]
			delete(o.Team.Profiles, bundleID)
			o.teamMu.Unlock()
			if stale != nil && stale.ID != "" && o.Portal != nil {
				if err := o.Portal.DeleteProfile(ctx, o.Team.TeamID, stale.ID); err != nil {
					return o.wrapPortalErr("applyMutations", err)
				}
			}
		}
	}

	for _, m := range groupMuts {
		if err := o.applyGroupMutation(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyGroupMutation(ctx context.Context, m reconcile.Mutation) error {
	o.teamMu.Lock()
	var known bool
	if m.Op == reconcile.OpRegisterAppGroup {
		known = o.Team.AppGroups[m.GroupID] != nil
	} else {
		known = o.Team.Containers[m.GroupID] != nil
	}
	o.teamMu.Unlock()
	if known {
		return nil
	}

	if m.Op == reconcile.OpRegisterAppGroup {
		if o.Portal != nil {
			g, err := o.Portal.CreateAppGroup(ctx, o.Team.TeamID, m.GroupID, m.GroupName)
			if err != nil {
				return o.wrapPortalErr("applyMutations", err)
			}
			o.teamMu.Lock()
			o.Team.AppGroups[m.GroupID] = &AppGroup{ID: g.ID, Identifier: g.Identifier, Name: g.Name}
			o.teamMu.Unlock()
			return nil
		}
		o.teamMu.Lock()
		o.Team.AppGroups[m.GroupID] = &AppGroup{Identifier: m.GroupID, Name: m.GroupName}
		o.teamMu.Unlock()
		return nil
	}

	// iCloud containers have no dedicated registration RPC in spec
	// section 4.1's operation list; they are provisioned implicitly by
	// referencing them on an identifier's capabilities, so only the
	// in-memory TeamContext is updated here.
	o.teamMu.Lock()
	o.Team.Containers[m.GroupID] = &ICloudContainer{Identifier: m.GroupID}
	o.teamMu.Unlock()
	return nil
}

// materializeProfiles ensures every bundle's new identifier has a
// provisioning profile, reusing one already known to the team (spec
// section 4.6 step 5's idempotence requirement: "re-applying a plan must
// be a no-op").
func (o *Orchestrator) materializeProfiles(ctx context.Context, a *Archive, plans []*SigningPlan) error {
	certSerial := ""
	for _, c := range o.Team.Certs {
		if c.Kind == o.Cert {
			certSerial = c.Serial
			break
		}
	}
	var deviceIDs []string
	if o.Cert == CertDevelopment {
		for _, d := range o.Team.Devices {
			deviceIDs = append(deviceIDs, d.ID)
		}
	}
	profileKind := ProfileDevelopment
	if o.Cert == CertDistribution {
		profileKind = ProfileDistribution
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanout())
	for i := range a.Bundles {
		i := i
		g.Go(func() error {
			newID := plans[i].NewIdentifier
			if newID == "" {
				// a bare dylib signs under its enclosing bundle's profile
				return nil
			}

			o.teamMu.Lock()
			existing := o.Team.Profiles[newID]
			o.teamMu.Unlock()
			if existing != nil {
				plans[i].ProfileID = existing.ID
				return nil
			}

			if o.Portal == nil {
				o.teamMu.Lock()
				o.Team.Profiles[newID] = &Profile{Identifier: newID, CertSerial: certSerial, DeviceIDs: deviceIDs, Kind: profileKind}
				o.teamMu.Unlock()
				plans[i].ProfileID = newID
				return nil
			}

			o.teamMu.Lock()
			idInfo := o.Team.Identifiers[newID]
			o.teamMu.Unlock()
			if idInfo == nil {
				return E("materializeProfiles", KindBundle, fmt.Errorf("no registered identifier for %s before profile creation", newID))
			}
			p, err := o.Portal.CreateProfile(gctx, o.Team.TeamID, idInfo.ID, newID, []string{certSerial}, deviceIDs)
			if err != nil {
				if portal.IsUnavailable(err) || portal.IsRateLimited(err) {
					return o.wrapPortalErr("materializeProfiles", err)
				}
				return E("materializeProfiles", KindPortal, fmt.Errorf("%w: %v", ErrProfileCreationFailed, err))
			}
			o.teamMu.Lock()
			o.Team.Profiles[newID] = &Profile{ID: p.ID, Identifier: newID, CertSerial: certSerial, DeviceIDs: deviceIDs, Kind: profileKind, DER: p.Content}
			o.teamMu.Unlock()
			plans[i].ProfileID = p.ID
			return nil
		})
	}
	return g.Wait()
}

// rewriteBundles patches every bundle's Info.plist, entitlements.plist,
// embedded provisioning profile, and Mach-O executable, on a worker pool
// sized to hardware concurrency (spec section 5: "CPU-heavy phases ...
// run on a worker pool sized to the hardware concurrency").
func (o *Orchestrator) rewriteBundles(ctx context.Context, a *Archive, plans []*SigningPlan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	total := len(a.Bundles)
	var done int32
	for i, b := range a.Bundles {
		i, b := i, b
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := o.rewriteOne(b, plans[i]); err != nil {
				return err
			}
			n := atomic.AddInt32(&done, 1)
			o.progress(PhaseRewrite, int(n), total, b.Path)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) rewriteOne(b *AppBundle, plan *SigningPlan) error {
	if b.Kind == KindDylib {
		return o.patchExecutable(b, plan)
	}
	if err := o.rewriteInfoPlist(b, plan); err != nil {
		return err
	}
	if err := o.writeEntitlementsFile(b, plan); err != nil {
		return err
	}
	if err := o.embedProfile(b, plan); err != nil {
		return err
	}
	return o.patchExecutable(b, plan)
}

func (o *Orchestrator) rewriteInfoPlist(b *AppBundle, plan *SigningPlan) error {
	infoPath := filepath.Join(b.Path, "Info.plist")
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return E("rewriteOne", KindBundle, err)
	}
	v, isBinary, err := plist.Decode(raw)
	if err != nil {
		return E("rewriteOne", KindBundle, fmt.Errorf("%w: %v", ErrPlistRoundTripFailed, err))
	}
	if v.Kind == plist.KindDict && v.Dict != nil {
		v.Dict.Set("CFBundleIdentifier", plist.VString(plan.NewIdentifier))
		if o.Flags.PatchFileSharing {
			v.Dict.Set("UIFileSharingEnabled", plist.VBool(true))
		}
		if o.Flags.PatchPromotion {
			v.Dict.Set("CADisableMinimumFrameDurationOnPhone", plist.VBool(true))
		}
		if o.Flags.Icon != "" && b.Kind == KindApp {
			if err := installIcon(b.Path, o.Flags.Icon); err != nil {
				return E("rewriteOne", KindBundle, err)
			}
		}
	}
	out, err := plist.Encode(v, isBinary)
	if err != nil {
		return E("rewriteOne", KindBundle, err)
	}
	return os.WriteFile(infoPath, out, 0o644)
}

// installIcon replaces a bundle's primary app icon asset with the file at
// iconPath (spec section 6's --icon flag). AppIcon60x60 is the
// conventional primary-icon filename Xcode-built archives ship under;
// replacing the PNG in place is sufficient since the Info.plist's
// CFBundleIcons keys continue to reference the same filename.
func installIcon(bundlePath, iconPath string) error {
	data, err := os.ReadFile(iconPath)
	if err != nil {
		return fmt.Errorf("reading --icon %s: %w", iconPath, err)
	}
	dest := filepath.Join(bundlePath, "AppIcon60x60@2x.png")
	return os.WriteFile(dest, data, 0o644)
}

func (o *Orchestrator) writeEntitlementsFile(b *AppBundle, plan *SigningPlan) error {
	entPath := signer.EntitlementsPathFor(b.Path)
	entBytes, err := plist.EncodeXML(EntitlementSetToPlist(plan.Entitlements))
	if err != nil {
		return E("rewriteOne", KindBundle, err)
	}
	return os.WriteFile(entPath, entBytes, 0o644)
}

func (o *Orchestrator) embedProfile(b *AppBundle, plan *SigningPlan) error {
	o.teamMu.Lock()
	profile := o.Team.Profiles[plan.NewIdentifier]
	o.teamMu.Unlock()
	if profile == nil || len(profile.DER) == 0 {
		return nil
	}
	mpPath := filepath.Join(b.Path, "embedded.mobileprovision")
	return os.WriteFile(mpPath, profile.DER, 0o644)
}

func (o *Orchestrator) patchExecutable(b *AppBundle, plan *SigningPlan) error {
	execPath := filepath.Join(b.Path, b.ExecutablePath)
	if b.Kind == KindDylib {
		execPath = b.Path
	} else if b.ExecutablePath == "" {
		return nil
	}
	data, err := os.ReadFile(execPath)
	if err != nil {
		return E("rewriteOne", KindBundle, err)
	}
	patched, rewrites, err := macho.Patch(data, b.OriginalIdentifier, plan.NewIdentifier)
	if err != nil {
		if macho.ErrIdentifierTooLong(err) {
			return E("rewriteOne", KindBundle, fmt.Errorf("%w: %v", ErrIdentifierTooLong, err))
		}
		return E("rewriteOne", KindBundle, fmt.Errorf("%w: %v", ErrUnsupportedMachO, err))
	}
	if err := os.WriteFile(execPath, patched, 0o755); err != nil {
		return E("rewriteOne", KindBundle, err)
	}
	for _, r := range rewrites {
		plan.Rewrites = append(plan.Rewrites, MachORewrite{SliceOffset: r.SliceOffset, SectionName: r.SectionName, Old: r.Old, New: r.New})
	}
	return nil
}

// signBundles invokes the Signer in reverse topological order: every
// descendant of a bundle is signed (and verified) before the bundle
// itself, a hard ordering; bundles at the same depth have no ordering
// requirement between them and run concurrently up to the fan-out limit
// (spec section 5, section 4.6 step 7).
func (o *Orchestrator) signBundles(ctx context.Context, a *Archive, plans []*SigningPlan) error {
	depth := make([]int, len(a.Bundles))
	maxDepth := 0
	for i := range a.Bundles {
		d := 0
		for p := a.Bundles[i].Parent; p != -1; p = a.Bundles[p].Parent {
			d++
		}
		depth[i] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	identity, err := signer.ResolveIdentity(o.Flags.Identity)
	if err != nil {
		return E("signBundles", KindSigner, err)
	}
	if err := o.Signer.ValidateIdentity(identity); err != nil {
		return E("signBundles", KindSigner, err)
	}
	if certTeam := signer.ExtractTeamIDFromCertificate(identity); certTeam != "" && certTeam != o.Team.TeamID {
		return E("signBundles", KindSigner, fmt.Errorf("identity %q belongs to team %s, not %s", identity, certTeam, o.Team.TeamID))
	}

	total := len(a.Bundles)
	var signed int32
	for d := maxDepth; d >= 0; d-- {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.fanout())
		for i := range a.Bundles {
			if depth[i] != d {
				continue
			}
			i := i
			g.Go(func() error {
				b := a.Bundles[i]
				plan := plans[i]
				req := signer.Request{
					BundlePath:       b.Path,
					Identity:         identity,
					Identifier:       plan.NewIdentifier,
					EntitlementsPath: signer.EntitlementsPathFor(b.Path),
				}
				if err := o.Signer.Sign(gctx, req); err != nil {
					return E("signBundles", KindSigner, fmt.Errorf("%s: %w", b.Path, err))
				}
				if err := o.Signer.Verify(gctx, b.Path); err != nil {
					return E("signBundles", KindSigner, fmt.Errorf("%s: %w", b.Path, err))
				}
				n := atomic.AddInt32(&signed, 1)
				o.progress(PhaseSign, int(n), total, b.Path)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
