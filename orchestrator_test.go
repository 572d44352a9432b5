package warpsign

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warpsign-dev/warpsign/internal/archive"
)

func TestDefaultPrefixDeterministic(t *testing.T) {
	p1 := defaultPrefix("com.old.app", "ABC123")
	p2 := defaultPrefix("com.old.app", "ABC123")
	if p1 != p2 {
		t.Fatalf("defaultPrefix not deterministic: %q vs %q", p1, p2)
	}
	if p3 := defaultPrefix("com.old.app", "XYZ999"); p3 == p1 {
		t.Fatalf("defaultPrefix ignored the team id")
	}
	if len(p1) != len("ws")+8 {
		t.Fatalf("defaultPrefix length = %d, want %d", len(p1), len("ws")+8)
	}
}

func writeInfoPlist(t *testing.T, bundlePath, bundleID, displayName, exe string) {
	t.Helper()
	if err := os.MkdirAll(bundlePath, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>` + bundleID + `</string>
	<key>CFBundleDisplayName</key>
	<string>` + displayName + `</string>
	<key>CFBundleExecutable</key>
	<string>` + exe + `</string>
</dict>
</plist>`
	if err := os.WriteFile(filepath.Join(bundlePath, "Info.plist"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFillBundleMetadataReadsInfoPlist(t *testing.T) {
	dir := t.TempDir()
	writeInfoPlist(t, dir, "com.example.app", "Example", "Example")

	o := &Orchestrator{}
	b := &AppBundle{Path: dir}
	if err := o.fillBundleMetadata(b); err != nil {
		t.Fatalf("fillBundleMetadata: %v", err)
	}
	if b.OriginalIdentifier != "com.example.app" {
		t.Fatalf("OriginalIdentifier = %q", b.OriginalIdentifier)
	}
	if b.DisplayName != "Example" {
		t.Fatalf("DisplayName = %q", b.DisplayName)
	}
	if b.ExecutablePath != "Example" {
		t.Fatalf("ExecutablePath = %q", b.ExecutablePath)
	}
	// codesign is unavailable in this environment; ReadEntitlements
	// failing should degrade to an empty set rather than an error.
	if b.Entitlements.Len() != 0 {
		t.Fatalf("expected empty entitlements, got %d", b.Entitlements.Len())
	}
}

func TestFillBundleMetadataMissingInfoPlist(t *testing.T) {
	dir := t.TempDir()
	o := &Orchestrator{}
	b := &AppBundle{Path: dir}
	if err := o.fillBundleMetadata(b); err == nil {
		t.Fatalf("expected an error for a bundle with no Info.plist")
	}
}

func TestLoadBundlesTranslatesTreeIntoArena(t *testing.T) {
	root := t.TempDir()
	appPath := filepath.Join(root, "Demo.app")
	extPath := filepath.Join(appPath, "PlugIns", "Widget.appex")
	writeInfoPlist(t, appPath, "com.example.app", "Example", "Example")
	writeInfoPlist(t, extPath, "com.example.app.widget", "Widget", "Widget")

	tree := &archive.Tree{
		Root: 0,
		Nodes: []*archive.Node{
			{Path: appPath, Kind: archive.KindApp, Children: []int{1}, Parent: -1},
			{Path: extPath, Kind: archive.KindExtension, Children: nil, Parent: 0},
		},
	}

	o := &Orchestrator{}
	a := &Archive{}
	if err := o.loadBundles(a, tree); err != nil {
		t.Fatalf("loadBundles: %v", err)
	}
	if len(a.Bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(a.Bundles))
	}
	if a.Bundles[0].OriginalIdentifier != "com.example.app" {
		t.Fatalf("root identifier = %q", a.Bundles[0].OriginalIdentifier)
	}
	if a.Bundles[1].OriginalIdentifier != "com.example.app.widget" {
		t.Fatalf("child identifier = %q", a.Bundles[1].OriginalIdentifier)
	}
	if a.Bundles[1].Parent != 0 {
		t.Fatalf("child.Parent = %d, want 0", a.Bundles[1].Parent)
	}
}

func TestAllocateIdentifiersRejectsOverlongID(t *testing.T) {
	a := &Archive{
		Bundles: []*AppBundle{
			{OriginalIdentifier: strings.Repeat("a", 300), Parent: -1},
		},
	}
	plans := make([]*SigningPlan, len(a.Bundles))
	o := &Orchestrator{}
	err := o.allocateIdentifiers(a, "ws12345678", plans)
	if err == nil {
		t.Fatalf("expected an identifier-too-long error")
	}
	if !errors.Is(err, ErrIdentifierTooLong) {
		t.Fatalf("err = %v, want ErrIdentifierTooLong", err)
	}
}

func TestAllocateIdentifiersAssignsPrefixedIDs(t *testing.T) {
	a := &Archive{
		Bundles: []*AppBundle{
			{OriginalIdentifier: "com.example.app", Parent: -1},
			{OriginalIdentifier: "com.example.app.widget", Parent: 0},
		},
	}
	plans := make([]*SigningPlan, len(a.Bundles))
	o := &Orchestrator{Flags: Flags{}}
	if err := o.allocateIdentifiers(a, "ws12345678", plans); err != nil {
		t.Fatalf("allocateIdentifiers: %v", err)
	}
	if plans[0].NewIdentifier != "ws12345678.com.example.app" {
		t.Fatalf("root plan = %q", plans[0].NewIdentifier)
	}
	if plans[1].NewIdentifier != "ws12345678.com.example.app.widget" {
		t.Fatalf("child plan = %q", plans[1].NewIdentifier)
	}
}

func TestWrapInventoryErrMapsCycle(t *testing.T) {
	o := &Orchestrator{}
	err := o.wrapInventoryErr(archive.CycleErr())
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}
