package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Node is one bundle discovered while walking the archive's Payload
// directory. Nested bundles are referenced by index into Tree.Nodes, not
// by pointer, matching the arena+index pattern the root package's
// Archive/AppBundle types use (spec section 9, "cyclic references
// between bundles and their plans").
type Node struct {
	Path     string // absolute path in the scratch tree
	Kind     Kind
	Children []int
	Parent   int // -1 for the root
}

// Tree is the result of inventorying an unpacked archive.
type Tree struct {
	Root  int
	Nodes []*Node
}

// Inventory walks scratchDir (an unpacked .ipa) to find the single root
// AppBundle under Payload/ and every nested bundle beneath it, depth
// first, failing fatally on a cycle (spec section 4.6 step 2: "Walk to
// build a bundle inventory (depth-first; detect cycles -> fatal)").
func Inventory(scratchDir string) (*Tree, error) {
	payload := filepath.Join(scratchDir, "Payload")
	entries, err := os.ReadDir(payload)
	if err != nil {
		return nil, fmt.Errorf("archive: read Payload: %w", err)
	}

	var rootPath string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".app") {
			rootPath = filepath.Join(payload, e.Name())
			break
		}
	}
	if rootPath == "" {
		return nil, fmt.Errorf("archive: no .app bundle found under Payload")
	}

	t := &Tree{}
	visiting := make(map[string]bool)
	idx, err := t.walk(rootPath, KindApp, -1, visiting)
	if err != nil {
		return nil, err
	}
	t.Root = idx
	return t, nil
}

func (t *Tree) walk(path string, kind Kind, parent int, visiting map[string]bool) (int, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	if visiting[real] {
		return -1, fmt.Errorf("archive: %w: %s", cycleErr, path)
	}
	visiting[real] = true
	defer delete(visiting, real)

	node := &Node{Path: path, Kind: kind, Parent: parent}
	t.Nodes = append(t.Nodes, node)
	idx := len(t.Nodes) - 1

	children, err := nestedBundlePaths(path)
	if err != nil {
		return -1, err
	}
	for _, c := range children {
		childIdx, err := t.walk(c.path, c.kind, idx, visiting)
		if err != nil {
			return -1, err
		}
		node.Children = append(node.Children, childIdx)
	}
	return idx, nil
}

var cycleErr = fmt.Errorf("cycle detected while inventorying bundles")

// CycleErr exposes cycleErr so the orchestrator can map it onto
// ErrCycleDetected with errors.Is.
func CycleErr() error { return cycleErr }

type childBundle struct {
	path string
	kind Kind
}

// nestedBundlePaths enumerates the conventional locations Apple's
// container format nests bundles at, relative to an .app root:
// PlugIns/*.appex (extensions), Frameworks/*.framework (frameworks),
// Watch/*.app (legacy WatchKit apps), AppClips/*.app (app clips), and
// any *.dylib or *.bundle/*.plugin directly under Frameworks/PlugIns.
func nestedBundlePaths(bundlePath string) ([]childBundle, error) {
	var out []childBundle

	scan := func(dir string, suffixKind map[string]Kind) error {
		full := filepath.Join(bundlePath, dir)
		entries, err := os.ReadDir(full)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			for suffix, kind := range suffixKind {
				if strings.HasSuffix(name, suffix) {
					out = append(out, childBundle{path: filepath.Join(full, name), kind: kind})
				}
			}
		}
		return nil
	}

	if err := scan("PlugIns", map[string]Kind{".appex": KindExtension}); err != nil {
		return nil, err
	}
	if err := scan("Frameworks", map[string]Kind{
		".framework": KindFramework,
		".dylib":     KindDylib,
	}); err != nil {
		return nil, err
	}
	if err := scan("Watch", map[string]Kind{".app": KindWatchApp}); err != nil {
		return nil, err
	}
	if err := scan("AppClips", map[string]Kind{".app": KindAppClip}); err != nil {
		return nil, err
	}
	if err := scan("PlugIns", map[string]Kind{".plugin": KindPlugin, ".bundle": KindPlugin}); err != nil {
		return nil, err
	}
	return out, nil
}
