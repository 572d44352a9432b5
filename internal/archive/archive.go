// Package archive implements the Archive I/O component of spec section
// 4.6 steps 1-2 and 8: unpacking an .ipa to a scratch directory, walking
// its Payload/*.app tree to build a bundle inventory with cycle
// detection, and repacking a scratch directory back into an .ipa while
// preserving permissions and symlinks. Grounded on the teacher's
// bundle/files.go copy-file helpers, generalized from single files to
// whole trees, and on its createDirectoryStructure write pattern.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind classifies a bundle discovered during inventory, mirroring the
// root package's BundleKind without importing it (this package stays
// I/O-only and data-model free, per the arena+index redesign flag: the
// orchestrator translates Node into the root AppBundle type).
type Kind string

const (
	KindApp       Kind = "app"
	KindExtension Kind = "extension"
	KindFramework Kind = "framework"
	KindWatchApp  Kind = "watchapp"
	KindAppClip   Kind = "appclip"
	KindDylib     Kind = "dylib"
	KindPlugin    Kind = "plugin"
)

// ScratchPerm is the permission mode used for the scratch directory
// itself; "restrictive" per spec section 4.6 step 1.
const ScratchPerm = 0o700

// Unpack extracts the zip archive at archivePath into scratchDir,
// preserving file modes and recreating symlinks rather than copying
// their targets. scratchDir is created with ScratchPerm if absent.
func Unpack(archivePath, scratchDir string) error {
	if err := os.MkdirAll(scratchDir, ScratchPerm); err != nil {
		return fmt.Errorf("archive: create scratch dir: %w", err)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", archivePath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractOne(f, scratchDir); err != nil {
			return fmt.Errorf("archive: extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractOne(f *zip.File, scratchDir string) error {
	destPath := filepath.Join(scratchDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(scratchDir)+string(os.PathSeparator)) && destPath != filepath.Clean(scratchDir) {
		return fmt.Errorf("illegal file path outside of scratch dir: %s", f.Name)
	}

	mode := f.Mode()
	if mode&os.ModeDir != 0 {
		return os.MkdirAll(destPath, ScratchPerm)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), ScratchPerm); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if mode&os.ModeSymlink != 0 {
		target, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		os.Remove(destPath)
		return os.Symlink(string(target), destPath)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return err
	}
	return preserveExtraBits(destPath, mode)
}

// preserveExtraBits applies the setuid/sticky bits os.FileMode drops,
// via golang.org/x/sys/unix, matching the teacher's go.mod dependency
// (the teacher pulls x/sys for the same "permission bits stdlib doesn't
// expose" reason on macOS app bundle creation).
func preserveExtraBits(path string, mode os.FileMode) error {
	var extra uint32
	if mode&os.ModeSetuid != 0 {
		extra |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		extra |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		extra |= unix.S_ISVTX
	}
	if extra == 0 {
		return nil
	}
	return unix.Chmod(path, uint32(mode.Perm())|extra)
}

// Repack zips scratchDir's contents into outPath, preserving permissions
// and symlinks. Entries are written in sorted path order, not the input
// archive's order, for determinism (spec section 8's idempotence property: the archive
// differs only in the signature nonce between runs).
func Repack(scratchDir, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("archive: create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".repack-*.ipa.tmp")
	if err != nil {
		return fmt.Errorf("archive: create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		tmp.Close()
		if !success {
			os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)

	var paths []string
	err = filepath.WalkDir(scratchDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == scratchDir {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive: walk scratch dir: %w", err)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := addOne(zw, scratchDir, p); err != nil {
			return fmt.Errorf("archive: add %s: %w", p, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: close zip writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close temp archive: %w", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return fmt.Errorf("archive: rename into place: %w", err)
	}
	success = true
	return nil
}

func addOne(zw *zip.Writer, root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)

	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate

	if info.IsDir() {
		hdr.Name += "/"
		_, err := zw.CreateHeader(hdr)
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		hdr.SetMode(info.Mode())
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = w.Write([]byte(target))
		return err
	}

	hdr.SetMode(info.Mode())
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
