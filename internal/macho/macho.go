// Package macho rewrites Mach-O images in place: it patches the bundle
// identifier recorded in an embedded __TEXT,__info_plist section and
// strips the LC_CODE_SIGNATURE load command so an external signer can
// re-add a valid signature (spec section 4.4). Supports 32/64-bit,
// big/little-endian, and universal (fat) binaries.
//
// debug/macho is used to enumerate load commands and sections (read
// side); the actual byte surgery — removing a load command, shrinking
// __LINKEDIT, patching the info plist in place — is done directly against
// the raw bytes with encoding/binary, since the standard library has no
// writer for this format and no third-party Mach-O mutation library
// appears anywhere in the retrieval pack (see DESIGN.md).
package macho

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
)

// Rewrite describes one identifier patch applied to a Mach-O slice.
type Rewrite struct {
	SliceOffset int64
	SectionName string
	Old, New    string
}

const (
	fatMagic     = 0xcafebabe
	fatCigam     = 0xbebafeca
	infoPlistSeg = "__TEXT"
	infoPlistSec = "__info_plist"
)

// Patch rewrites every occurrence of oldID inside embedded info-plist
// sections to newID, and strips LC_CODE_SIGNATURE from every architecture
// slice. data is not modified; the returned slice is a new buffer.
func Patch(data []byte, oldID, newID string) ([]byte, []Rewrite, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("macho: %w: file too small", errUnsupported)
	}
	magic := binary.BigEndian.Uint32(data[:4])
	if magic == fatMagic || magic == fatCigam {
		return patchFat(data, oldID, newID, magic == fatCigam)
	}
	return patchThin(data, 0, oldID, newID, true)
}

var errUnsupported = fmt.Errorf("unsupported mach-o image")

type fatArch struct {
	cputype, cpusubtype, offset, size, align uint32
}

func patchFat(data []byte, oldID, newID string, bigEndianHeader bool) ([]byte, []Rewrite, error) {
	// The fat header itself is always big-endian regardless of the slices
	// it contains.
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("macho: %w: truncated fat header", errUnsupported)
	}
	nArch := binary.BigEndian.Uint32(data[4:8])
	out := make([]byte, len(data))
	copy(out, data)

	var allRewrites []Rewrite
	archOff := 8
	for i := uint32(0); i < nArch; i++ {
		if archOff+20 > len(data) {
			return nil, nil, fmt.Errorf("macho: %w: truncated fat_arch table", errUnsupported)
		}
		off := binary.BigEndian.Uint32(data[archOff+8 : archOff+12])
		size := binary.BigEndian.Uint32(data[archOff+12 : archOff+16])
		archOff += 20

		if int(off+size) > len(data) {
			return nil, nil, fmt.Errorf("macho: %w: fat_arch slice out of range", errUnsupported)
		}
		slice := data[off : off+size]
		patched, rewrites, err := patchThin(slice, int64(off), oldID, newID, false)
		if err != nil {
			return nil, nil, err
		}
		if len(patched) != len(slice) {
			return nil, nil, fmt.Errorf("macho: %w: universal slice changed size", errUnsupported)
		}
		copy(out[off:off+size], patched)
		allRewrites = append(allRewrites, rewrites...)
	}
	return out, allRewrites, nil
}

// patchThin patches a single-architecture Mach-O image. sliceOffset is the
// image's offset within the original file (0 for a non-universal binary),
// recorded on each Rewrite for diagnostics. truncate controls whether the
// stripped signature's trailing bytes are cut from the returned buffer:
// true for a standalone thin file, false for a slice living inside a fat
// binary, where every fat_arch offset after this one would otherwise need
// recomputing to account for the shrink.
func patchThin(data []byte, sliceOffset int64, oldID, newID string, truncate bool) ([]byte, []Rewrite, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("macho: %w: %v", errUnsupported, err)
	}
	defer f.Close()

	out := make([]byte, len(data))
	copy(out, data)

	var rewrites []Rewrite
	for _, sec := range f.Sections {
		if sec.Seg != infoPlistSeg || sec.Name != infoPlistSec {
			continue
		}
		start := sec.Offset
		end := start + uint32(sec.Size)
		if int(end) > len(out) {
			continue
		}
		region := out[start:end]
		patched, n, err := patchIdentifierInPlist(region, oldID, newID)
		if err != nil {
			return nil, nil, err
		}
		if n > 0 {
			copy(out[start:end], patched)
			rewrites = append(rewrites, Rewrite{
				SliceOffset: sliceOffset,
				SectionName: infoPlistSec,
				Old:         oldID,
				New:         newID,
			})
		}
	}

	out, err = stripCodeSignature(f, out, truncate)
	if err != nil {
		return nil, nil, err
	}
	return out, rewrites, nil
}

// patchIdentifierInPlist replaces every occurrence of oldID with newID
// within an embedded info-plist section's bytes without changing the
// section's length: occurrences are zero-padded if newID is shorter, and
// the patch fails with ErrIdentifierTooLong if newID is longer than the
// padding available after the replaced occurrence (spec section 4.4).
func patchIdentifierInPlist(region []byte, oldID, newID string) ([]byte, int, error) {
	if oldID == "" || oldID == newID {
		return region, 0, nil
	}
	out := append([]byte{}, region...)
	old := []byte(oldID)
	replacement := []byte(newID)
	count := 0
	idx := 0
	for {
		pos := bytes.Index(out[idx:], old)
		if pos == -1 {
			break
		}
		abs := idx + pos
		if len(replacement) > len(old) {
			// Only safe if the bytes immediately after are NUL padding we
			// can consume without touching adjacent structured content.
			extra := len(replacement) - len(old)
			tail := out[abs+len(old):]
			if extra > len(tail) || !allZero(tail[:extra]) {
				return nil, 0, fmt.Errorf("%w: %q has no padding headroom for %q", errIdentifierTooLong, oldID, newID)
			}
			copy(out[abs:], replacement)
			idx = abs + len(replacement)
			count++
			continue
		}
		copy(out[abs:abs+len(old)], replacement)
		for i := abs + len(replacement); i < abs+len(old); i++ {
			out[i] = 0
		}
		idx = abs + len(old)
		count++
	}
	return out, count, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

var errIdentifierTooLong = fmt.Errorf("identifier exceeds available padding")

// ErrIdentifierTooLong reports whether err is the identifier-too-long
// failure mode from spec section 4.4/7.
func ErrIdentifierTooLong(err error) bool {
	return errors.Is(err, errIdentifierTooLong)
}
