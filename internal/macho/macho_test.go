package macho

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"testing"
)

func TestPatchIdentifierInPlistShorter(t *testing.T) {
	region := append([]byte("com.example.hello"), 0, 0, 0, 0, 0)
	patched, n, err := patchIdentifierInPlist(region, "com.example.hello", "com.x.h")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 replacement, got %d", n)
	}
	if len(patched) != len(region) {
		t.Fatalf("length changed: %d vs %d", len(patched), len(region))
	}
}

func TestPatchIdentifierInPlistLongerWithPadding(t *testing.T) {
	region := append([]byte("com.example.hi"), make([]byte, 10)...)
	patched, n, err := patchIdentifierInPlist(region, "com.example.hi", "com.example.hello-world")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 replacement, got %d", n)
	}
	if len(patched) != len(region) {
		t.Fatalf("length changed unexpectedly")
	}
}

func TestPatchIdentifierInPlistTooLong(t *testing.T) {
	region := []byte("com.example.hi")
	_, _, err := patchIdentifierInPlist(region, "com.example.hi", "com.example.hello-world-extremely-long")
	if err == nil {
		t.Fatal("expected identifier-too-long error")
	}
	if !ErrIdentifierTooLong(err) {
		t.Fatalf("expected ErrIdentifierTooLong to classify %v", err)
	}
}

func TestPatchIdentifierNoOccurrence(t *testing.T) {
	region := []byte("unrelated content")
	patched, n, err := patchIdentifierInPlist(region, "com.example.hi", "com.example.bye")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no replacements, got %d", n)
	}
	if string(patched) != string(region) {
		t.Fatal("unmodified region should be returned unchanged")
	}
}

// Synthetic 64-bit little-endian Mach-O layout used by the Patch tests:
// a mach_header_64, a __TEXT segment carrying one __info_plist section at
// offset 512, a __LINKEDIT segment whose last 32 bytes are the signature
// blob, and a trailing LC_CODE_SIGNATURE load command pointing at it.
const (
	testFileSize  = 640
	testSecOffset = 512
	testSecSize   = 64
	testSigOffset = 608
	testSigSize   = 32

	testTextCmdOff     = 32
	testLinkeditCmdOff = 184
	testCodesigCmdOff  = 256
)

func put32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func put64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

func buildThinMachO(t *testing.T, bundleID string) []byte {
	t.Helper()
	b := make([]byte, testFileSize)

	// mach_header_64
	put32(b, 0, 0xfeedfacf)
	put32(b, 4, 0x0100000c) // arm64
	put32(b, 12, 2)         // MH_EXECUTE
	put32(b, 16, 3)         // ncmds
	put32(b, 20, 240)       // sizeofcmds

	// LC_SEGMENT_64 __TEXT with one __info_plist section
	off := testTextCmdOff
	put32(b, off, 0x19)
	put32(b, off+4, 152)
	copy(b[off+8:off+24], "__TEXT")
	put64(b, off+32, 0x1000) // vmsize
	put64(b, off+48, 576)    // filesize
	put32(b, off+56, 7)
	put32(b, off+60, 5)
	put32(b, off+64, 1) // nsects
	sec := off + 72
	copy(b[sec:sec+16], "__info_plist")
	copy(b[sec+16:sec+32], "__TEXT")
	put64(b, sec+32, 0x200)
	put64(b, sec+40, testSecSize)
	put32(b, sec+48, testSecOffset)

	// LC_SEGMENT_64 __LINKEDIT, covering the signature blob
	off = testLinkeditCmdOff
	put32(b, off, 0x19)
	put32(b, off+4, 72)
	copy(b[off+8:off+24], "__LINKEDIT")
	put64(b, off+24, 0x2000) // vmaddr
	put64(b, off+32, 64)     // vmsize
	put64(b, off+40, 576)    // fileoff
	put64(b, off+48, 64)     // filesize
	put32(b, off+56, 1)
	put32(b, off+60, 1)

	// LC_CODE_SIGNATURE
	off = testCodesigCmdOff
	put32(b, off, 0x1d)
	put32(b, off+4, 16)
	put32(b, off+8, testSigOffset)
	put32(b, off+12, testSigSize)

	copy(b[testSecOffset:], "<key>CFBundleIdentifier</key><string>"+bundleID+"</string>")
	for i := testSigOffset; i < testSigOffset+testSigSize; i++ {
		b[i] = 0xfa
	}
	return b
}

func TestPatchThinBinary(t *testing.T) {
	const oldID = "com.example.hello"
	const newID = "com.acme.hi"
	data := buildThinMachO(t, oldID)

	out, rewrites, err := Patch(data, oldID, newID)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(rewrites) != 1 {
		t.Fatalf("expected 1 rewrite, got %d", len(rewrites))
	}
	if len(out) != testSigOffset {
		t.Fatalf("signature blob not truncated: len = %d, want %d", len(out), testSigOffset)
	}

	if got := binary.LittleEndian.Uint32(out[16:20]); got != 2 {
		t.Fatalf("ncmds = %d, want 2 after strip", got)
	}
	if got := binary.LittleEndian.Uint32(out[20:24]); got != 240-16 {
		t.Fatalf("sizeofcmds = %d, want %d", got, 240-16)
	}

	// everything but the stripped command and the __LINKEDIT bounds stays
	// byte-identical
	if !bytes.Equal(out[0:16], data[0:16]) || !bytes.Equal(out[24:32], data[24:32]) {
		t.Fatal("header bytes outside ncmds/sizeofcmds changed")
	}
	if !bytes.Equal(out[testTextCmdOff:testLinkeditCmdOff], data[testTextCmdOff:testLinkeditCmdOff]) {
		t.Fatal("__TEXT load command changed")
	}

	le := testLinkeditCmdOff
	if got := binary.LittleEndian.Uint64(out[le+48 : le+56]); got != 64-testSigSize {
		t.Fatalf("__LINKEDIT filesize = %d, want %d", got, 64-testSigSize)
	}
	if got := binary.LittleEndian.Uint64(out[le+32 : le+40]); got != 64-testSigSize {
		t.Fatalf("__LINKEDIT vmsize = %d, want %d", got, 64-testSigSize)
	}

	// a fresh parse reports the new identifier
	f, err := macho.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("reparsing patched binary: %v", err)
	}
	defer f.Close()
	if f.Ncmd != 2 {
		t.Fatalf("reparsed ncmds = %d, want 2", f.Ncmd)
	}
	sec := f.Section("__info_plist")
	if sec == nil {
		t.Fatal("__info_plist section missing after patch")
	}
	secData, err := sec.Data()
	if err != nil {
		t.Fatalf("reading patched section: %v", err)
	}
	if !bytes.Contains(secData, []byte(newID)) {
		t.Fatalf("patched section does not carry %q", newID)
	}
	if bytes.Contains(secData, []byte(oldID)) {
		t.Fatalf("patched section still carries %q", oldID)
	}
}

func TestPatchFatBinary(t *testing.T) {
	const oldID = "com.example.hello"
	const newID = "com.acme.hi"
	const sliceOff = 1024
	thin := buildThinMachO(t, oldID)

	fat := make([]byte, sliceOff+len(thin))
	binary.BigEndian.PutUint32(fat[0:], 0xcafebabe)
	binary.BigEndian.PutUint32(fat[4:], 1) // nfat_arch
	binary.BigEndian.PutUint32(fat[8:], 0x0100000c)
	binary.BigEndian.PutUint32(fat[16:], sliceOff)
	binary.BigEndian.PutUint32(fat[20:], uint32(len(thin)))
	binary.BigEndian.PutUint32(fat[24:], 10) // align
	copy(fat[sliceOff:], thin)

	out, rewrites, err := Patch(fat, oldID, newID)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(out) != len(fat) {
		t.Fatalf("universal image changed size: %d vs %d", len(out), len(fat))
	}
	if len(rewrites) != 1 || rewrites[0].SliceOffset != sliceOff {
		t.Fatalf("rewrites = %+v, want one at slice offset %d", rewrites, sliceOff)
	}

	slice := out[sliceOff:]
	if got := binary.LittleEndian.Uint32(slice[16:20]); got != 2 {
		t.Fatalf("slice ncmds = %d, want 2 after strip", got)
	}
	// the signature bytes are zeroed in place rather than truncated so
	// the fat_arch offsets stay valid
	for i := testSigOffset; i < testSigOffset+testSigSize; i++ {
		if slice[i] != 0 {
			t.Fatalf("signature byte at %d not zeroed: 0x%02x", i, slice[i])
		}
	}

	f, err := macho.NewFile(bytes.NewReader(slice))
	if err != nil {
		t.Fatalf("reparsing patched slice: %v", err)
	}
	defer f.Close()
	secData, err := f.Section("__info_plist").Data()
	if err != nil {
		t.Fatalf("reading patched section: %v", err)
	}
	if !bytes.Contains(secData, []byte(newID)) || bytes.Contains(secData, []byte(oldID)) {
		t.Fatalf("slice identifier not patched: %q", secData)
	}
}
