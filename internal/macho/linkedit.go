package macho

import (
	"debug/macho"
)

const (
	lcSegment        = 0x1
	lcSegment64      = 0x19
	lcCodeSignature  = 0x1d
	segCmd32Size     = 56
	segCmd64Size     = 72
	linkeditSegName  = "__LINKEDIT"
)

// stripCodeSignature removes the LC_CODE_SIGNATURE load command from out
// (a copy of a single-architecture Mach-O image) and shrinks
// __LINKEDIT's recorded size to exclude the signature blob it pointed at
// (spec section 4.4: "sizeofcmds and __LINKEDIT segment sizes are
// adjusted accordingly"). When truncate is true the trailing signature
// bytes are also cut from the returned buffer; when false (a slice
// living inside a fat binary, where every fat_arch offset after this one
// would otherwise need recomputing) the bytes are zeroed in place and
// the buffer length is left unchanged.
func stripCodeSignature(f *macho.File, out []byte, truncate bool) ([]byte, error) {
	is64 := f.Magic == macho.Magic64 || f.Magic == macho.MagicFat
	bo := f.ByteOrder

	headerSize := 28
	if is64 {
		headerSize = 32
	}
	if len(out) < headerSize {
		return out, nil
	}

	ncmds := int(f.Ncmd)
	sizeofcmds := int(f.Cmdsz)

	lcOff := headerSize
	var sigCmdOff, sigCmdSize int
	var dataOff, dataSize uint32
	found := false

	off := lcOff
	for i := 0; i < ncmds; i++ {
		if off+8 > len(out) {
			break
		}
		cmd := bo.Uint32(out[off : off+4])
		cmdsize := bo.Uint32(out[off+4 : off+8])
		if cmd == lcCodeSignature {
			sigCmdOff = off
			sigCmdSize = int(cmdsize)
			if off+16 <= len(out) {
				dataOff = bo.Uint32(out[off+8 : off+12])
				dataSize = bo.Uint32(out[off+12 : off+16])
			}
			found = true
			break
		}
		off += int(cmdsize)
	}
	if !found {
		return out, nil
	}

	// Shrink __LINKEDIT's filesize/vmsize by the signature blob's size.
	off = lcOff
	for i := 0; i < ncmds; i++ {
		if off+8 > len(out) {
			break
		}
		cmd := bo.Uint32(out[off : off+4])
		cmdsize := bo.Uint32(out[off+4 : off+8])
		if (cmd == lcSegment64 || cmd == lcSegment) && off+24 <= len(out) {
			name := nulString(out[off+8 : off+24])
			if name == linkeditSegName {
				// segment_command_64: vmsize at +32, filesize at +48;
				// segment_command: vmsize at +28, filesize at +36.
				if cmd == lcSegment64 && off+segCmd64Size <= len(out) {
					filesize := bo.Uint64(out[off+48 : off+56])
					bo.PutUint64(out[off+48:off+56], filesize-uint64(dataSize))
					vmsize := bo.Uint64(out[off+32 : off+40])
					bo.PutUint64(out[off+32:off+40], vmsize-uint64(dataSize))
				} else if cmd == lcSegment && off+segCmd32Size <= len(out) {
					filesize := bo.Uint32(out[off+36 : off+40])
					bo.PutUint32(out[off+36:off+40], filesize-dataSize)
					vmsize := bo.Uint32(out[off+28 : off+32])
					bo.PutUint32(out[off+28:off+32], vmsize-dataSize)
				}
			}
		}
		off += int(cmdsize)
	}

	// Remove the LC_CODE_SIGNATURE bytes from the load-command area,
	// shifting everything after it up.
	rest := append([]byte{}, out[sigCmdOff+sigCmdSize:headerSize+sizeofcmds]...)
	copy(out[sigCmdOff:], rest)
	// Zero the now-unused tail of the command area; it becomes padding
	// for both thin files and universal slices.
	for i := headerSize + sizeofcmds - sigCmdSize; i < headerSize+sizeofcmds; i++ {
		if i < len(out) {
			out[i] = 0
		}
	}

	// ncmds and sizeofcmds sit at fixed offsets 16 and 20 in both the
	// 32-bit and 64-bit mach_header (the 64-bit variant only adds a
	// trailing reserved field).
	bo.PutUint32(out[16:20], uint32(ncmds-1))
	bo.PutUint32(out[20:24], uint32(sizeofcmds-sigCmdSize))

	if int(dataOff) > 0 && int(dataOff) <= len(out) {
		if truncate {
			out = out[:dataOff]
		} else {
			for i := int(dataOff); i < len(out); i++ {
				out[i] = 0
			}
		}
	}
	return out, nil
}

func nulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
