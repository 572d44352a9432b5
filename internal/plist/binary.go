package plist

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"
	"unicode/utf16"
)

// Binary plist v1.0 (bplist00), as used by Apple's Foundation and by
// provisioning profile / entitlements blobs embedded in a signed bundle.
// Layout: 8-byte magic, an object table, an offset table, and a 32-byte
// trailer. See spec section 4.5: "semantically-identical output for
// binary (ordering of unordered dictionaries is preserved by first-seen
// order)".

const bplistMagic = "bplist00"

// EncodeBinary renders v as a binary plist v1.0 document.
func EncodeBinary(v Value) ([]byte, error) {
	e := &binEncoder{
		index:     make(map[string]int),
		arrayRefs: make(map[int][]int),
		dictRefs:  make(map[int][2][]int),
	}
	root := e.intern(v)
	return e.finish(root)
}

type binEncoder struct {
	objects []Value
	// index deduplicates identical scalar leaves (strings) the way
	// CFBinaryPlist does; keyed by a type-tagged string so different kinds
	// never collide.
	index map[string]int
	// arrayRefs/dictRefs hold resolved child-object indices for each
	// container object, keyed by that object's index into objects (Value
	// itself carries no room for resolved indices).
	arrayRefs map[int][]int
	dictRefs  map[int][2][]int
}

func (e *binEncoder) intern(v Value) int {
	if v.Kind == KindStr {
		key := "s:" + v.Str
		if i, ok := e.index[key]; ok {
			return i
		}
		idx := len(e.objects)
		e.objects = append(e.objects, v)
		e.index[key] = idx
		return idx
	}
	idx := len(e.objects)
	e.objects = append(e.objects, v)
	switch v.Kind {
	case KindArray:
		childRefs := make([]int, len(v.Array))
		for i, c := range v.Array {
			childRefs[i] = e.intern(c)
		}
		e.arrayRefs[idx] = childRefs
	case KindDict:
		keys := v.Dict.Keys()
		keyRefs := make([]int, len(keys))
		valRefs := make([]int, len(keys))
		for i, k := range keys {
			keyRefs[i] = e.intern(VString(k))
			val, _ := v.Dict.Get(k)
			valRefs[i] = e.intern(val)
		}
		e.dictRefs[idx] = [2][]int{keyRefs, valRefs}
	}
	return idx
}

func (e *binEncoder) finish(root int) ([]byte, error) {
	n := len(e.objects)
	offsets := make([]int, n)
	var body []byte

	// object_ref_size depends on object count, known only once n is final.
	refSize := refSizeFor(n)

	for i, v := range e.objects {
		offsets[i] = len(body) + len(bplistMagic)
		enc, err := encodeObject(v, refSize, e.arrayRefs[i], e.dictRefs[i])
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}

	offsetTableStart := len(bplistMagic) + len(body)
	offIntSize := byteLenFor(offsetTableStart + n*8)
	var offsetTable []byte
	for _, off := range offsets {
		offsetTable = append(offsetTable, encodeUint(uint64(off), offIntSize)...)
	}

	out := append([]byte(bplistMagic), body...)
	out = append(out, offsetTable...)

	trailer := make([]byte, 32)
	trailer[6] = byte(offIntSize)
	trailer[7] = byte(refSize)
	binary.BigEndian.PutUint64(trailer[8:16], uint64(n))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(root))
	binary.BigEndian.PutUint64(trailer[24:32], uint64(offsetTableStart))
	out = append(out, trailer...)
	return out, nil
}

func refSizeFor(n int) int { return byteLenFor(n) }

func byteLenFor(n int) int {
	switch {
	case n < 1<<8:
		return 1
	case n < 1<<16:
		return 2
	case n < 1<<32:
		return 4
	default:
		return 8
	}
}

func encodeUint(v uint64, size int) []byte {
	b := make([]byte, size)
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
	return b
}

func encodeObject(v Value, refSize int, arrayRefs []int, dictRefs [2][]int) ([]byte, error) {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return []byte{0x09}, nil
		}
		return []byte{0x08}, nil
	case KindInt:
		i := v.Int
		if i == nil {
			i = big.NewInt(0)
		}
		return encodeBinInt(i), nil
	case KindReal:
		out := []byte{0x23}
		bits := math.Float64bits(v.Real)
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, bits)
		return append(out, b...), nil
	case KindDate:
		out := []byte{0x33}
		secs := v.Date.UTC().Sub(Epoch).Seconds()
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(secs))
		return append(out, b...), nil
	case KindData:
		return append(encodeLengthMarker(0x4, len(v.Data)), v.Data...), nil
	case KindStr:
		return encodeBinString(v.Str), nil
	case KindArray:
		out := encodeLengthMarker(0xA, len(arrayRefs))
		for _, r := range arrayRefs {
			out = append(out, encodeUint(uint64(r), refSize)...)
		}
		return out, nil
	case KindDict:
		out := encodeLengthMarker(0xD, len(dictRefs[0]))
		for _, r := range dictRefs[0] {
			out = append(out, encodeUint(uint64(r), refSize)...)
		}
		for _, r := range dictRefs[1] {
			out = append(out, encodeUint(uint64(r), refSize)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("plist: unencodable binary kind %v", v.Kind)
	}
}

func encodeLengthMarker(topNibble byte, n int) []byte {
	if n < 15 {
		return []byte{topNibble<<4 | byte(n)}
	}
	lenObj := encodeBinInt(big.NewInt(int64(n)))
	return append([]byte{topNibble<<4 | 0x0F}, lenObj...)
}

func encodeBinInt(i *big.Int) []byte {
	if i.IsInt64() {
		v := i.Int64()
		switch {
		case v >= -1<<7 && v < 1<<7:
			return []byte{0x10, byte(v)}
		case v >= -1<<15 && v < 1<<15:
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, uint16(v))
			return append([]byte{0x11}, b...)
		case v >= -1<<31 && v < 1<<31:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			return append([]byte{0x12}, b...)
		default:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(v))
			return append([]byte{0x13}, b...)
		}
	}
	// 128-bit: two's complement big-endian over 16 bytes, marker 0x14.
	b := i.Bytes()
	out := make([]byte, 16)
	copy(out[16-len(b):], b)
	if i.Sign() < 0 {
		for idx := range out {
			out[idx] = ^out[idx]
		}
		for idx := len(out) - 1; idx >= 0; idx-- {
			out[idx]++
			if out[idx] != 0 {
				break
			}
		}
	}
	return append([]byte{0x14}, out...)
}

func encodeBinString(s string) []byte {
	ascii := true
	for _, r := range s {
		if r > 0x7F {
			ascii = false
			break
		}
	}
	if ascii {
		return append(encodeLengthMarker(0x5, len(s)), []byte(s)...)
	}
	u := utf16.Encode([]rune(s))
	out := encodeLengthMarker(0x6, len(u))
	b := make([]byte, 2)
	for _, r := range u {
		binary.BigEndian.PutUint16(b, r)
		out = append(out, b...)
	}
	return out
}

// DecodeBinary parses a binary plist v1.0 document into a Value tree.
func DecodeBinary(data []byte) (Value, error) {
	if len(data) < 40 || string(data[:8]) != bplistMagic {
		return Value{}, fmt.Errorf("plist: not a binary plist")
	}
	trailer := data[len(data)-32:]
	offIntSize := int(trailer[6])
	refSize := int(trailer[7])
	numObjects := int(binary.BigEndian.Uint64(trailer[8:16]))
	topObject := int(binary.BigEndian.Uint64(trailer[16:24]))
	offsetTableStart := int(binary.BigEndian.Uint64(trailer[24:32]))

	offsets := make([]int, numObjects)
	for i := 0; i < numObjects; i++ {
		start := offsetTableStart + i*offIntSize
		offsets[i] = int(decodeUint(data[start : start+offIntSize]))
	}

	d := &binDecoder{data: data, offsets: offsets, refSize: refSize}
	return d.decodeAt(topObject)
}

type binDecoder struct {
	data    []byte
	offsets []int
	refSize int
}

func decodeUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}

func (d *binDecoder) refAt(off int) int {
	return int(decodeUint(d.data[off : off+d.refSize]))
}

func (d *binDecoder) decodeAt(objIdx int) (Value, error) {
	if objIdx < 0 || objIdx >= len(d.offsets) {
		return Value{}, fmt.Errorf("plist: object index %d out of range", objIdx)
	}
	off := d.offsets[objIdx]
	marker := d.data[off]
	top := marker >> 4
	low := marker & 0x0F

	switch {
	case marker == 0x08:
		return VBool(false), nil
	case marker == 0x09:
		return VBool(true), nil
	case top == 0x1:
		n := 1 << low
		raw := d.data[off+1 : off+1+n]
		var i *big.Int
		switch {
		case n < 8:
			// Sign-extend an n-byte big-endian two's-complement integer.
			var v int64
			for _, b := range raw {
				v = v<<8 | int64(b)
			}
			shift := uint(64 - n*8)
			v = (v << shift) >> shift
			i = big.NewInt(v)
		case n == 8:
			i = big.NewInt(int64(binary.BigEndian.Uint64(raw)))
		default:
			// 128-bit (n == 16): two's-complement big-endian.
			u := new(big.Int).SetBytes(raw)
			if raw[0]&0x80 != 0 {
				max := new(big.Int).Lsh(big.NewInt(1), uint(n*8))
				u.Sub(u, max)
			}
			i = u
		}
		return VInt(i), nil
	case top == 0x2:
		n := 1 << low
		raw := d.data[off+1 : off+1+n]
		if n == 4 {
			return VReal(float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))), nil
		}
		return VReal(math.Float64frombits(binary.BigEndian.Uint64(raw))), nil
	case marker == 0x33:
		secs := math.Float64frombits(binary.BigEndian.Uint64(d.data[off+1 : off+9]))
		return VDate(Epoch.Add(time.Duration(secs * float64(time.Second)))), nil
	case top == 0x4:
		n, dataOff := d.readLength(off, low)
		return VData(append([]byte{}, d.data[dataOff:dataOff+n]...)), nil
	case top == 0x5:
		n, dataOff := d.readLength(off, low)
		return VString(string(d.data[dataOff : dataOff+n])), nil
	case top == 0x6:
		n, dataOff := d.readLength(off, low)
		units := make([]uint16, n)
		for i := 0; i < n; i++ {
			units[i] = binary.BigEndian.Uint16(d.data[dataOff+i*2 : dataOff+i*2+2])
		}
		return VString(string(utf16.Decode(units))), nil
	case top == 0xA:
		n, dataOff := d.readLength(off, low)
		arr := make([]Value, n)
		for i := 0; i < n; i++ {
			ref := d.refAt(dataOff + i*d.refSize)
			v, err := d.decodeAt(ref)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Value{Kind: KindArray, Array: arr}, nil
	case top == 0xD:
		n, dataOff := d.readLength(off, low)
		keyRefsOff := dataOff
		valRefsOff := dataOff + n*d.refSize
		dict := NewDict()
		for i := 0; i < n; i++ {
			kRef := d.refAt(keyRefsOff + i*d.refSize)
			vRef := d.refAt(valRefsOff + i*d.refSize)
			kv, err := d.decodeAt(kRef)
			if err != nil {
				return Value{}, err
			}
			vv, err := d.decodeAt(vRef)
			if err != nil {
				return Value{}, err
			}
			dict.Set(kv.Str, vv)
		}
		return VDict(dict), nil
	default:
		return Value{}, fmt.Errorf("plist: unsupported binary marker 0x%02x", marker)
	}
}

// readLength handles the inline-vs-overflow length encoding shared by
// data/string/array/dict markers, returning (length, offset-of-payload).
func (d *binDecoder) readLength(markerOff int, low byte) (int, int) {
	if low != 0x0F {
		return int(low), markerOff + 1
	}
	lenMarker := d.data[markerOff+1]
	n := 1 << (lenMarker & 0x0F)
	raw := d.data[markerOff+2 : markerOff+2+n]
	var length uint64
	for _, b := range raw {
		length = length<<8 | uint64(b)
	}
	return int(length), markerOff + 2 + n
}
