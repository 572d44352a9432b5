package plist

import "bytes"

var binaryMagic = []byte("bplist00")

// IsBinary reports whether data is a binary plist v1.0 stream (spec
// section 4.5: the codec must handle both XML and binary variants).
func IsBinary(data []byte) bool {
	return bytes.HasPrefix(data, binaryMagic)
}

// Decode parses either an XML or a binary plist, detecting the format
// from its leading bytes, and reports which format it found so a caller
// that wants a lossless round trip can re-encode in the same format.
func Decode(data []byte) (v Value, binary bool, err error) {
	if IsBinary(data) {
		v, err = DecodeBinary(data)
		return v, true, err
	}
	v, err = DecodeXML(data)
	return v, false, err
}

// Encode renders v as binary plist when asBinary is set, else as XML,
// the inverse of Decode's format flag.
func Encode(v Value, asBinary bool) ([]byte, error) {
	if asBinary {
		return EncodeBinary(v)
	}
	return EncodeXML(v)
}
