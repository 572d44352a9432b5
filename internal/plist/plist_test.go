package plist

import (
	"math/big"
	"testing"
	"time"
)

func sampleDict() Value {
	d := NewDict()
	d.Set("CFBundleIdentifier", VString("com.example.hello"))
	d.Set("CFBundleVersion", VString("1.0"))
	d.Set("get-task-allow", VBool(true))
	d.Set("MaxCount", VInt64(255))
	d.Set("Ratio", VReal(0.5))
	d.Set("Groups", VStringArray([]string{"group.a", "group.b"}))
	d.Set("Created", VDate(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	d.Set("Blob", VData([]byte{0x01, 0x02, 0xFF}))
	huge, _ := new(big.Int).SetString("170141183460469231731687303715884105727", 10)
	d.Set("Huge", VInt(huge))
	return VDict(d)
}

func TestXMLRoundTrip(t *testing.T) {
	orig := sampleDict()
	encoded, err := EncodeXML(orig)
	if err != nil {
		t.Fatalf("EncodeXML: %v", err)
	}
	decoded, err := DecodeXML(encoded)
	if err != nil {
		t.Fatalf("DecodeXML: %v", err)
	}
	if !orig.Equal(decoded) {
		t.Fatalf("round trip mismatch:\norig=%+v\ndecoded=%+v", orig, decoded)
	}
	// decode(encode(decode(x))) == decode(x)
	reencoded, err := EncodeXML(decoded)
	if err != nil {
		t.Fatalf("EncodeXML (second pass): %v", err)
	}
	redecoded, err := DecodeXML(reencoded)
	if err != nil {
		t.Fatalf("DecodeXML (second pass): %v", err)
	}
	if !decoded.Equal(redecoded) {
		t.Fatalf("second round trip mismatch")
	}
}

func TestXMLKeyOrderPreserved(t *testing.T) {
	orig := sampleDict()
	encoded, _ := EncodeXML(orig)
	decoded, err := DecodeXML(encoded)
	if err != nil {
		t.Fatal(err)
	}
	want := orig.Dict.Keys()
	got := decoded.Dict.Keys()
	if len(want) != len(got) {
		t.Fatalf("key count mismatch: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("key order mismatch at %d: %q vs %q", i, want[i], got[i])
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	orig := sampleDict()
	encoded, err := EncodeBinary(orig)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	decoded, err := DecodeBinary(encoded)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if !orig.Equal(decoded) {
		t.Fatalf("binary round trip mismatch:\norig=%+v\ndecoded=%+v", orig, decoded)
	}
}

func TestBinaryNegativeAndLargeInts(t *testing.T) {
	cases := []int64{0, -1, 127, -128, 32767, -32768, 1 << 30, -(1 << 30), 1<<62 - 1}
	for _, c := range cases {
		v := VInt64(c)
		enc, err := EncodeBinary(v)
		if err != nil {
			t.Fatalf("encode %d: %v", c, err)
		}
		dec, err := DecodeBinary(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", c, err)
		}
		if dec.Int.Int64() != c {
			t.Fatalf("got %d, want %d", dec.Int.Int64(), c)
		}
	}
}

func TestValidateAppGroups(t *testing.T) {
	if err := ValidateAppGroups([]string{"group.com.example.shared"}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := ValidateAppGroups([]string{"com.example.shared"}); err == nil {
		t.Fatal("expected error for missing group. prefix")
	}
	if err := ValidateAppGroups([]string{"group."}); err == nil {
		t.Fatal("expected error for empty suffix")
	}
}

func TestEmptyArrayAndDict(t *testing.T) {
	d := NewDict()
	d.Set("Empty", VArray())
	v := VDict(d)
	encoded, err := EncodeXML(v)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeXML(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(decoded) {
		t.Fatalf("empty array round trip mismatch")
	}
}
