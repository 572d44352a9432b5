// Package plist implements a lossless property-list codec: XML plist and
// binary plist v1.0, decoding into and encoding from an ordered-map sum
// type rather than Go's native map[string]interface{}, so that dictionary
// key order and arbitrary-precision integers survive a round trip (spec
// section 4.5, and the "duck-typed plist nodes" redesign flag in
// section 9). Entitlements.plist and Info.plist are both ordinary plists
// under this codec.
package plist

import (
	"fmt"
	"math/big"
	"time"
)

// Kind tags the dynamic type carried by a Value.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindReal
	KindStr
	KindData
	KindDate
	KindArray
	KindDict
)

// Epoch is the reference instant plist Date values are stored relative to:
// 2001-01-01 00:00:00 UTC, per Apple's CFAbsoluteTime.
var Epoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// Value is a plist node: exactly one of the typed fields is meaningful,
// selected by Kind. Int holds up to 128 bits via math/big, per spec
// section 4.5's "arbitrary-precision up to 128 bits" requirement.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   *big.Int
	Real  float64
	Str   string
	Data  []byte
	Date  time.Time
	Array []Value
	Dict  *Dict
}

// Bool, String, Int64, Array and Dict constructors for convenient literal
// construction from Go code (the reconciler and Info.plist generator build
// plists this way rather than parsing).

func VBool(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func VString(s string) Value { return Value{Kind: KindStr, Str: s} }
func VData(d []byte) Value  { return Value{Kind: KindData, Data: d} }
func VDate(t time.Time) Value { return Value{Kind: KindDate, Date: t} }
func VReal(f float64) Value { return Value{Kind: KindReal, Real: f} }

func VInt64(i int64) Value { return Value{Kind: KindInt, Int: big.NewInt(i)} }

func VInt(i *big.Int) Value { return Value{Kind: KindInt, Int: i} }

func VArray(vs ...Value) Value { return Value{Kind: KindArray, Array: vs} }

func VStringArray(ss []string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = VString(s)
	}
	return Value{Kind: KindArray, Array: vs}
}

func VDict(d *Dict) Value { return Value{Kind: KindDict, Dict: d} }

// Dict is an insertion-ordered string-keyed map, the ordered-map structure
// the redesign flag in spec section 9 calls for in place of a duck-typed
// node walk.
type Dict struct {
	keys   []string
	values map[string]Value
}

// NewDict returns an empty, ready-to-use Dict.
func NewDict() *Dict {
	return &Dict{values: make(map[string]Value)}
}

// Set inserts or replaces the value for key, appending to the order if key
// is new.
func (d *Dict) Set(key string, v Value) *Dict {
	if d.values == nil {
		d.values = make(map[string]Value)
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
	return d
}

// Delete removes key, no-op if absent.
func (d *Dict) Delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys of d in first-seen order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len reports the number of entries in d.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Equal reports whether d and other have the same keys, in the same
// order, with equal values. Used by the plist round-trip test property.
func (d *Dict) Equal(other *Dict) bool {
	if d.Len() != other.Len() {
		return false
	}
	for i, k := range d.Keys() {
		ok := other.Keys()[i]
		if k != ok {
			return false
		}
		v1, _ := d.Get(k)
		v2, _ := other.Get(k)
		if !v1.Equal(v2) {
			return false
		}
	}
	return true
}

// Equal reports whether v and other represent the same plist value.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == other.Bool
	case KindInt:
		if v.Int == nil || other.Int == nil {
			return v.Int == other.Int
		}
		return v.Int.Cmp(other.Int) == 0
	case KindReal:
		return v.Real == other.Real
	case KindStr:
		return v.Str == other.Str
	case KindData:
		if len(v.Data) != len(other.Data) {
			return false
		}
		for i := range v.Data {
			if v.Data[i] != other.Data[i] {
				return false
			}
		}
		return true
	case KindDate:
		return v.Date.Equal(other.Date)
	case KindArray:
		if len(v.Array) != len(other.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	case KindDict:
		return v.Dict.Equal(other.Dict)
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindReal:
		return "real"
	case KindStr:
		return "string"
	case KindData:
		return "data"
	case KindDate:
		return "date"
	case KindArray:
		return "array"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
