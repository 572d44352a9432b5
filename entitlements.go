package warpsign

import (
	"encoding/base64"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/warpsign-dev/warpsign/internal/plist"
)

// EntitlementSetFromPlist converts a decoded entitlements plist (always a
// top-level dict) into an ordered EntitlementSet, preserving key order per
// spec section 4.5's ordered-dict requirement.
func EntitlementSetFromPlist(v plist.Value) EntitlementSet {
	set := NewEntitlementSet()
	if v.Kind != plist.KindDict || v.Dict == nil {
		return set
	}
	for _, key := range v.Dict.Keys() {
		val, _ := v.Dict.Get(key)
		set.Set(key, entitlementValueFromPlist(val))
	}
	return set
}

func entitlementValueFromPlist(v plist.Value) EntitlementValue {
	switch v.Kind {
	case plist.KindBool:
		return EntitlementValue{Kind: EntBool, Bool: v.Bool}
	case plist.KindStr:
		return EntitlementValue{Kind: EntString, Str: v.Str}
	case plist.KindArray:
		list := make([]string, 0, len(v.Array))
		for _, e := range v.Array {
			if e.Kind == plist.KindStr {
				list = append(list, e.Str)
			}
		}
		return EntitlementValue{Kind: EntStringList, List: list}
	case plist.KindDict:
		m := make(map[string]any)
		if v.Dict != nil {
			for _, key := range v.Dict.Keys() {
				val, _ := v.Dict.Get(key)
				m[key] = plistScalarToAny(val)
			}
		}
		return EntitlementValue{Kind: EntMapping, Mapping: m}
	default:
		// Real/Int/Data/Date entitlement values are rare; carry them as
		// strings so round-tripping through EntitlementSet never loses
		// data silently.
		s := v.Str
		switch v.Kind {
		case plist.KindInt:
			if v.Int != nil {
				s = v.Int.String()
			}
		case plist.KindReal:
			s = strconv.FormatFloat(v.Real, 'g', -1, 64)
		case plist.KindData:
			s = base64.StdEncoding.EncodeToString(v.Data)
		case plist.KindDate:
			s = v.Date.UTC().Format(time.RFC3339)
		}
		return EntitlementValue{Kind: EntString, Str: s}
	}
}

func plistScalarToAny(v plist.Value) any {
	switch v.Kind {
	case plist.KindBool:
		return v.Bool
	case plist.KindStr:
		return v.Str
	case plist.KindInt:
		if v.Int != nil {
			return v.Int.String()
		}
		return nil
	case plist.KindReal:
		return v.Real
	default:
		return v.Str
	}
}

// EntitlementSetToPlist renders an EntitlementSet back into a plist.Value
// dict, in the set's key order, the inverse of EntitlementSetFromPlist.
func EntitlementSetToPlist(set EntitlementSet) plist.Value {
	d := plist.NewDict()
	for _, key := range set.Keys() {
		val, _ := set.Get(key)
		d.Set(key, entitlementValueToPlist(val))
	}
	return plist.VDict(d)
}

func entitlementValueToPlist(v EntitlementValue) plist.Value {
	switch v.Kind {
	case EntBool:
		return plist.VBool(v.Bool)
	case EntString:
		return plist.VString(v.Str)
	case EntStringList:
		return plist.VStringArray(v.List)
	case EntMapping:
		d := plist.NewDict()
		keys := make([]string, 0, len(v.Mapping))
		for k := range v.Mapping {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.Set(k, anyToPlist(v.Mapping[k]))
		}
		return plist.VDict(d)
	default:
		return plist.VString("")
	}
}

func anyToPlist(v any) plist.Value {
	switch t := v.(type) {
	case bool:
		return plist.VBool(t)
	case string:
		return plist.VString(t)
	case int:
		return plist.VInt64(int64(t))
	case int64:
		return plist.VInt64(t)
	case float64:
		return plist.VReal(t)
	case *big.Int:
		return plist.VInt(t)
	default:
		return plist.VString("")
	}
}
