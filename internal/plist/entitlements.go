package plist

import (
	"fmt"
	"strings"
)

// BuildEntitlements assembles an entitlements plist Value from a resolved
// set of key/value pairs, in insertion order. The reconciler is
// responsible for producing that order (spec section 4.2); this function
// only renders it.
func BuildEntitlements(pairs []KV) Value {
	d := NewDict()
	for _, kv := range pairs {
		d.Set(kv.Key, kv.Value)
	}
	return VDict(d)
}

// KV is an ordered entitlement key/value pair.
type KV struct {
	Key   string
	Value Value
}

// ValidateAppGroups checks that every app group identifier starts with
// "group." and carries a non-empty suffix, the format Apple requires for
// com.apple.security.application-groups entries.
func ValidateAppGroups(appGroups []string) error {
	for _, group := range appGroups {
		if !strings.HasPrefix(group, "group.") {
			return fmt.Errorf("app group identifier must start with %q: %s", "group.", group)
		}
		if len(group) <= len("group.") {
			return fmt.Errorf("app group identifier too short: %s", group)
		}
	}
	return nil
}

// StringValue returns the string value for a key in a dict-typed Value,
// or "" if absent or not a string. Convenience used by the reconciler
// when reading an app's declared entitlements.
func StringValue(v Value, key string) string {
	if v.Kind != KindDict || v.Dict == nil {
		return ""
	}
	val, ok := v.Dict.Get(key)
	if !ok || val.Kind != KindStr {
		return ""
	}
	return val.Str
}

// StringListValue returns the string-list value for a key, flattening any
// array of strings; non-string entries are skipped.
func StringListValue(v Value, key string) []string {
	if v.Kind != KindDict || v.Dict == nil {
		return nil
	}
	val, ok := v.Dict.Get(key)
	if !ok || val.Kind != KindArray {
		return nil
	}
	var out []string
	for _, e := range val.Array {
		if e.Kind == KindStr {
			out = append(out, e.Str)
		}
	}
	return out
}
