// Package identifier implements the deterministic bundle-identifier
// allocation policy of spec section 4.3: mapping an archive's original
// bundle identifiers to new, team-prefixed ones, sanitising characters
// Apple's portal rejects, and enforcing the nested-bundle tree
// consistency invariant. It is a pure, I/O-free package, grounded on the
// teacher's internal/system/naming.go delegation style (ValidateBundleID,
// CleanAppName) but reworked in-package since the teacher's own helpers
// dependency is out of domain here.
package identifier

import "strings"

// MaxLength is Apple's maximum identifier length (spec section 8: "255
// byte Apple maximum").
const MaxLength = 255

// Sanitize replaces every character outside [A-Za-z0-9-.] with '-', the
// substitution the default mapping policy requires before prefixing
// (spec section 4.3).
func Sanitize(original string) string {
	b := []byte(original)
	changed := false
	for i, c := range b {
		if isAllowed(c) {
			continue
		}
		b[i] = '-'
		changed = true
	}
	if !changed {
		return original
	}
	return string(b)
}

func isAllowed(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.':
		return true
	default:
		return false
	}
}

// Allocate returns the default-policy new identifier for original:
// "<prefix>.<sanitised original>". Callers implementing
// --force-original-id skip this function entirely and keep original
// verbatim (spec section 4.3, only permitted with a distribution cert).
func Allocate(prefix, original string) string {
	return prefix + "." + Sanitize(original)
}

// WithinLimit reports whether id does not exceed Apple's maximum
// identifier length. The caller is expected to fail with
// ErrIdentifierTooLong before any portal mutation when this is false
// (spec section 8's boundary case).
func WithinLimit(id string) bool {
	return len(id) <= MaxLength
}

// PrefixRelation reports whether child equals parent + "." + a non-empty
// suffix, returning that suffix.
func PrefixRelation(parent, child string) (suffix string, ok bool) {
	if parent == "" {
		return "", false
	}
	withDot := parent + "."
	if !strings.HasPrefix(child, withDot) || len(child) == len(withDot) {
		return "", false
	}
	return child[len(withDot):], true
}

// TreeConsistent reports whether new identifiers preserve whatever
// prefix relation held between the original identifiers (spec section
// 4.3's tree consistency invariant and section 8's tree-invariant
// testable property). If the originals were not in a prefix relation,
// nothing is required of the new identifiers and this reports true.
func TreeConsistent(parentOriginal, childOriginal, parentNew, childNew string) bool {
	wantSuffix, ok := PrefixRelation(parentOriginal, childOriginal)
	if !ok {
		return true
	}
	gotSuffix, ok := PrefixRelation(parentNew, childNew)
	if !ok {
		return false
	}
	return gotSuffix == Sanitize(wantSuffix)
}

// CapabilitiesSatisfy reports whether existing already grants every
// capability set in required, used by the conflict-resolution policy
// for an identifier that already exists on the team (spec section 4.3:
// "reuse if its capability set is a superset of the required set;
// otherwise update it").
func CapabilitiesSatisfy(existing, required map[string]bool) bool {
	for name, need := range required {
		if need && !existing[name] {
			return false
		}
	}
	return true
}

// MergeCapabilities returns the union of existing and required,
// preferring true whenever either side enables a capability. Used when
// an existing identifier's capabilities fall short and must be updated
// rather than replaced.
func MergeCapabilities(existing, required map[string]bool) map[string]bool {
	out := make(map[string]bool, len(existing)+len(required))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range required {
		if v {
			out[k] = true
		}
	}
	return out
}
