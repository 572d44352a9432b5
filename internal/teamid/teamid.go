// Package teamid validates Apple Developer Team IDs and substitutes them
// into group identifiers, used by the entitlement reconciler's
// keychain-access-groups derivation and the signer's certificate-identity
// parsing.
package teamid

import "strings"

// IsValidTeamID reports whether teamID is a 10-character string of
// uppercase letters and digits only, the format Apple assigns team ids in.
func IsValidTeamID(teamID string) bool {
	if len(teamID) != 10 {
		return false
	}
	for _, r := range teamID {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// SubstituteTeamIDInGroups replaces "TEAMID" placeholders in app group or
// keychain-access-group identifiers with teamID, in place, and returns the
// number of substitutions made. Used by the entitlement reconciler's
// keychain-access-groups derivation (spec section 4.2).
func SubstituteTeamIDInGroups(groups []string, teamID string) int {
	if teamID == "" {
		return 0
	}
	substitutions := 0
	for i, group := range groups {
		if strings.Contains(group, "TEAMID") {
			groups[i] = strings.ReplaceAll(group, "TEAMID", teamID)
			substitutions++
		}
	}
	return substitutions
}
