package resolver

import (
	"golang.org/x/mod/semver"
)

// IsNewer reports whether candidate is a newer version than current.
// Full semver precedence is used when both parse, the coerced
// major.minor.patch otherwise. An unparseable current version is always
// older; an unparseable candidate is never newer.
func IsNewer(candidate, current string) bool {
	c, cur := canonicalVersion(candidate), canonicalVersion(current)
	if semver.IsValid(c) && semver.IsValid(cur) {
		return semver.Compare(c, cur) > 0
	}

	cc, ok := Coerce(candidate)
	if !ok {
		return false
	}
	cc2, ok := Coerce(current)
	if !ok {
		return true
	}
	return semver.Compare(cc, cc2) > 0
}
