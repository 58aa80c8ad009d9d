// Package resolver orders releases by version and channel, picks the
// latest release across sources and evaluates version ranges.
package resolver

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"golang.org/x/mod/semver"

	"github.com/ralt/updatekit/internal/models"
)

var coerceMatcher = regexp.MustCompile(`(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// Coerce extracts the first major[.minor[.patch]] from version and returns
// it as "vMAJOR.MINOR.PATCH". Prerelease and build suffixes are dropped.
func Coerce(version string) (string, bool) {
	m := coerceMatcher.FindStringSubmatch(version)
	if m == nil {
		return "", false
	}
	parts := [3]int{}
	for i, s := range m[1:] {
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return "", false
		}
		parts[i] = n
	}
	return fmt.Sprintf("v%d.%d.%d", parts[0], parts[1], parts[2]), true
}

func coerceRelease(r models.Release) (string, bool) {
	if !r.IsValid() {
		return "", false
	}
	return Coerce(r.Version)
}

// Compare orders releases newest first: a negative result puts a before b.
// Invalid releases sort after valid ones. Equal coerced versions are ranked
// by channel priority.
func Compare(a, b models.Release) int {
	av, aok := coerceRelease(a)
	bv, bok := coerceRelease(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return 1
	case !bok:
		return -1
	}
	if c := semver.Compare(bv, av); c != 0 {
		return c
	}
	return cmp.Compare(ChannelPriority(b.Channel), ChannelPriority(a.Channel))
}

// Sort orders releases in place with Compare, keeping the input order of
// equal releases.
func Sort(releases []models.Release) {
	slices.SortStableFunc(releases, Compare)
}
