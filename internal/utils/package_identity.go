package utils

import (
	"fmt"

	"github.com/ralt/updatekit/internal/models"
)

// ReleaseIdentity returns a key identifying the file of a release across
// cache and remote listings
func ReleaseIdentity(r models.Release) string {
	switch {
	case r.FileName != "":
		return fmt.Sprintf("%s:%s", r.FileName, r.Version)
	case r.Platform != "" && r.Arch != "":
		return fmt.Sprintf("%s:%s:%s:%s", r.Name, r.Version, r.Platform, r.Arch)
	default:
		return fmt.Sprintf("%s:%s", r.Name, r.Version)
	}
}

// FindDuplicate returns the release in existing with the identity of r.
func FindDuplicate(existing []models.Release, r models.Release) (models.Release, bool) {
	id := ReleaseIdentity(r)
	for _, e := range existing {
		if e.IsValid() && ReleaseIdentity(e) == id {
			return e, true
		}
	}
	return models.Release{}, false
}
