package resolver

import (
	"github.com/ralt/updatekit/internal/models"
)

// Latest picks the newest of the given candidates. When the two best
// candidates carry the same version string the local (non-remote) one
// wins, so a cached copy is preferred over downloading it again.
func Latest(candidates ...*models.Release) *models.Release {
	var valid []models.Release
	for _, c := range candidates {
		if c != nil && c.IsValid() {
			valid = append(valid, *c)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	Sort(valid)

	best := valid[0]
	if len(valid) > 1 && best.Remote {
		next := valid[1]
		if next.Version == best.Version && !next.Remote {
			best = next
		}
	}
	return &best
}

// Merge combines cached and remote releases. Invalid releases are
// returned separately. filter, when set, drops valid releases it rejects.
// The result is sorted with Compare.
func Merge(cached, remote []models.Release, filter func(models.Release) bool) (valid, invalid []models.Release) {
	all := make([]models.Release, 0, len(cached)+len(remote))
	all = append(all, cached...)
	all = append(all, remote...)

	for _, r := range all {
		switch {
		case !r.IsValid():
			invalid = append(invalid, r)
		case filter == nil || filter(r):
			valid = append(valid, r)
		}
	}
	Sort(valid)
	return valid, invalid
}
