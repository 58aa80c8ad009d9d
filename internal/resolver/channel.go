package resolver

import (
	"strings"

	"golang.org/x/mod/semver"
)

// DefaultChannel is used for releases that name no channel.
const DefaultChannel = "dev"

// unknownChannelPriority ranks channels missing from the table below every
// known channel.
const unknownChannelPriority = -2

var channelPriority = map[string]int{
	"master":     4,
	"release":    4,
	"production": 3,
	"nightly":    2,
	"beta":       1,
	"alpha":      0,
	"dev":        -1,
	"ci":         -1,
}

// NormalizeChannel lower-cases c and maps the empty channel to DefaultChannel.
func NormalizeChannel(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return DefaultChannel
	}
	return c
}

// ChannelPriority ranks a channel; higher wins when versions tie.
func ChannelPriority(c string) int {
	if p, ok := channelPriority[NormalizeChannel(c)]; ok {
		return p
	}
	return unknownChannelPriority
}

// ChannelOf derives the channel from a version's first prerelease
// identifier, e.g. "1.2.0-beta.3" is "beta". Versions without one are dev.
func ChannelOf(version string) string {
	v := canonicalVersion(version)
	if !semver.IsValid(v) {
		return DefaultChannel
	}
	pre := strings.TrimPrefix(semver.Prerelease(v), "-")
	if pre == "" {
		return DefaultChannel
	}
	if i := strings.IndexByte(pre, '.'); i >= 0 {
		pre = pre[:i]
	}
	return NormalizeChannel(pre)
}

// canonicalVersion adds the "v" prefix x/mod/semver expects.
func canonicalVersion(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return ""
	}
	if version[0] != 'v' {
		version = "v" + version
	}
	return version
}
