package service

import (
	"strings"

	"github.com/coreos/go-semver/semver"
)

// ParseVersionedName splits "name@1.2.3" into ("name", *semver.Version).
// A name with no "@" returns a nil version, meaning "any version".
func ParseVersionedName(name string) (string, *semver.Version) {
	idx := strings.IndexByte(name, '@')
	if idx < 0 {
		return name, nil
	}
	base, raw := name[:idx], name[idx+1:]
	v, err := semver.NewVersion(raw)
	if err != nil {
		return base, nil
	}
	return base, v
}
