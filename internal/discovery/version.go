package discovery

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// NormalizeVersion trims whitespace and a leading "v" or "V".
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 1 && (v[0] == 'v' || v[0] == 'V') {
		return v[1:]
	}
	return v
}

// ParseVersion parses a release tag or manifest version.
func ParseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(NormalizeVersion(v))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", v, err)
	}
	return parsed, nil
}

// SameVersion compares two versions semantically, falling back to a string
// comparison when either does not parse.
func SameVersion(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	if errA != nil || errB != nil {
		return NormalizeVersion(a) == NormalizeVersion(b)
	}
	return va.Equal(vb)
}
