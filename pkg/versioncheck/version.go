package versioncheck

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrInvalidVersion is returned for version strings that do not parse.
var ErrInvalidVersion = errors.New("versioncheck: invalid version")

// Version is a parsed mod version: a semantic version plus an optional
// fourth revision component.
type Version struct {
	semver   string // canonical "vMAJOR.MINOR.PATCH[-pre]"
	revision int
}

// ParseVersion accepts "MAJOR[.MINOR[.PATCH[.REVISION]]]" with an optional
// leading "v", or any valid semantic version such as "1.2.0-beta.1".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	v := s
	if v[0] != 'v' && v[0] != 'V' {
		v = "v" + v
	} else {
		v = "v" + v[1:]
	}

	parts := strings.Split(v[1:], ".")
	if len(parts) <= 4 && allDigits(parts) {
		nums := make([]int, 4)
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
			}
			nums[i] = n
		}
		return Version{
			semver:   fmt.Sprintf("v%d.%d.%d", nums[0], nums[1], nums[2]),
			revision: nums[3],
		}, nil
	}

	if semver.IsValid(v) {
		return Version{semver: semver.Canonical(v)}, nil
	}
	return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
}

// Compare returns -1, 0 or +1 depending on whether v is older than, equal
// to or newer than o.
func (v Version) Compare(o Version) int {
	if c := semver.Compare(v.semver, o.semver); c != 0 {
		return c
	}
	switch {
	case v.revision < o.revision:
		return -1
	case v.revision > o.revision:
		return 1
	}
	return 0
}

func (v Version) String() string {
	if v.revision != 0 {
		return v.semver[1:] + "." + strconv.Itoa(v.revision)
	}
	return v.semver[1:]
}

// AtLeast reports whether version a is equal to or newer than b. Strings
// that do not parse never satisfy the comparison.
func AtLeast(a, b string) bool {
	va, err := ParseVersion(a)
	if err != nil {
		return false
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return false
	}
	return va.Compare(vb) >= 0
}

func allDigits(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
