package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

// Compatibility classifies a provider version against a required version.
type Compatibility string

const (
	Compatible         Compatibility = "compatible"
	BackwardCompatible Compatibility = "backward_compatible"
	BreakingChanges    Compatibility = "breaking_changes"
)

// Acceptable reports whether a contract may be issued.
func (c Compatibility) Acceptable() bool {
	return c == Compatible || c == BackwardCompatible
}

// Classify compares provider against required. Equal versions are
// Compatible, the same major with a different minor or patch is
// BackwardCompatible, and a different major is BreakingChanges.
func Classify(provider, required string) (Compatibility, error) {
	pv, err := masterminds.NewVersion(provider)
	if err != nil {
		return "", fmt.Errorf("%s - invalid provider version %q: %w", logPrefix, provider, err)
	}
	rv, err := masterminds.NewVersion(required)
	if err != nil {
		return "", fmt.Errorf("%s - invalid required version %q: %w", logPrefix, required, err)
	}

	switch {
	case pv.Major() != rv.Major():
		return BreakingChanges, nil
	case pv.Equal(rv):
		return Compatible, nil
	default:
		return BackwardCompatible, nil
	}
}

// Valid reports whether v parses as a semantic version.
func Valid(v string) bool {
	_, err := masterminds.NewVersion(v)
	return err == nil
}

// Compare returns -1, 0 or 1. Unparseable versions sort lowest.
func Compare(a, b string) int {
	va, errA := masterminds.NewVersion(a)
	vb, errB := masterminds.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
