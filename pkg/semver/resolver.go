package semver

import (
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

// Candidate is one advertised version of a capability.
type Candidate struct {
	// Key identifies the candidate to the caller, typically the provider module id.
	Key       string
	Version   string
	Available bool
}

// ResolveVersionParams holds parameters for ResolveVersion.
type ResolveVersionParams struct {
	Candidates         []Candidate
	Range              string // SemVer range, major-only, exact, or empty
	IncludeUnavailable bool
}

type parsedCandidate struct {
	Candidate
	v *masterminds.Version
}

// ResolveVersion finds the best matching candidate for a range: the highest
// matching version, stable releases preferred when the range is empty or
// major-only. Returns nil when nothing matches.
func ResolveVersion(params ResolveVersionParams) *Candidate {
	var parsed []parsedCandidate
	for _, c := range params.Candidates {
		if !c.Available && !params.IncludeUnavailable {
			continue
		}
		v, err := masterminds.NewVersion(c.Version)
		if err != nil {
			continue
		}
		parsed = append(parsed, parsedCandidate{Candidate: c, v: v})
	}
	if len(parsed) == 0 {
		return nil
	}

	// Case 1: No range - latest in the highest major
	if params.Range == "" {
		return latestInMajor(parsed, highestMajor(parsed))
	}

	// Case 2: Major-only range (e.g., "3")
	if IsMajorOnly(params.Range) {
		return latestInMajor(parsed, uint64(ExtractMajorFromRange(params.Range)))
	}

	if IsExactVersion(params.Range) {
		return findExact(parsed, params.Range)
	}

	// Case 3: SemVer range (e.g., "^1.2.0", "~1.2.0", ">=1.0.0 <2.0.0")
	constraint, err := masterminds.NewConstraint(params.Range)
	if err != nil {
		return findExact(parsed, params.Range)
	}
	var matching []parsedCandidate
	for _, c := range parsed {
		if constraint.Check(c.v) {
			matching = append(matching, c)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	sortDesc(matching)
	return &matching[0].Candidate
}

// SatisfiesRange checks if a version string satisfies a range. An empty
// range is satisfied by any valid version.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	if rangeStr == "" {
		return true
	}
	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// ValidRange reports whether rangeStr is empty, major-only or a parseable constraint.
func ValidRange(rangeStr string) bool {
	if rangeStr == "" || IsMajorOnly(rangeStr) {
		return true
	}
	_, err := masterminds.NewConstraint(rangeStr)
	return err == nil
}

// --- internal helpers ---

func highestMajor(cs []parsedCandidate) uint64 {
	var highest uint64
	for _, c := range cs {
		if c.v.Major() > highest {
			highest = c.v.Major()
		}
	}
	return highest
}

func latestInMajor(cs []parsedCandidate, major uint64) *Candidate {
	var inMajor, stable []parsedCandidate
	for _, c := range cs {
		if c.v.Major() != major {
			continue
		}
		inMajor = append(inMajor, c)
		if c.v.Prerelease() == "" {
			stable = append(stable, c)
		}
	}
	if len(inMajor) == 0 {
		return nil
	}
	candidates := inMajor
	if len(stable) > 0 {
		candidates = stable
	}
	sortDesc(candidates)
	return &candidates[0].Candidate
}

func findExact(cs []parsedCandidate, version string) *Candidate {
	for i := range cs {
		if cs[i].Version == version {
			return &cs[i].Candidate
		}
	}
	return nil
}

// sortDesc orders by version descending, then key ascending for stable ties.
func sortDesc(cs []parsedCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if c := cs[i].v.Compare(cs[j].v); c != 0 {
			return c > 0
		}
		return cs[i].Key < cs[j].Key
	})
}
