// Package semver provides capability reference parsing, compatibility
// classification and SemVer resolution logic.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// ParsedCapabilityRef holds the parsed components of a capability reference string.
type ParsedCapabilityRef struct {
	// Full reference without version (e.g., "analytics.report.generate")
	Full string
	// Providing module (e.g., "analytics"); empty when the reference names no module
	Module string
	// Capability id within the module (e.g., "report.generate")
	Capability string
	// Version range if specified (e.g., "^1.2.0", "1", ""); empty string means any version
	Range string
	// Raw input string
	Raw string
}

var (
	capabilityIDRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	moduleIDRegex     = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseCapabilityRef parses a capability reference string.
//
// Supported formats:
//   - analytics.report.generate           (any version)
//   - analytics.report.generate@1         (major only)
//   - analytics.report.generate@1.2.0     (exact version)
//   - analytics.report.generate@^1.2.0    (caret range)
//   - analytics.report.generate@>=1.0.0   (comparison range)
//   - *.report.generate@^1                (any provider)
func ParseCapabilityRef(input string) (*ParsedCapabilityRef, error) {
	raw := strings.TrimSpace(input)

	capPart, rangeStr, _ := strings.Cut(raw, "@")
	if strings.Contains(raw, "@") && rangeStr == "" {
		return nil, fmt.Errorf("%s - empty version after @: %s", logPrefix, raw)
	}

	module, capability, found := strings.Cut(capPart, ".")
	if !found || module == "" || capability == "" {
		return nil, fmt.Errorf("%s - invalid capability reference, want module.capability: %s", logPrefix, raw)
	}
	if module == "*" {
		module = ""
	} else if !ValidateModuleID(module) {
		return nil, fmt.Errorf("%s - invalid module id %q in %s", logPrefix, module, raw)
	}
	if !ValidateCapabilityID(capability) {
		return nil, fmt.Errorf("%s - invalid capability id %q in %s", logPrefix, capability, raw)
	}

	return &ParsedCapabilityRef{
		Full:       capPart,
		Module:     module,
		Capability: capability,
		Range:      rangeStr,
		Raw:        raw,
	}, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// BuildCapabilityRef builds a reference string from parts.
func BuildCapabilityRef(params BuildCapabilityRefParams) string {
	module := params.Module
	if module == "" {
		module = "*"
	}
	base := module + "." + params.Capability
	if params.Range != "" {
		return base + "@" + params.Range
	}
	return base
}

// BuildCapabilityRefParams holds parameters for BuildCapabilityRef.
type BuildCapabilityRefParams struct {
	Module     string
	Capability string
	Range      string
}

// ValidateCapabilityID validates a capability id (letters, digits, dots, hyphens, underscores).
func ValidateCapabilityID(id string) bool {
	return capabilityIDRegex.MatchString(id)
}

// ValidateModuleID validates a module id (lowercase, alphanumeric, hyphens).
func ValidateModuleID(id string) bool {
	return moduleIDRegex.MatchString(id)
}
