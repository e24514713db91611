package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectComms             = "svc.comms.v1"
	SubjectEventPrefix       = "comms.events"
	SubjectCapabilityChanged = "comms.capability.changed"
)

// Token separators and wildcards, NATS style.
const (
	tokenSep       = "."
	wildcardSingle = "*"
	wildcardTail   = ">"
)

// BuildEventSubject builds the subject a domain event is mirrored on.
func BuildEventSubject(prefix, eventName string) string {
	return fmt.Sprintf("%s.%s", prefix, sanitize(eventName))
}

// BuildCapabilityChangeSubject builds a granular capability change subject.
func BuildCapabilityChangeSubject(prefix, moduleID, capabilityID string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, sanitize(moduleID), sanitize(capabilityID))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// IsPattern reports whether s contains a wildcard token.
func IsPattern(s string) bool {
	for _, tok := range strings.Split(s, tokenSep) {
		if tok == wildcardSingle || tok == wildcardTail {
			return true
		}
	}
	return false
}

// MatchSubject reports whether subject matches pattern.
// "*" matches exactly one token; ">" as the last token matches one or more tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, tokenSep)
	st := strings.Split(subject, tokenSep)

	for i, tok := range pt {
		if tok == wildcardTail {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != wildcardSingle && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
