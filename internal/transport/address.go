package transport

import (
	"fmt"
	"strings"
)

// TargetKind selects the address domain of a recipient.
type TargetKind string

const (
	TargetIndividual TargetKind = "individual"
	TargetGroup      TargetKind = "group"
)

// Address domain suffixes.
const (
	IndividualSuffix = "@s.whatsapp.net"
	GroupSuffix      = "@g.us"
)

// ParseTargetKind accepts the kind names callers send. "number" and "user"
// are accepted as aliases for individual.
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "individual", "number", "user", "":
		return TargetIndividual, nil
	case "group":
		return TargetGroup, nil
	default:
		return "", fmt.Errorf("unknown target kind %q", s)
	}
}

// NormalizeAddress returns target in canonical form for kind, appending the
// domain suffix when the caller omitted it. Formatting characters are
// stripped from individual numbers.
func NormalizeAddress(target string, kind TargetKind) string {
	target = strings.TrimSpace(target)
	switch kind {
	case TargetGroup:
		if strings.Contains(target, GroupSuffix) {
			return target
		}
		return target + GroupSuffix
	default:
		if strings.Contains(target, IndividualSuffix) {
			return target
		}
		return DigitsOnly(target) + IndividualSuffix
	}
}

// DigitsOnly strips every non-digit rune from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
