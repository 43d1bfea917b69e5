package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Semver is a parsed semantic version.
type Semver struct {
	Major int
	Minor int
	Patch int
}

func (s Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Major, s.Minor, s.Patch)
}

// Compare returns -1, 0, or 1.
func (s Semver) Compare(other Semver) int {
	if s.Major != other.Major {
		if s.Major < other.Major {
			return -1
		}
		return 1
	}
	if s.Minor != other.Minor {
		if s.Minor < other.Minor {
			return -1
		}
		return 1
	}
	if s.Patch != other.Patch {
		if s.Patch < other.Patch {
			return -1
		}
		return 1
	}
	return 0
}

// ParseSemver parses a version string like "1.2.3" into a Semver.
func ParseSemver(v string) (Semver, error) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("expected major.minor.patch, got %q", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Semver{}, fmt.Errorf("invalid major version: %w", err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Semver{}, fmt.Errorf("invalid minor version: %w", err)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return Semver{}, fmt.Errorf("invalid patch version: %w", err)
	}
	return Semver{Major: major, Minor: minor, Patch: patch}, nil
}

// Constraint represents a semver constraint that can check version compatibility.
type Constraint struct {
	Op      string
	Version Semver
}

// ParseConstraint parses a constraint string like ">=1.0.0", "^2.1.0", "~1.2.0".
func ParseConstraint(s string) (*Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty constraint")
	}

	var op string
	var vStr string

	switch {
	case strings.HasPrefix(s, ">="):
		op = ">="
		vStr = strings.TrimPrefix(s, ">=")
	case strings.HasPrefix(s, "<="):
		op = "<="
		vStr = strings.TrimPrefix(s, "<=")
	case strings.HasPrefix(s, "!="):
		op = "!="
		vStr = strings.TrimPrefix(s, "!=")
	case strings.HasPrefix(s, ">"):
		op = ">"
		vStr = strings.TrimPrefix(s, ">")
	case strings.HasPrefix(s, "<"):
		op = "<"
		vStr = strings.TrimPrefix(s, "<")
	case strings.HasPrefix(s, "^"):
		op = "^"
		vStr = strings.TrimPrefix(s, "^")
	case strings.HasPrefix(s, "~"):
		op = "~"
		vStr = strings.TrimPrefix(s, "~")
	case strings.HasPrefix(s, "="):
		op = "="
		vStr = strings.TrimPrefix(s, "=")
	default:
		op = "="
		vStr = s
	}

	v, err := ParseSemver(strings.TrimSpace(vStr))
	if err != nil {
		return nil, err
	}
	return &Constraint{Op: op, Version: v}, nil
}

// Check returns true if the given version satisfies the constraint.
func (c *Constraint) Check(v Semver) bool {
	cmp := v.Compare(c.Version)
	switch c.Op {
	case "=":
		return cmp == 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "!=":
		return cmp != 0
	case "^":
		// Compatible with: same major, >= constraint version
		if v.Major != c.Version.Major {
			return false
		}
		return cmp >= 0
	case "~":
		// Approximately: same major.minor, >= constraint version
		if v.Major != c.Version.Major || v.Minor != c.Version.Minor {
			return false
		}
		return cmp >= 0
	}
	return false
}

// CheckVersion checks if a version string satisfies a constraint string.
func CheckVersion(version, constraint string) (bool, error) {
	v, err := ParseSemver(version)
	if err != nil {
		return false, fmt.Errorf("invalid version: %w", err)
	}
	c, err := ParseConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid constraint: %w", err)
	}
	return c.Check(v), nil
}
