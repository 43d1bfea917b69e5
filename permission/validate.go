package permission

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Policy ceilings a declared permission set may never exceed. These are host
// policy, not per-plugin configuration.
const (
	PolicyMaxHeapMB  = 1024
	PolicyMaxWorkers = 8
)

// criticalRoots are directories a filesystem grant may never target or sit
// inside. Grants under /var or /home remain legal; the filesystem root itself
// is only rejected on exact match since everything is "inside" it.
var criticalRoots = []string{"/etc", "/usr", "/bin", "/sbin", "/boot", "/dev", "/proc", "/sys", "/root"}

// Validate checks a declared permission set for internal consistency and
// policy compliance, returning one human-readable message per problem. An
// empty slice means the set is acceptable. The manifest validator aggregates
// these into its own error report.
func (s *Set) Validate() []string {
	if s == nil {
		return nil
	}
	var errs []string

	for i, g := range s.Filesystem {
		p := strings.TrimSpace(g.Path)
		switch {
		case p == "":
			errs = append(errs, fmt.Sprintf("filesystem[%d]: path is required", i))
		case !filepath.IsAbs(p):
			errs = append(errs, fmt.Sprintf("filesystem[%d]: path %q must be absolute", i, p))
		case isCriticalPath(p):
			errs = append(errs, fmt.Sprintf("filesystem[%d]: path %q targets a system-critical directory", i, p))
		case hasTraversal(p):
			errs = append(errs, fmt.Sprintf("filesystem[%d]: path %q contains a traversal segment", i, p))
		}
		if g.Mode != ModeRead && g.Mode != ModeWrite && g.Mode != ModeReadWrite {
			errs = append(errs, fmt.Sprintf("filesystem[%d]: mode %q must be read, write, or readwrite", i, g.Mode))
		}
	}

	if s.Network != nil {
		for i, pattern := range s.Network.Outbound {
			if err := validateOutboundPattern(pattern); err != nil {
				errs = append(errs, fmt.Sprintf("network.outbound[%d]: %v", i, err))
			}
		}
		if in := s.Network.Inbound; in != nil {
			if in.Port < 1 || in.Port > 65535 {
				errs = append(errs, fmt.Sprintf("network.inbound: port %d out of range", in.Port))
			}
		}
	}

	if m := s.Memory; m != nil {
		if m.MaxHeapMB <= 0 {
			errs = append(errs, "memory: maxHeapMB must be positive")
		} else if m.MaxHeapMB > PolicyMaxHeapMB {
			errs = append(errs, fmt.Sprintf("memory: maxHeapMB %d exceeds policy maximum %d", m.MaxHeapMB, PolicyMaxHeapMB))
		}
		if m.MaxWorkers <= 0 {
			errs = append(errs, "memory: maxWorkers must be positive")
		} else if m.MaxWorkers > PolicyMaxWorkers {
			errs = append(errs, fmt.Sprintf("memory: maxWorkers %d exceeds policy maximum %d", m.MaxWorkers, PolicyMaxWorkers))
		}
	}

	if s.Queue != nil {
		for i, t := range s.Queue.Topics {
			if strings.TrimSpace(t) == "" {
				errs = append(errs, fmt.Sprintf("queue.topics[%d]: topic is empty", i))
			}
		}
	}

	return errs
}

// isCriticalPath reports whether the cleaned path is the filesystem root, a
// system-critical directory, or anything inside one.
func isCriticalPath(p string) bool {
	cleaned := filepath.Clean(p)
	if cleaned == "/" {
		return true
	}
	for _, root := range criticalRoots {
		if pathWithin(cleaned, root) {
			return true
		}
	}
	return false
}

// validateOutboundPattern checks that an outbound grant pattern parses. The
// wildcard forms are substituted with a placeholder so net/url accepts them.
func validateOutboundPattern(pattern string) error {
	scheme, host, port, _, ok := splitPattern(pattern)
	if !ok {
		return fmt.Errorf("pattern %q is malformed", pattern)
	}
	if scheme != "http" && scheme != "https" && scheme != "ws" && scheme != "wss" {
		return fmt.Errorf("pattern %q has unsupported scheme %q", pattern, scheme)
	}
	probe := host
	if probe == "*" {
		probe = "wildcard.invalid"
	} else if after, wild := strings.CutPrefix(probe, "*."); wild {
		probe = "wildcard." + after
	}
	candidate := scheme + "://" + probe
	if port != "" {
		candidate += ":" + port
	}
	if _, err := url.Parse(candidate); err != nil {
		return fmt.Errorf("pattern %q does not parse: %v", pattern, err)
	}
	return nil
}
