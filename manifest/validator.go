package manifest

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError is a single validation failure with the path to the
// offending field and a human-readable message.
type ValidationError struct {
	Path    string // dot-separated field path (e.g. "permissions.memory")
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects multiple validation failures so callers can
// batch-report every problem in one pass.
type ValidationErrors []*ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("manifest validation failed with %d error(s):\n  - %s",
		len(ve), strings.Join(msgs, "\n  - "))
}

// Policy holds the host-side rules the validator enforces beyond schema shape.
type Policy struct {
	// RequireSigned rejects manifests without a signature record.
	RequireSigned bool
	// VerifySignatures recomputes and compares digests when a signature is
	// present. Disabled only in development setups.
	VerifySignatures bool
	// MaxEntrySize bounds the plugin entry source in bytes. Zero means no bound.
	MaxEntrySize int
}

// Validator statically validates manifests. It is a pure function over its
// inputs: errors are returned, never thrown past the boundary, and no
// resource is consumed on behalf of a failing manifest.
type Validator struct {
	policy Policy
	logger *slog.Logger
}

// NewValidator creates a Validator with the given policy.
func NewValidator(policy Policy, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{policy: policy, logger: logger}
}

var pluginNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// Validate parses and validates a raw manifest, returning the typed manifest
// or every problem found. entrySource is the plugin's entry-point bytes, used
// for signature verification and size policy; it may be nil when the caller
// only needs schema validation.
func (v *Validator) Validate(raw []byte, entrySource []byte) (*Manifest, ValidationErrors) {
	m, err := Parse(raw)
	if err != nil {
		return nil, ValidationErrors{{Message: err.Error()}}
	}

	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if m.Name == "" {
		add("name", "name is required")
	} else if !isValidPluginName(m.Name) {
		add("name", "name %q must be a lowercase kebab-case slug", m.Name)
	}

	if m.Version == "" {
		add("version", "version is required")
	} else if _, err := ParseSemver(m.Version); err != nil {
		add("version", "invalid version %q: %v", m.Version, err)
	}

	if m.Entry == "" {
		add("entry", "entry point is required")
	} else if filepath.IsAbs(m.Entry) || hasDotDot(m.Entry) {
		add("entry", "entry %q must be a relative path inside the bundle", m.Entry)
	} else if !strings.HasSuffix(m.Entry, ".go") {
		add("entry", "entry %q must be a .go source file", m.Entry)
	}

	if m.Hooks == nil {
		add("hooks", "hooks map is required (may be empty)")
	}
	for hook, symbol := range m.Hooks {
		if !knownHooks[hook] {
			add("hooks."+hook, "unknown hook %q", hook)
		}
		if symbol == "" {
			add("hooks."+hook, "hook symbol is empty")
		}
	}

	for i, dep := range m.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if dep.Name == "" {
			add(field, "dependency name is required")
		}
		if dep.Constraint == "" {
			add(field, "dependency %q constraint is required", dep.Name)
		} else if _, err := ParseConstraint(dep.Constraint); err != nil {
			add(field, "dependency %q has invalid constraint %q: %v", dep.Name, dep.Constraint, err)
		}
	}

	for _, msg := range m.Permissions.Validate() {
		add("permissions", "%s", msg)
	}

	if v.policy.MaxEntrySize > 0 && len(entrySource) > v.policy.MaxEntrySize {
		add("entry", "entry source is %d bytes, exceeds limit %d", len(entrySource), v.policy.MaxEntrySize)
	}

	if m.Signature == nil {
		if v.policy.RequireSigned {
			add("signature", "policy requires signed plugins")
		}
	} else if v.policy.VerifySignatures {
		if err := m.Signature.Verify(m, entrySource); err != nil {
			// Digest mismatch is a hard rejection — no partial trust.
			add("signature", "%v", err)
		}
	}

	if len(errs) > 0 {
		v.logger.Debug("Manifest rejected", "name", m.Name, "version", m.Version, "errors", len(errs))
		return nil, errs
	}
	return m, nil
}

func isValidPluginName(name string) bool {
	if len(name) < 2 {
		return len(name) == 1 && name[0] >= 'a' && name[0] <= 'z'
	}
	return pluginNameRe.MatchString(name)
}

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
