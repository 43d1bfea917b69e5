package manifest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/GoCodeAlone/enclave/permission"
)

func validManifest() *Manifest {
	return &Manifest{
		Name:    "test-plugin",
		Version: "1.0.0",
		Entry:   "main.go",
		Permissions: permission.Set{
			Filesystem: []permission.FileGrant{{Path: "/tmp/plugin-data", Mode: permission.ModeRead}},
		},
		Hooks: map[string]string{HookLoad: "OnLoad", HookJobReceived: "OnJob"},
	}
}

func marshal(t *testing.T, m *Manifest) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return data
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	v := NewValidator(Policy{}, nil)
	m, errs := v.Validate(marshal(t, validManifest()), nil)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if m.Identity() != "test-plugin@1.0.0" {
		t.Errorf("identity = %q", m.Identity())
	}
}

func TestParse_ClosedSchema(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"name":"p","version":"1.0.0","entry":"main.go","hooks":{},"permissions":{},"extraKey":true}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidate_FieldErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(m *Manifest)
		want   string
	}{
		{"missing name", func(m *Manifest) { m.Name = "" }, "name is required"},
		{"uppercase name", func(m *Manifest) { m.Name = "TestPlugin" }, "kebab-case"},
		{"trailing hyphen", func(m *Manifest) { m.Name = "plugin-" }, "kebab-case"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version is required"},
		{"bad version", func(m *Manifest) { m.Version = "1.0" }, "invalid version"},
		{"missing entry", func(m *Manifest) { m.Entry = "" }, "entry point is required"},
		{"absolute entry", func(m *Manifest) { m.Entry = "/abs/main.go" }, "relative path"},
		{"entry traversal", func(m *Manifest) { m.Entry = "../main.go" }, "relative path"},
		{"non-go entry", func(m *Manifest) { m.Entry = "main.js" }, ".go source"},
		{"nil hooks", func(m *Manifest) { m.Hooks = nil }, "hooks map is required"},
		{"unknown hook", func(m *Manifest) { m.Hooks["on-boot"] = "X" }, "unknown hook"},
		{"empty hook symbol", func(m *Manifest) { m.Hooks[HookLoad] = "" }, "symbol is empty"},
		{
			"bad dependency constraint",
			func(m *Manifest) { m.Dependencies = []Dependency{{Name: "other", Constraint: ">=x"}} },
			"invalid constraint",
		},
		{
			"missing dependency constraint",
			func(m *Manifest) { m.Dependencies = []Dependency{{Name: "other"}} },
			"constraint is required",
		},
		{
			"permission policy violation",
			func(m *Manifest) {
				m.Permissions.Memory = &permission.MemoryGrant{MaxHeapMB: 4096, MaxWorkers: 1}
			},
			"exceeds policy maximum",
		},
		{
			"filesystem grant on /etc",
			func(m *Manifest) {
				m.Permissions.Filesystem = []permission.FileGrant{{Path: "/etc", Mode: permission.ModeRead}}
			},
			"system-critical",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			v := NewValidator(Policy{}, nil)
			_, errs := v.Validate(marshal(t, m), nil)
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			if !strings.Contains(errs.Error(), tt.want) {
				t.Errorf("errors %v missing %q", errs, tt.want)
			}
		})
	}
}

func TestValidate_BatchesAllErrors(t *testing.T) {
	t.Parallel()

	m := validManifest()
	m.Name = ""
	m.Version = "nope"
	m.Entry = ""

	v := NewValidator(Policy{}, nil)
	_, errs := v.Validate(marshal(t, m), nil)
	if len(errs) < 3 {
		t.Fatalf("expected at least 3 batched errors, got %d: %v", len(errs), errs)
	}
}

func TestValidate_EntrySizePolicy(t *testing.T) {
	t.Parallel()

	v := NewValidator(Policy{MaxEntrySize: 8}, nil)
	_, errs := v.Validate(marshal(t, validManifest()), []byte("package main // too long"))
	if len(errs) == 0 || !strings.Contains(errs.Error(), "exceeds limit") {
		t.Fatalf("expected entry size error, got %v", errs)
	}
}

func TestValidate_RequireSigned(t *testing.T) {
	t.Parallel()

	v := NewValidator(Policy{RequireSigned: true}, nil)
	_, errs := v.Validate(marshal(t, validManifest()), nil)
	if len(errs) == 0 || !strings.Contains(errs.Error(), "requires signed") {
		t.Fatalf("expected unsigned rejection, got %v", errs)
	}
}
