package permission

import "testing"

func TestCheckHardware_Policy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		set     *Set
		vendor  string
		product string
		allowed bool
	}{
		{"absent grant denies", &Set{}, "16c0", "05dc", false},
		{"nil set denies", nil, "16c0", "05dc", false},
		{
			"both dimensions listed and matching",
			&Set{Hardware: &HardwareGrant{Vendors: []string{"16c0"}, Products: []string{"05dc"}}},
			"16c0", "05dc", true,
		},
		{
			"vendor mismatch",
			&Set{Hardware: &HardwareGrant{Vendors: []string{"16c0"}, Products: []string{"05dc"}}},
			"dead", "05dc", false,
		},
		{
			"product mismatch",
			&Set{Hardware: &HardwareGrant{Vendors: []string{"16c0"}, Products: []string{"05dc"}}},
			"16c0", "beef", false,
		},
		{
			// Empty product list is non-restrictive for that dimension.
			"vendor-only grant admits any product",
			&Set{Hardware: &HardwareGrant{Vendors: []string{"16c0"}}},
			"16c0", "anything", true,
		},
		{
			"product-only grant admits any vendor",
			&Set{Hardware: &HardwareGrant{Products: []string{"05dc"}}},
			"anything", "05dc", true,
		},
		{
			// Present but fully empty grant admits everything — the caller
			// granted the category without restricting either dimension.
			"present empty grant is unrestricted",
			&Set{Hardware: &HardwareGrant{}},
			"x", "y", true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.set.CheckHardware(tt.vendor, tt.product)
			if d.Allowed != tt.allowed {
				t.Errorf("CheckHardware(%q, %q) = %v (%s), want %v",
					tt.vendor, tt.product, d.Allowed, d.Reason, tt.allowed)
			}
		})
	}
}

func TestCheckQueueTopic(t *testing.T) {
	t.Parallel()

	set := &Set{Queue: &QueueGrant{Topics: []string{"jobs.print", "jobs.scan"}}}

	if d := set.CheckQueueTopic("jobs.print"); !d.Allowed {
		t.Errorf("expected allow: %s", d.Reason)
	}
	if d := set.CheckQueueTopic("jobs.admin"); d.Allowed {
		t.Error("undeclared topic allowed")
	}
	if d := (&Set{}).CheckQueueTopic("jobs.print"); d.Allowed {
		t.Error("absent queue grant allowed topic")
	}
	if d := (&Set{Queue: &QueueGrant{}}).CheckQueueTopic("jobs.print"); d.Allowed {
		t.Error("empty topic list allowed topic")
	}
}

func TestCheckModuleAccess(t *testing.T) {
	t.Parallel()

	networked := &Set{Network: &NetworkGrant{Outbound: []string{"https://api.example.com/*"}}}
	isolated := &Set{}

	tests := []struct {
		name    string
		set     *Set
		path    string
		allowed bool
	}{
		{"safe stdlib always allowed", isolated, "strings", true},
		{"safe stdlib allowed with network too", networked, "encoding/json", true},
		{"blocked always denied", networked, "os/exec", false},
		{"blocked denied regardless of grants", networked, "syscall", false},
		{"unsafe ptr denied", networked, "unsafe", false},
		{"relative reference allowed", isolated, "./internal/util", true},
		{"parent reference denied", isolated, "../other/plugin", false},
		{"parent reference denied despite network", networked, "../other/plugin", false},
		{"external requires network", isolated, "github.com/some/dep", false},
		{"external with network allowed", networked, "github.com/some/dep", true},
		{"nil set safe stdlib allowed", nil, "fmt", true},
		{"nil set external denied", nil, "github.com/some/dep", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.set.CheckModuleAccess(tt.path)
			if d.Allowed != tt.allowed {
				t.Errorf("CheckModuleAccess(%q) = %v (%s), want %v",
					tt.path, d.Allowed, d.Reason, tt.allowed)
			}
		})
	}
}

func TestSanitize_DefensiveCopy(t *testing.T) {
	t.Parallel()

	orig := &Set{
		Filesystem: []FileGrant{{Path: " /tmp/data/ ", Mode: ModeRead}},
		Network:    &NetworkGrant{Outbound: []string{" https://a.com "}, Inbound: &InboundGrant{Port: 80}},
		Hardware:   &HardwareGrant{Vendors: []string{"16c0"}},
		Memory:     &MemoryGrant{MaxHeapMB: 64, MaxWorkers: 1},
		Queue:      &QueueGrant{Topics: []string{" jobs "}},
	}

	safe := orig.Sanitize()

	if safe.Filesystem[0].Path != "/tmp/data" {
		t.Errorf("path not normalized: %q", safe.Filesystem[0].Path)
	}
	if safe.Network.Outbound[0] != "https://a.com" {
		t.Errorf("outbound not trimmed: %q", safe.Network.Outbound[0])
	}
	if safe.Queue.Topics[0] != "jobs" {
		t.Errorf("topic not trimmed: %q", safe.Queue.Topics[0])
	}

	// Mutating the copy must not touch the original.
	safe.Filesystem[0].Mode = ModeReadWrite
	safe.Network.Inbound.Port = 9999
	safe.Hardware.Vendors[0] = "changed"
	safe.Memory.MaxHeapMB = 9999

	if orig.Filesystem[0].Mode != ModeRead ||
		orig.Network.Inbound.Port != 80 ||
		orig.Hardware.Vendors[0] != "16c0" ||
		orig.Memory.MaxHeapMB != 64 {
		t.Error("sanitized copy shares state with the original")
	}

	if nilSafe := (*Set)(nil).Sanitize(); nilSafe == nil {
		t.Error("Sanitize(nil) should return an empty set")
	}
}
