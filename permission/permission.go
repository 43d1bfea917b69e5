// Package permission models the capability grants a plugin manifest declares
// and provides the pure check functions the sandbox consults before allowing
// any plugin-initiated operation.
//
// Every category is default-deny: a nil or absent grant denies all capability
// in that category. Checks never mutate the set and are safe for concurrent
// use.
package permission

import (
	"path/filepath"
	"strings"
)

// FileMode is the access mode requested or granted for a filesystem path.
type FileMode string

const (
	ModeRead      FileMode = "read"
	ModeWrite     FileMode = "write"
	ModeReadWrite FileMode = "readwrite"
)

// FileGrant allows access to a single absolute path and everything below it.
type FileGrant struct {
	Path string   `json:"path" yaml:"path"`
	Mode FileMode `json:"mode" yaml:"mode"`
}

// InboundGrant allows the plugin to listen on a single port/interface pair.
type InboundGrant struct {
	Port      int    `json:"port" yaml:"port"`
	Interface string `json:"interface,omitempty" yaml:"interface,omitempty"`
}

// NetworkGrant allows outbound requests matching URL patterns and, optionally,
// a single inbound listener. Outbound patterns support a literal "*" hostname,
// a leading "*." subdomain wildcard, and a trailing path wildcard.
type NetworkGrant struct {
	Outbound []string      `json:"outbound,omitempty" yaml:"outbound,omitempty"`
	Inbound  *InboundGrant `json:"inbound,omitempty" yaml:"inbound,omitempty"`
}

// HardwareGrant allow-lists hardware classes by vendor and product identifier.
//
// Policy note: an absent HardwareGrant denies all hardware access. Within a
// present grant, an empty Vendors or Products list is deliberately
// non-restrictive for that single dimension — declaring only vendors means
// "any product from these vendors". This asymmetry is intentional and relied
// upon by hardware event fan-out.
type HardwareGrant struct {
	Vendors  []string `json:"vendors,omitempty" yaml:"vendors,omitempty"`
	Products []string `json:"products,omitempty" yaml:"products,omitempty"`
}

// MemoryGrant declares the plugin's resource ceilings.
type MemoryGrant struct {
	MaxHeapMB  int `json:"maxHeapMB" yaml:"maxHeapMB"`
	MaxWorkers int `json:"maxWorkers" yaml:"maxWorkers"`
}

// QueueGrant allow-lists the job queue topics the plugin may receive.
type QueueGrant struct {
	Topics []string `json:"topics,omitempty" yaml:"topics,omitempty"`
}

// Set is the closed, tagged permission structure a manifest declares.
// A nil pointer (or empty slice for Filesystem) means the category was not
// granted at all.
type Set struct {
	Filesystem []FileGrant    `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	Network    *NetworkGrant  `json:"network,omitempty" yaml:"network,omitempty"`
	Hardware   *HardwareGrant `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Memory     *MemoryGrant   `json:"memory,omitempty" yaml:"memory,omitempty"`
	Queue      *QueueGrant    `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// Decision is the result of a single capability check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Sanitize returns a normalized, defensively copied set that is safe to hand
// across the trust boundary into a worker. The original manifest structure is
// never shared with isolated code.
func (s *Set) Sanitize() *Set {
	if s == nil {
		return &Set{}
	}
	out := &Set{}

	for _, g := range s.Filesystem {
		out.Filesystem = append(out.Filesystem, FileGrant{
			Path: filepath.Clean(strings.TrimSpace(g.Path)),
			Mode: g.Mode,
		})
	}
	if s.Network != nil {
		ng := &NetworkGrant{}
		for _, p := range s.Network.Outbound {
			ng.Outbound = append(ng.Outbound, strings.TrimSpace(p))
		}
		if s.Network.Inbound != nil {
			in := *s.Network.Inbound
			ng.Inbound = &in
		}
		out.Network = ng
	}
	if s.Hardware != nil {
		hg := &HardwareGrant{
			Vendors:  append([]string(nil), s.Hardware.Vendors...),
			Products: append([]string(nil), s.Hardware.Products...),
		}
		out.Hardware = hg
	}
	if s.Memory != nil {
		mg := *s.Memory
		out.Memory = &mg
	}
	if s.Queue != nil {
		qg := &QueueGrant{}
		for _, t := range s.Queue.Topics {
			qg.Topics = append(qg.Topics, strings.TrimSpace(t))
		}
		out.Queue = qg
	}
	return out
}
