package permission

import (
	"fmt"
	"slices"
)

// CheckHardware reports whether the plugin may interact with a hardware class
// identified by vendor and product id.
//
// An absent top-level grant denies everything. Within a present grant an
// empty list is non-restrictive for that one dimension: a grant listing only
// vendors admits any product from those vendors, and vice versa. See the
// HardwareGrant doc comment; this is an explicit policy choice, not an
// accident of representation.
func (s *Set) CheckHardware(vendorID, productID string) Decision {
	if s == nil || s.Hardware == nil {
		return deny("no hardware access granted")
	}
	hg := s.Hardware
	if len(hg.Vendors) > 0 && !slices.Contains(hg.Vendors, vendorID) {
		return deny(fmt.Sprintf("vendor %q not in allow-list", vendorID))
	}
	if len(hg.Products) > 0 && !slices.Contains(hg.Products, productID) {
		return deny(fmt.Sprintf("product %q not in allow-list", productID))
	}
	return allow()
}
