package permission

import (
	"fmt"
	"strings"
)

// safeImports lists standard library packages plugin code may always import.
var safeImports = map[string]bool{
	"fmt":             true,
	"strings":         true,
	"strconv":         true,
	"encoding/json":   true,
	"encoding/xml":    true,
	"encoding/csv":    true,
	"encoding/base64": true,
	"context":         true,
	"time":            true,
	"math":            true,
	"math/rand":       true,
	"sort":            true,
	"sync":            true,
	"sync/atomic":     true,
	"errors":          true,
	"io":              true,
	"bytes":           true,
	"bufio":           true,
	"unicode":         true,
	"unicode/utf8":    true,
	"regexp":          true,
	"path":            true,
	"net/url":         true,
	"log":             true,
	"maps":            true,
	"slices":          true,
	"crypto/sha256":   true,
	"crypto/hmac":     true,
	"hash":            true,
	"text/template":   true,
}

// blockedImports lists packages that are never permitted, regardless of any
// declared grant. These expose process, syscall, or raw-socket surfaces that
// defeat the sandbox.
var blockedImports = map[string]bool{
	"os":             true,
	"os/exec":        true,
	"os/signal":      true,
	"syscall":        true,
	"unsafe":         true,
	"plugin":         true,
	"reflect":        true,
	"runtime/debug":  true,
	"net":            true,
	"crypto/tls":     true,
	"debug/elf":      true,
	"debug/macho":    true,
	"debug/pe":       true,
	"debug/plan9obj": true,
}

// CheckModuleAccess reports whether plugin code may import the given path.
// The safe-list is always allowed and the block-list always denied. Relative
// references below the plugin's own directory (`./`) are allowed; parent
// references (`../`) escape the bundle and are always denied. Anything else
// is external code, which is only permitted when the plugin holds at least
// one outbound network grant — a plugin that can reach the network is the
// only kind for which external code adds no new capability.
func (s *Set) CheckModuleAccess(importPath string) Decision {
	if blockedImports[importPath] {
		return deny(fmt.Sprintf("import %q is blocked", importPath))
	}
	if safeImports[importPath] {
		return allow()
	}
	if importPath == ".." || strings.HasPrefix(importPath, "../") {
		return deny(fmt.Sprintf("import %q escapes the plugin bundle", importPath))
	}
	if strings.HasPrefix(importPath, "./") {
		return allow()
	}
	if s != nil && s.Network != nil && len(s.Network.Outbound) > 0 {
		return allow()
	}
	return deny(fmt.Sprintf("import %q requires a network grant", importPath))
}
