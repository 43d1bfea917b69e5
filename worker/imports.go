package worker

import (
	"fmt"
	"go/parser"
	"go/token"
	"strconv"

	"github.com/GoCodeAlone/enclave/permission"
)

// ValidateImports parses the entry source (imports only) and checks every
// import path against the plugin's module-access policy. The source is never
// evaluated before this screening passes.
func ValidateImports(source string, set *permission.Set) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "entry.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse entry source: %w", err)
	}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("malformed import %s: %w", imp.Path.Value, err)
		}
		if d := set.CheckModuleAccess(path); !d.Allowed {
			return fmt.Errorf("import screening: %s", d.Reason)
		}
	}
	return nil
}
