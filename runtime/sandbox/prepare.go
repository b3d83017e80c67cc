package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	"github.com/typeflow/typeflow/runtime/flowerrors"
)

// User code is wrapped in an async IIFE so top-level return and await compile.
// The wrapper contributes exactly one line before the body, which is what
// diagnostic mapping subtracts.
const (
	wrapperHead  = "(async function() {\n"
	wrapperTail  = "\n})()"
	wrapperLines = 1
)

// Import statements are rewritten in place so line numbers survive the
// rewrite. ES module syntax is not valid inside a function body; the
// equivalent require call is.
var (
	importNamed   = regexp.MustCompile(`^\s*import\s+(\{[^}]*\})\s+from\s+(['"][^'"]+['"])\s*;?\s*$`)
	importStar    = regexp.MustCompile(`^\s*import\s+\*\s+as\s+([A-Za-z_$][\w$]*)\s+from\s+(['"][^'"]+['"])\s*;?\s*$`)
	importDefault = regexp.MustCompile(`^\s*import\s+([A-Za-z_$][\w$]*)\s+from\s+(['"][^'"]+['"])\s*;?\s*$`)
	importBare    = regexp.MustCompile(`^\s*import\s+(['"][^'"]+['"])\s*;?\s*$`)
	requireLine   = regexp.MustCompile(`\brequire\s*\(`)
)

// suppressedDiagnostics lists static-check message fragments produced by the
// wrapping itself or by module resolution, not by the user's code.
var suppressedDiagnostics = []string{
	"Cannot find module",
	"has already been declared",
	"Illegal return statement",
	"await is only valid in async",
}

type (
	// Prepared is a compiled code-node body ready for execution.
	Prepared struct {
		// Program is the compiled wrapped source.
		Program *goja.Program
		// UsesRequire reports whether the body resolves any module.
		UsesRequire bool
	}
)

// Prepare rewrites imports, wraps the body and compiles it. Compilation
// failures surface as *flowerrors.TypeValidationError with positions mapped
// back to the original source; messages matching the suppression list are
// discarded.
func Prepare(name, code string) (*Prepared, error) {
	rewritten, usesRequire := rewriteImports(code)
	src := wrapperHead + rewritten + wrapperTail

	if diags := staticCheck(name, src); len(diags) > 0 {
		return nil, &flowerrors.TypeValidationError{Diagnostics: diags}
	}
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, &flowerrors.TypeValidationError{Diagnostics: []flowerrors.Diagnostic{
			{Line: 1, Col: 1, Message: err.Error()},
		}}
	}
	return &Prepared{Program: prog, UsesRequire: usesRequire}, nil
}

// PrepareModule wraps utilities code as a CommonJS-style module whose
// module.exports value is the result of the wrapping IIFE.
func PrepareModule(name, code string) (*goja.Program, error) {
	rewritten, _ := rewriteImports(code)
	src := "(function() {\n" +
		"const __mod = {exports: {}};\n" +
		"(function(module, exports) {\n" +
		rewritten + "\n" +
		"})(__mod, __mod.exports);\n" +
		"return __mod.exports;\n" +
		"})()"

	if diags := staticCheck(name, src); len(diags) > 0 {
		return nil, &flowerrors.TypeValidationError{Diagnostics: diags}
	}
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile module %s: %w", name, err)
	}
	return prog, nil
}

// rewriteImports converts ES import statements into require calls, line for
// line, and reports whether the result resolves any module.
func rewriteImports(code string) (string, bool) {
	lines := strings.Split(code, "\n")
	uses := false
	for i, line := range lines {
		switch {
		case importNamed.MatchString(line):
			lines[i] = importNamed.ReplaceAllString(line, "const $1 = require($2);")
			uses = true
		case importStar.MatchString(line):
			lines[i] = importStar.ReplaceAllString(line, "const $1 = require($2);")
			uses = true
		case importDefault.MatchString(line):
			lines[i] = importDefault.ReplaceAllString(line, "const $1 = require($2);")
			uses = true
		case importBare.MatchString(line):
			lines[i] = importBare.ReplaceAllString(line, "require($1);")
			uses = true
		case requireLine.MatchString(line):
			uses = true
		}
	}
	return strings.Join(lines, "\n"), uses
}

// staticCheck parses the wrapped source and converts parse errors into
// diagnostics positioned in the original body.
func staticCheck(name, src string) []flowerrors.Diagnostic {
	_, err := parser.ParseFile(nil, name, src, 0)
	if err == nil {
		return nil
	}
	var diags []flowerrors.Diagnostic
	if list, ok := err.(parser.ErrorList); ok {
		for _, perr := range list {
			if suppressed(perr.Message) {
				continue
			}
			diags = append(diags, flowerrors.Diagnostic{
				Line:    mapLine(perr.Position.Line),
				Col:     perr.Position.Column,
				Message: perr.Message,
			})
		}
		return diags
	}
	if suppressed(err.Error()) {
		return nil
	}
	return []flowerrors.Diagnostic{{Line: 1, Col: 1, Message: err.Error()}}
}

func suppressed(msg string) bool {
	for _, frag := range suppressedDiagnostics {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// mapLine translates a wrapped-source line into the original body's line.
func mapLine(line int) int {
	if line <= wrapperLines {
		return 1
	}
	return line - wrapperLines
}
