package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/workflow"
)

// Conditions evaluate against the first input item, the same view user code
// sees as $json. Expressions run on expr with the $json / $input shorthands
// rewritten to plain identifiers; compiled programs are cached process-wide.

var (
	exprCacheMu sync.Mutex
	exprCache   = map[string]*vm.Program{}

	exprRewriter = strings.NewReplacer("$json", "json", "$input", "input")
)

// evaluateIf returns the handle the node activates: the first matching branch,
// the else handle, or the legacy true/false pair.
func (s *Stepper) evaluateIf(node *workflow.Node, input []item.Item) (string, error) {
	first := map[string]any{}
	if len(input) > 0 {
		first = input[0].JSON
	}

	if branches, ok := node.Config["branches"].([]any); ok && len(branches) > 0 {
		for _, b := range branches {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			match, err := evalBranch(bm, first, input)
			if err != nil {
				return "", err
			}
			if match {
				handle, _ := bm["handle"].(string)
				return handle, nil
			}
		}
		if h := node.ConfigString("else", ""); h != "" {
			return h, nil
		}
		return "", nil
	}

	// Legacy binary form: top-level conditions with a combinator, emitting on
	// true or false.
	match, err := evalConditions(node.Config, first, input)
	if err != nil {
		return "", err
	}
	if match {
		return "true", nil
	}
	return "false", nil
}

// evalBranch evaluates one branch: either an expression string or a condition
// list with an and/or combine mode.
func evalBranch(branch map[string]any, first map[string]any, input []item.Item) (bool, error) {
	if exprSrc, ok := branch["expression"].(string); ok && exprSrc != "" {
		return evalExpression(exprSrc, first, input)
	}
	return evalConditions(branch, first, input)
}

func evalConditions(config map[string]any, first map[string]any, input []item.Item) (bool, error) {
	raw, _ := config["conditions"].([]any)
	if len(raw) == 0 {
		return false, nil
	}
	combine, _ := config["combine"].(string)
	if combine == "" {
		combine, _ = config["combinator"].(string)
	}
	or := combine == "or"

	for _, rc := range raw {
		cm, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		match, err := evalCondition(cm, first, input)
		if err != nil {
			return false, err
		}
		if or && match {
			return true, nil
		}
		if !or && !match {
			return false, nil
		}
	}
	return !or, nil
}

// evalCondition applies one operator to the field's value (dot path into the
// first item) and the configured operand.
func evalCondition(cond map[string]any, first map[string]any, input []item.Item) (bool, error) {
	if exprSrc, ok := cond["expression"].(string); ok && exprSrc != "" {
		return evalExpression(exprSrc, first, input)
	}
	field, _ := cond["field"].(string)
	operator, _ := cond["operator"].(string)
	operand := cond["value"]
	if operand == nil {
		operand = cond["operand"]
	}

	val, found := item.Item{JSON: first}.Lookup(field)

	switch operator {
	case "exists":
		return found, nil
	case "notExists":
		return !found, nil
	case "isEmpty":
		return !found || isEmptyValue(val), nil
	case "isNotEmpty":
		return found && !isEmptyValue(val), nil
	case "equals", "":
		return item.Fingerprint(val) == item.Fingerprint(operand), nil
	case "notEquals":
		return item.Fingerprint(val) != item.Fingerprint(operand), nil
	case "contains":
		return strings.Contains(toString(val), toString(operand)), nil
	case "notContains":
		return !strings.Contains(toString(val), toString(operand)), nil
	case "startsWith":
		return strings.HasPrefix(toString(val), toString(operand)), nil
	case "endsWith":
		return strings.HasSuffix(toString(val), toString(operand)), nil
	case "greaterThan", "gt":
		return compareNumbers(val, operand, func(a, b float64) bool { return a > b })
	case "greaterOrEqual", "gte":
		return compareNumbers(val, operand, func(a, b float64) bool { return a >= b })
	case "lessThan", "lt":
		return compareNumbers(val, operand, func(a, b float64) bool { return a < b })
	case "lessOrEqual", "lte":
		return compareNumbers(val, operand, func(a, b float64) bool { return a <= b })
	default:
		return false, fmt.Errorf("unknown condition operator %q", operator)
	}
}

// evalExpression compiles (with caching) and runs an expr condition against
// {json, input}.
func evalExpression(src string, first map[string]any, input []item.Item) (bool, error) {
	rewritten := exprRewriter.Replace(src)

	exprCacheMu.Lock()
	prog, ok := exprCache[rewritten]
	exprCacheMu.Unlock()
	if !ok {
		var err error
		prog, err = expr.Compile(rewritten, expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("compile condition %q: %w", src, err)
		}
		exprCacheMu.Lock()
		exprCache[rewritten] = prog
		exprCacheMu.Unlock()
	}

	out, err := expr.Run(prog, map[string]any{
		"json":  first,
		"input": item.Export(input),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q is not boolean", src)
	}
	return b, nil
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func compareNumbers(a, b any, cmp func(float64, float64) bool) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("cannot compare %T with %T numerically", a, b)
	}
	return cmp(af, bf), nil
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}
