package workflow

import (
	"fmt"
	"strings"
)

// EvalWhen evaluates a step's when expression against the workflow
// context. Supported forms:
//
//	key           truthy: present, non-empty, non-zero, not false
//	!key          negation
//	key == value  string comparison after formatting both sides
//	key != value
//
// Keys may be dotted paths into nested maps ("review.verdict"). A missing
// key is falsy. An empty expression is true.
func EvalWhen(expr string, ctx map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if lhs, rhs, ok := splitOp(expr, "=="); ok {
		return format(lookup(ctx, lhs)) == unquote(rhs)
	}
	if lhs, rhs, ok := splitOp(expr, "!="); ok {
		return format(lookup(ctx, lhs)) != unquote(rhs)
	}
	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		return !truthy(lookup(ctx, strings.TrimSpace(rest)))
	}
	return truthy(lookup(ctx, expr))
}

func splitOp(expr, op string) (lhs, rhs string, ok bool) {
	lhs, rhs, ok = strings.Cut(expr, op)
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(lhs), strings.TrimSpace(rhs), true
}

// lookup resolves a dotted path through nested string-keyed maps.
func lookup(ctx map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}

func format(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
