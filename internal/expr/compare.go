// internal/expr/compare.go
package expr

import (
	"strconv"
	"strings"
	"time"
)

/*
 * Typed comparison and coercion.
 *
 * Implements the four declared value types (string/number/bool/date) with
 * explicit coercion rules. Coercion failure is not an error: a comparison
 * whose operands cannot be coerced resolves to false, matching the
 * fail-closed contract of the interpreter.
 *
 * Type modes:
 *   - number: lenient on representation - float64/int/int64 and numeric
 *     strings coerce; booleans are rejected
 *   - string: lenient - numbers and booleans stringify
 *   - bool: strict - boolean only (avoids "true" vs 1 ambiguity)
 *   - date: time.Time, RFC3339 strings, or epoch milliseconds
 *
 * Why function-based: comparison variants via switch statements rather
 * than operator interfaces; the behavior variation per operator is too
 * small to justify polymorphism.
 */

// CompareValues coerces both operands to typ and applies op. Exported for
// goal attribute checks, which compare outside an expression tree.
// Returns false whenever either operand cannot be coerced.
func CompareValues(op CompareOp, typ ValueType, left, right any, rights []any) bool {
	return compareTyped(op, typ, left, right, rights)
}

// compareTyped coerces both operands to typ and applies op.
// Returns false whenever either operand cannot be coerced.
func compareTyped(op CompareOp, typ ValueType, left, right any, rights []any) bool {
	if op == OpExists {
		return left != nil
	}
	if op == OpIn {
		for _, r := range rights {
			if compareTyped(OpEq, typ, left, r, nil) {
				return true
			}
		}
		return false
	}

	switch typ {
	case TypeNumber:
		l, ok1 := coerceNumber(left)
		r, ok2 := coerceNumber(right)
		if !ok1 || !ok2 {
			return false
		}
		return compareOrdered(op, compareFloats(l, r))
	case TypeBool:
		l, ok1 := left.(bool)
		r, ok2 := right.(bool)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case OpEq:
			return l == r
		case OpNeq:
			return l != r
		default:
			return false
		}
	case TypeDate:
		l, ok1 := coerceDate(left)
		r, ok2 := coerceDate(right)
		if !ok1 || !ok2 {
			return false
		}
		return compareOrdered(op, l.Compare(r))
	case TypeString:
		l, ok1 := coerceString(left)
		r, ok2 := coerceString(right)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case OpPrefix:
			return strings.HasPrefix(l, r)
		case OpSuffix:
			return strings.HasSuffix(l, r)
		default:
			return compareOrdered(op, strings.Compare(l, r))
		}
	default:
		return false
	}
}

// compareOrdered maps a three-way comparison result onto an operator.
func compareOrdered(op CompareOp, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	default:
		return false
	}
}

// compareFloats performs three-way float comparison (-1/0/1).
func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NumberValue coerces value to float64 under the number rules. Exported
// for aggregate adapters, which sum property values outside an expression
// tree.
func NumberValue(value any) (float64, bool) {
	return coerceNumber(value)
}

// coerceNumber converts value to float64 for numeric comparison.
// Accepts float64, int, int64, and numeric strings. Rejects booleans.
// Whitespace-only strings are not valid numbers.
func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// coerceString converts value to a string representation.
// Lenient mode: numbers and booleans stringify; other types are rejected.
func coerceString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// coerceDate converts value to time.Time.
// Accepts time.Time, RFC3339 strings, and epoch milliseconds (float64/int64).
func coerceDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case int:
		return time.UnixMilli(int64(v)).UTC(), true
	default:
		return time.Time{}, false
	}
}

// MatchesFilter reports whether a single event qualifies under f:
// name equality, timestamp within the optional bounds, and every Where
// predicate true against the event's properties.
func MatchesFilter(f EventFilter, name string, timestamp time.Time, props map[string]any) bool {
	if f.Name != name {
		return false
	}
	if f.Since != nil && timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && timestamp.After(*f.Until) {
		return false
	}
	for _, pm := range f.Where {
		v, present := props[pm.Key]
		if pm.Op == OpExists {
			if !present {
				return false
			}
			continue
		}
		if !present {
			// Absent property short-circuits the predicate to false.
			return false
		}
		if !compareTyped(pm.Op, pm.Type, v, pm.Value, pm.Values) {
			return false
		}
	}
	return true
}
