// Package conditions evaluates rule trigger conditions against entity snapshots.
package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fieldflow/internal/models"
)

// Evaluator checks condition lists with AND semantics. It is stateless apart from
// the logger and safe for concurrent use.
type Evaluator struct {
	logger kitlog.Logger
}

// New returns an evaluator that reports unknown operators to logger.
func New(logger kitlog.Logger) *Evaluator {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Evaluator{logger: logger}
}

// Evaluate reports whether every condition holds for record. An empty list holds.
func (e *Evaluator) Evaluate(conds []models.Condition, record map[string]any) bool {
	for _, c := range conds {
		if !e.Check(c, record) {
			return false
		}
	}
	return true
}

// Check evaluates a single condition. Unknown operators are false.
func (e *Evaluator) Check(c models.Condition, record map[string]any) bool {
	actual, found := Resolve(record, c.Field)
	switch strings.ToLower(c.Operator) {
	case models.OpExists:
		return found && actual != nil
	case models.OpEq:
		return found && equal(actual, c.Value)
	case models.OpNeq:
		return !found || !equal(actual, c.Value)
	case models.OpGt:
		return found && compare(actual, c.Value, func(n int) bool { return n > 0 })
	case models.OpGte:
		return found && compare(actual, c.Value, func(n int) bool { return n >= 0 })
	case models.OpLt:
		return found && compare(actual, c.Value, func(n int) bool { return n < 0 })
	case models.OpLte:
		return found && compare(actual, c.Value, func(n int) bool { return n <= 0 })
	case models.OpContains:
		return found && contains(actual, c.Value)
	case models.OpIn:
		return found && !isString(c.Value) && contains(c.Value, actual)
	default:
		level.Warn(e.logger).Log("msg", "unknown condition operator", "operator", c.Operator, "field", c.Field)
		return false
	}
}

// Known reports whether op is a supported operator.
func Known(op string) bool {
	op = strings.ToLower(op)
	for _, k := range models.KnownOperators {
		if k == op {
			return true
		}
	}
	return false
}

// Resolve looks up a dotted path such as "customer.address.city" in record.
func Resolve(record map[string]any, path string) (any, bool) {
	if record == nil || path == "" {
		return nil, false
	}
	if v, ok := record[path]; ok {
		return v, true
	}
	var cur any = record
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		x, okA := toNumber(a)
		y, okB := toNumber(b)
		if okA && okB {
			return x == y
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
		return sa == fmt.Sprint(b)
	}
	return reflect.DeepEqual(a, b)
}

// compare orders a against b numerically, then as RFC3339 times, then as strings.
func compare(a, b any, want func(int) bool) bool {
	if a == nil || b == nil {
		return false
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return want(cmpFloat(x, y))
		}
	}
	if x, ok := toTime(a); ok {
		if y, ok := toTime(b); ok {
			return want(x.Compare(y))
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return want(strings.Compare(sa, sb))
	}
	return false
}

// contains reports substring containment for strings and membership for lists.
func contains(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		if needle == nil {
			return false
		}
		return strings.Contains(s, fmt.Sprint(needle))
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
