package services

import (
	"fmt"
	"strconv"
	"strings"
)

// 条件操作符
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
)

// evaluateCondition evaluates one condition against a context value.
// Unknown operators and non-comparable operands degrade to false; this
// never returns an error so rule evaluation stays total.
func evaluateCondition(contextValue interface{}, operator string, value interface{}) bool {
	switch operator {
	case OpEquals:
		return valuesEqual(contextValue, value)
	case OpNotEquals:
		return !valuesEqual(contextValue, value)
	case OpContains:
		return strings.Contains(stringify(contextValue), stringify(value))
	case OpNotContains:
		return !strings.Contains(stringify(contextValue), stringify(value))
	case OpGreaterThan:
		return compareValues(contextValue, value) > 0
	case OpLessThan:
		return compareValues(contextValue, value) < 0
	case OpIsEmpty:
		return isEmptyValue(contextValue)
	case OpIsNotEmpty:
		return !isEmptyValue(contextValue)
	default:
		// 未知操作符按不匹配处理，调用方依赖这一行为
		return false
	}
}

// valuesEqual treats all numeric types as one domain (5 equals 5.0, the
// JSON decoder hands us float64 for every number) but never coerces a
// string into a number: "5" and 5 are not equal.
func valuesEqual(a, b interface{}) bool {
	af, aNum := toNumber(a)
	bf, bNum := toNumber(b)
	if aNum && bNum {
		return af == bf
	}
	if aNum != bNum {
		return false
	}
	return stringify(a) == stringify(b)
}

// toNumber 仅接受数值类型，不解析字符串
func toNumber(v interface{}) (float64, bool) {
	if _, isStr := v.(string); isStr {
		return 0, false
	}
	return toFloat(v)
}

// compareValues returns >0, 0, <0 when both sides are comparable,
// and 0 (no match for gt/lt) otherwise.
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af > bf:
			return 1
		case af < bf:
			return -1
		default:
			return 0
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs)
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		if f, ok := toFloat(v); ok {
			return f == 0
		}
		return false
	}
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
