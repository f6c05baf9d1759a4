package condition

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/songzhibin97/approval-engine/types"
)

// CompareField evaluates one field value against an operator and a
// rule value. Numeric-looking strings are coerced to numbers for the
// ordering operators, and a rule value given as a JSON-encoded array
// or number is parsed first. A nil field value only matches is_null /
// is_not_null. Any evaluation failure counts as a non-match; errors
// are never propagated.
func CompareField(fieldValue interface{}, operator string, ruleValue interface{}) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
		}
	}()

	switch operator {
	case types.OpIsNull:
		return fieldValue == nil
	case types.OpIsNotNull:
		return fieldValue != nil
	}

	if fieldValue == nil {
		return false
	}

	ruleValue = normalizeRuleValue(ruleValue)

	switch operator {
	case types.OpEq:
		return looseEqual(fieldValue, ruleValue)
	case types.OpNe:
		return !looseEqual(fieldValue, ruleValue)
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		f, ok1 := toNumber(fieldValue)
		r, ok2 := toNumber(ruleValue)
		if !ok1 || !ok2 {
			return false
		}
		switch operator {
		case types.OpGt:
			return f > r
		case types.OpGte:
			return f >= r
		case types.OpLt:
			return f < r
		default:
			return f <= r
		}
	case types.OpIn:
		items, ok := toSlice(ruleValue)
		if !ok {
			return false
		}
		return sliceContains(items, fieldValue)
	case types.OpNotIn:
		items, ok := toSlice(ruleValue)
		if !ok {
			return false
		}
		return !sliceContains(items, fieldValue)
	case types.OpContains:
		return contains(fieldValue, ruleValue)
	case types.OpNotContains:
		return !contains(fieldValue, ruleValue)
	case types.OpBetween:
		bounds, ok := toSlice(ruleValue)
		if !ok || len(bounds) != 2 {
			return false
		}
		f, ok1 := toNumber(fieldValue)
		lo, ok2 := toNumber(bounds[0])
		hi, ok3 := toNumber(bounds[1])
		if !ok1 || !ok2 || !ok3 {
			return false
		}
		return f >= lo && f <= hi
	}
	return false
}

// EvaluateConfig evaluates a structured condition config against a
// context map. A nil config always matches. Between falls back to
// [Value1, Value2] when Value does not carry the bounds.
func EvaluateConfig(cfg *types.ConditionConfig, context map[string]interface{}) bool {
	if cfg == nil {
		return true
	}
	fieldValue := lookup(context, cfg.Field)
	rule := cfg.Value
	if cfg.Operator == types.OpBetween && rule == nil {
		rule = []interface{}{cfg.Value1, cfg.Value2}
	}
	return CompareField(fieldValue, cfg.Operator, rule)
}

// EvaluateRules folds ordered trigger rules left to right, combining
// each rule's result into the running accumulator with that rule's own
// logic operator. This is a sequential fold, not full boolean-algebra
// precedence. An empty rule set matches unconditionally.
func EvaluateRules(rules []types.TriggerRule, context map[string]interface{}) bool {
	if len(rules) == 0 {
		return true
	}
	ordered := make([]types.TriggerRule, len(rules))
	copy(ordered, rules)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].SortOrder < ordered[j-1].SortOrder; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	result := evalRule(ordered[0], context)
	for _, rule := range ordered[1:] {
		r := evalRule(rule, context)
		if rule.Logic == types.LogicOr {
			result = result || r
		} else {
			result = result && r
		}
	}
	return result
}

func evalRule(rule types.TriggerRule, context map[string]interface{}) bool {
	value := rule.Value
	if rule.Operator == types.OpBetween && value == nil {
		value = []interface{}{rule.Value1, rule.Value2}
	}
	return CompareField(lookup(context, rule.Field), rule.Operator, value)
}

// lookup resolves a field from the context, following dots into
// nested maps ("contract.amount").
func lookup(context map[string]interface{}, field string) interface{} {
	if context == nil || field == "" {
		return nil
	}
	if v, ok := context[field]; ok {
		return v
	}
	parts := strings.Split(field, ".")
	var cur interface{} = context
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
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

// normalizeRuleValue parses a rule value that arrives as JSON text
// (an encoded array or number) into its real shape.
func normalizeRuleValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	t := strings.TrimSpace(s)
	if t == "" {
		return v
	}
	if t[0] == '[' || t[0] == '{' {
		var parsed interface{}
		if err := json.Unmarshal([]byte(t), &parsed); err == nil {
			return parsed
		}
	}
	return v
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// looseEqual compares numerically when both sides coerce to numbers,
// otherwise by string form.
func looseEqual(a, b interface{}) bool {
	fa, oka := toNumber(a)
	fb, okb := toNumber(b)
	if oka && okb {
		return fa == fb
	}
	return stringify(a) == stringify(b)
}

func sliceContains(items []interface{}, v interface{}) bool {
	for _, item := range items {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

// contains matches substring containment for strings and membership
// for slice field values.
func contains(fieldValue, ruleValue interface{}) bool {
	if items, ok := toSlice(fieldValue); ok {
		return sliceContains(items, ruleValue)
	}
	return strings.Contains(stringify(fieldValue), stringify(ruleValue))
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	if f, ok := toNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
