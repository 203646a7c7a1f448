package services

import "inspora/internal/models"

// 规则组合操作符
const (
	RuleOperatorAnd = "AND"
	RuleOperatorOr  = "OR"
)

// EvaluateRule evaluates a rule's conditions against the event context.
// Pure and deterministic: an empty condition list passes, a missing context
// field fails that condition, and the per-condition results are combined
// with the rule's AND/OR operator.
func EvaluateRule(rule *models.AutomationRule, context Event) bool {
	if len(rule.Conditions) == 0 {
		return true
	}

	results := make([]bool, 0, len(rule.Conditions))
	for _, cond := range rule.Conditions {
		contextValue, ok := context[cond.Field]
		if !ok {
			results = append(results, false)
			continue
		}
		results = append(results, evaluateCondition(contextValue, cond.Operator, cond.Value))
	}

	if rule.Operator == RuleOperatorOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	// 默认 AND
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}
