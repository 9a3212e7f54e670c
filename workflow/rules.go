package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"github.com/shopspring/decimal"
)

// Workflow rule engine: maps a validation outcome to the routing decision.
// First match wins in ascending priority order; a fallback rule guarantees a
// decision for every input.
//
// Condition language, one boolean expression per rule:
//
//	true
//	IsValidated | IsFlagged | NeedsReview | HasCriticalDiscrepancy
//	Amount <op> <number>            op: == != < <= > >=
//	DiscrepancyCount <op> <number>
//	Vendor == '<name>' | Vendor != '<name>'
//
// Terms combine with AND and OR; AND binds tighter. No parentheses.

// RuleContext is the evaluation input, assembled from the validation result.
type RuleContext struct {
	Status        models.InvoiceStatus
	Amount        decimal.Decimal
	VendorKey     string
	NeedsReview   bool
	Discrepancies []models.Discrepancy
}

// Decision is the rule engine's verdict plus the trace needed for the audit
// entry.
type Decision struct {
	Action models.InvoiceStatus
	Rule   models.WorkflowRule
	Reason string
}

// FallbackRule routes anything no stored rule claims. It is appended to every
// evaluation, so a rule set can narrow it only by matching earlier.
func FallbackRule() models.WorkflowRule {
	return models.WorkflowRule{
		Name:      "default-review",
		Condition: "true",
		Action:    models.InvoiceStatusPendingReview,
		Priority:  1 << 30,
		IsActive:  true,
	}
}

// DefaultWorkflowRules is the seed rule set.
func DefaultWorkflowRules() []models.WorkflowRule {
	return []models.WorkflowRule{
		{
			Name:      "critical-discrepancy-review",
			Condition: "HasCriticalDiscrepancy",
			Action:    models.InvoiceStatusPendingReview,
			Priority:  10,
			IsActive:  true,
		},
		{
			Name:      "flagged-review",
			Condition: "IsFlagged",
			Action:    models.InvoiceStatusPendingReview,
			Priority:  20,
			IsActive:  true,
		},
		{
			Name:      "auto-approve-small",
			Condition: "IsValidated AND Amount < 1000",
			Action:    models.InvoiceStatusApproved,
			Priority:  30,
			IsActive:  true,
		},
		{
			Name:      "manager-approval-large",
			Condition: "IsValidated AND Amount >= 1000",
			Action:    models.InvoiceStatusPendingApproval,
			Priority:  40,
			IsActive:  true,
		},
	}
}

// EvaluateRules runs the snapshot against the context. Rules evaluate in
// ascending priority (id breaks ties); a rule whose condition does not parse
// is skipped, never guessed at. The fallback makes the result total.
func EvaluateRules(rules []models.WorkflowRule, rc RuleContext) Decision {
	ordered := make([]models.WorkflowRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	ordered = append(ordered, FallbackRule())

	for _, rule := range ordered {
		if !models.DecisionTargets[rule.Action] {
			continue
		}
		matched, err := EvaluateCondition(rule.Condition, rc)
		if err != nil {
			continue
		}
		if matched {
			return Decision{
				Action: rule.Action,
				Rule:   rule,
				Reason: fmt.Sprintf("rule %q matched: %s", rule.Name, rule.Condition),
			}
		}
	}

	// Unreachable: the fallback condition is "true".
	fb := FallbackRule()
	return Decision{Action: fb.Action, Rule: fb, Reason: "fallback"}
}

var (
	orSplitter  = regexp.MustCompile(`(?i)\s+OR\s+`)
	andSplitter = regexp.MustCompile(`(?i)\s+AND\s+`)
	comparison  = regexp.MustCompile(`^(Amount|DiscrepancyCount|Vendor)\s*(==|!=|<=|>=|<|>)\s*(.+)$`)
)

// EvaluateCondition parses and evaluates one condition expression.
func EvaluateCondition(condition string, rc RuleContext) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, fmt.Errorf("empty condition")
	}
	for _, disjunct := range orSplitter.Split(condition, -1) {
		matched := true
		for _, term := range andSplitter.Split(disjunct, -1) {
			ok, err := evaluateTerm(strings.TrimSpace(term), rc)
			if err != nil {
				return false, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func evaluateTerm(term string, rc RuleContext) (bool, error) {
	switch strings.ToLower(term) {
	case "true":
		return true, nil
	case "isvalidated":
		return rc.Status == models.InvoiceStatusValidated, nil
	case "isflagged":
		return rc.Status == models.InvoiceStatusFlagged, nil
	case "needsreview":
		return rc.NeedsReview, nil
	case "hascriticaldiscrepancy":
		return HasCritical(rc.Discrepancies), nil
	}

	m := comparison.FindStringSubmatch(term)
	if m == nil {
		return false, fmt.Errorf("unparseable condition term %q", term)
	}
	field, op, rhs := m[1], m[2], strings.TrimSpace(m[3])

	if field == "Vendor" {
		if op != "==" && op != "!=" {
			return false, fmt.Errorf("operator %q not valid for Vendor", op)
		}
		value := strings.Trim(rhs, `'"`)
		equal := strings.EqualFold(NormalizeVendorKey(value), rc.VendorKey)
		if op == "!=" {
			return !equal, nil
		}
		return equal, nil
	}

	rhsValue, err := decimal.NewFromString(rhs)
	if err != nil {
		return false, fmt.Errorf("invalid number %q in condition term %q", rhs, term)
	}
	var lhs decimal.Decimal
	switch field {
	case "Amount":
		lhs = rc.Amount
	case "DiscrepancyCount":
		lhs = decimal.NewFromInt(int64(len(rc.Discrepancies)))
	}
	return compareDecimal(lhs, op, rhsValue)
}

func compareDecimal(lhs decimal.Decimal, op string, rhs decimal.Decimal) (bool, error) {
	cmp := lhs.Cmp(rhs)
	switch op {
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
