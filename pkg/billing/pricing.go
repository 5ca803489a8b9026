package billing

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RuleCategory groups pricing rules. The base rule is always included exactly
// once; every other matching rule adds on top.
type RuleCategory string

const (
	RuleBase     RuleCategory = "base"
	RuleMedia    RuleCategory = "media"
	RuleCustomer RuleCategory = "customer"
)

// PricingRule is one row of the versioned pricing configuration. Rules are
// retired by clearing Active, never destructively edited.
type PricingRule struct {
	ID            int64
	Category      RuleCategory
	Channel       Channel
	ConditionType string
	UnitPrice     Amount
	Active        bool
}

// Conditions maps a condition type to its match count for one send: number
// of selected locations, number of age brackets, 1 for boolean flags, absent
// or zero when the condition does not apply.
type Conditions map[string]int

// Quote is the resolved per-unit cost for a (channel, conditions) tuple plus
// the audit trail of which rules produced it.
type Quote struct {
	Channel        Channel
	UnitCost       Amount
	RecipientCount int
	TotalCost      Amount
	AppliedRuleIDs []int64
}

// MetadataJSON renders the quote breakdown for storage in usage-event
// metadata, so any debit is reproducible from the ruleset version used.
func (quote Quote) MetadataJSON() string {
	payload := struct {
		Channel        string  `json:"channel"`
		UnitCost       int64   `json:"unit_cost"`
		RecipientCount int     `json:"recipient_count"`
		TotalCost      int64   `json:"total_cost"`
		AppliedRuleIDs []int64 `json:"applied_rule_ids"`
	}{
		Channel:        quote.Channel.String(),
		UnitCost:       quote.UnitCost.Int64(),
		RecipientCount: quote.RecipientCount,
		TotalCost:      quote.TotalCost.Int64(),
		AppliedRuleIDs: quote.AppliedRuleIDs,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// ResolveUnitCost folds active rules into a deterministic per-unit cost:
// exactly one base rule, plus unitPrice x matchCount for every other rule
// whose condition type appears in the conditions with a positive count.
func ResolveUnitCost(rules []PricingRule, conditions Conditions) (Amount, []int64, error) {
	var baseRule *PricingRule
	for index := range rules {
		rule := rules[index]
		if !rule.Active || rule.Category != RuleBase {
			continue
		}
		if baseRule != nil {
			return 0, nil, fmt.Errorf("%w: multiple active base rules (%d, %d)", ErrPricingRuleConflict, baseRule.ID, rule.ID)
		}
		baseRule = &rules[index]
	}
	if baseRule == nil {
		return 0, nil, fmt.Errorf("%w: no active base rule", ErrPricingRuleNotFound)
	}

	unitCost := baseRule.UnitPrice
	applied := []int64{baseRule.ID}
	for _, rule := range rules {
		if !rule.Active || rule.Category == RuleBase {
			continue
		}
		matchCount := conditions[rule.ConditionType]
		if matchCount <= 0 {
			continue
		}
		unitCost += rule.UnitPrice * Amount(matchCount)
		applied = append(applied, rule.ID)
	}
	sort.Slice(applied, func(left, right int) bool { return applied[left] < applied[right] })
	return unitCost, applied, nil
}
