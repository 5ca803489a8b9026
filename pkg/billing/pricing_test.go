package billing

import (
	"errors"
	"testing"
)

func smsRuleset() []PricingRule {
	return []PricingRule{
		{ID: 1, Category: RuleBase, Channel: ChannelSMS, ConditionType: "base", UnitPrice: 100, Active: true},
		{ID: 2, Category: RuleCustomer, Channel: ChannelSMS, ConditionType: "location", UnitPrice: 50, Active: true},
		{ID: 3, Category: RuleCustomer, Channel: ChannelSMS, ConditionType: "age", UnitPrice: 50, Active: true},
		{ID: 4, Category: RuleCustomer, Channel: ChannelSMS, ConditionType: "industry", UnitPrice: 50, Active: true},
		{ID: 5, Category: RuleMedia, Channel: ChannelSMS, ConditionType: "carousel_first", UnitPrice: 100, Active: true},
		{ID: 6, Category: RuleCustomer, Channel: ChannelSMS, ConditionType: "gender", UnitPrice: 50, Active: false},
	}
}

func TestResolveUnitCostSumsMatchedConditions(test *testing.T) {
	test.Parallel()
	conditions := Conditions{"location": 4, "industry": 1, "carousel_first": 1}
	unitCost, applied, err := ResolveUnitCost(smsRuleset(), conditions)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	// base 100 + 4 locations x 50 + industry 50 + carousel 100
	if unitCost != 450 {
		test.Fatalf("expected unit cost 450, got %d", unitCost)
	}
	expectedRules := []int64{1, 2, 4, 5}
	if len(applied) != len(expectedRules) {
		test.Fatalf("expected %v, got %v", expectedRules, applied)
	}
	for index, ruleID := range expectedRules {
		if applied[index] != ruleID {
			test.Fatalf("expected %v, got %v", expectedRules, applied)
		}
	}
}

func TestResolveUnitCostUnmatchedConditionsContributeNothing(test *testing.T) {
	test.Parallel()
	unitCost, applied, err := ResolveUnitCost(smsRuleset(), nil)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if unitCost != 100 {
		test.Fatalf("expected bare base price 100, got %d", unitCost)
	}
	if len(applied) != 1 || applied[0] != 1 {
		test.Fatalf("expected only the base rule, got %v", applied)
	}
}

func TestResolveUnitCostIgnoresInactiveRules(test *testing.T) {
	test.Parallel()
	unitCost, _, err := ResolveUnitCost(smsRuleset(), Conditions{"gender": 1})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if unitCost != 100 {
		test.Fatalf("retired rule must not price, got %d", unitCost)
	}
}

func TestResolveUnitCostRequiresBaseRule(test *testing.T) {
	test.Parallel()
	rules := []PricingRule{
		{ID: 2, Category: RuleCustomer, Channel: ChannelSMS, ConditionType: "location", UnitPrice: 50, Active: true},
	}
	_, _, err := ResolveUnitCost(rules, nil)
	if !errors.Is(err, ErrPricingRuleNotFound) {
		test.Fatalf("expected ErrPricingRuleNotFound, got %v", err)
	}
}

func TestResolveUnitCostRejectsDuplicateBaseRules(test *testing.T) {
	test.Parallel()
	rules := []PricingRule{
		{ID: 1, Category: RuleBase, Channel: ChannelSMS, UnitPrice: 100, Active: true},
		{ID: 2, Category: RuleBase, Channel: ChannelSMS, UnitPrice: 120, Active: true},
	}
	_, _, err := ResolveUnitCost(rules, nil)
	if !errors.Is(err, ErrPricingRuleConflict) {
		test.Fatalf("expected ErrPricingRuleConflict, got %v", err)
	}
}
