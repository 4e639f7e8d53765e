package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMatchNoRulesWhenTargetingEmpty(t *testing.T) {
	result, err := Match("checkout-v2", Targeting{}, Context{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result != NoRules {
		t.Fatalf("Match() = %v, want NoRules", result)
	}
}

func TestMatchSelectionRulesPrecedence(t *testing.T) {
	tests := []struct {
		name string
		t    Targeting
		ctx  Context
		want MatchResult
	}{
		{
			name: "user in allowlist matches",
			t:    Targeting{Users: map[string]struct{}{"u1": {}}},
			ctx:  Context{"user_id": "u1"},
			want: Matched,
		},
		{
			name: "user not in allowlist is no match",
			t:    Targeting{Users: map[string]struct{}{"u1": {}}},
			ctx:  Context{"user_id": "u2"},
			want: NoMatch,
		},
		{
			name: "group match",
			t:    Targeting{Groups: map[string]struct{}{"beta": {}}},
			ctx:  Context{"group": "beta"},
			want: Matched,
		},
		{
			name: "role match",
			t:    Targeting{Roles: map[string]struct{}{"admin": {}}},
			ctx:  Context{"role": "admin"},
			want: Matched,
		},
		{
			name: "tag match",
			t:    Targeting{Tags: map[string]struct{}{"internal": {}}},
			ctx:  Context{"tags": []string{"internal", "eu"}},
			want: Matched,
		},
		{
			name: "no selection rule satisfied is no match",
			t:    Targeting{Users: map[string]struct{}{"u1": {}}, Groups: map[string]struct{}{"beta": {}}},
			ctx:  Context{"user_id": "u2", "group": "alpha"},
			want: NoMatch,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Match("checkout-v2", test.t, test.ctx)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if got != test.want {
				t.Fatalf("Match() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestMatchGatingShortCircuitsBeforeSelection(t *testing.T) {
	restore := nowFunc
	defer func() { nowFunc = restore }()
	nowFunc = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	targeting := Targeting{
		Users: map[string]struct{}{"u1": {}},
		DateRange: &DateRange{
			Start: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	ctx := Context{"user_id": "u1"}

	result, err := Match("checkout-v2", targeting, ctx)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result != NoMatch {
		t.Fatalf("Match() = %v, want NoMatch even though the selection rule would have matched", result)
	}
}

func TestMatchGatingIPAddressRequiresAllowlistedCIDR(t *testing.T) {
	targeting := Targeting{
		Users:       map[string]struct{}{"u1": {}},
		IPAddresses: []string{"10.0.0.0/8"},
	}

	result, err := Match("checkout-v2", targeting, Context{"user_id": "u1", "ip_address": "192.168.1.1"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result != NoMatch {
		t.Fatalf("Match() = %v, want NoMatch for an IP outside the allowlisted CIDR", result)
	}

	result, err = Match("checkout-v2", targeting, Context{"user_id": "u1", "ip_address": "10.1.2.3"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result != Matched {
		t.Fatalf("Match() = %v, want Match for an IP inside the allowlisted CIDR", result)
	}
}

func TestMatchGatingCustomAttributes(t *testing.T) {
	targeting := Targeting{
		Users: map[string]struct{}{"u1": {}},
		CustomAttributes: map[string]CustomAttributeRule{
			"plan": {Operator: OpIn, Values: []string{"pro", "enterprise"}},
		},
	}

	result, err := Match("checkout-v2", targeting, Context{"user_id": "u1", "plan": "free"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result != NoMatch {
		t.Fatalf("Match() = %v, want NoMatch when the custom attribute gate fails", result)
	}

	result, err = Match("checkout-v2", targeting, Context{"user_id": "u1", "plan": "pro"})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if result != Matched {
		t.Fatalf("Match() = %v, want Match when the custom attribute gate passes", result)
	}
}

func TestBucketMatchesIsStableForTheSamePair(t *testing.T) {
	first := BucketMatches("checkout-v2", "user-42", 50)
	for i := 0; i < 50; i++ {
		if got := BucketMatches("checkout-v2", "user-42", 50); got != first {
			t.Fatalf("BucketMatches() is not stable across repeated calls for the same flag/user pair")
		}
	}
}

func TestBucketMatchesZeroAndHundredPercent(t *testing.T) {
	if BucketMatches("checkout-v2", "user-1", 0) {
		t.Error("BucketMatches() with percentage 0 should never match")
	}
	if !BucketMatches("checkout-v2", "user-1", 100) {
		t.Error("BucketMatches() with percentage 100 should always match")
	}
}

func TestBucketMatchesDistributesAcrossUsers(t *testing.T) {
	matched := 0
	const sampleSize = 2000
	for i := 0; i < sampleSize; i++ {
		userID := fmt.Sprintf("user-%d", i)
		if BucketMatches("checkout-v2", userID, 30) {
			matched++
		}
	}
	ratio := float64(matched) / float64(sampleSize)
	if ratio < 0.2 || ratio > 0.4 {
		t.Errorf("BucketMatches() matched %.2f%% of sampled users, want roughly 30%%", ratio*100)
	}
}

func TestSelectionPercentageUsersDelegatesToBucketMatches(t *testing.T) {
	pct := 50.0
	targeting := Targeting{PercentageUsers: &pct}

	matched, err := selectionMatches("checkout-v2", targeting, Context{"user_id": "user-42"})
	if err != nil {
		t.Fatalf("selectionMatches() error = %v", err)
	}
	if matched != BucketMatches("checkout-v2", "user-42", pct) {
		t.Error("selectionMatches() percentage_users result disagrees with BucketMatches()")
	}
}

func TestSelectionPercentageRequestsAlwaysMatchesAtHundred(t *testing.T) {
	pct := 100.0
	targeting := Targeting{PercentageRequests: &pct}

	matched, err := selectionMatches("checkout-v2", targeting, Context{})
	if err != nil {
		t.Fatalf("selectionMatches() error = %v", err)
	}
	if !matched {
		t.Error("selectionMatches() percentage_requests at 100% should always match")
	}
}

func TestSelectionPercentageRequestsNeverMatchesAtZero(t *testing.T) {
	pct := 0.0
	targeting := Targeting{PercentageRequests: &pct}

	matched, err := selectionMatches("checkout-v2", targeting, Context{})
	if err != nil {
		t.Fatalf("selectionMatches() error = %v", err)
	}
	if matched {
		t.Error("selectionMatches() percentage_requests at 0% should never match")
	}
}

func TestEvalComplexConditionsAndOr(t *testing.T) {
	cc := ComplexConditions{
		Operator: ComplexAnd,
		Conditions: []ComplexCondition{
			{Type: "role", Params: map[string]any{"values": []string{"admin"}}},
			{Type: "group", Params: map[string]any{"values": []string{"beta"}}},
		},
	}

	matched, err := evalComplex("checkout-v2", cc, Context{"role": "admin", "group": "beta"})
	if err != nil {
		t.Fatalf("evalComplex() error = %v", err)
	}
	if !matched {
		t.Error("evalComplex() AND of two satisfied leaves should match")
	}

	matched, err = evalComplex("checkout-v2", cc, Context{"role": "admin", "group": "alpha"})
	if err != nil {
		t.Fatalf("evalComplex() error = %v", err)
	}
	if matched {
		t.Error("evalComplex() AND with one unsatisfied leaf should not match")
	}

	cc.Operator = ComplexOr
	matched, err = evalComplex("checkout-v2", cc, Context{"role": "admin", "group": "alpha"})
	if err != nil {
		t.Fatalf("evalComplex() error = %v", err)
	}
	if !matched {
		t.Error("evalComplex() OR with one satisfied leaf should match")
	}
}

func TestEvalComplexLeafPercentageUsers(t *testing.T) {
	leaf := ComplexCondition{
		Type:   "percentage_users",
		Params: map[string]any{"percentage": 50.0},
	}

	matched, err := evalComplexLeaf("checkout-v2", leaf, Context{"user_id": "user-42"})
	if err != nil {
		t.Fatalf("evalComplexLeaf() error = %v", err)
	}
	if matched != BucketMatches("checkout-v2", "user-42", 50) {
		t.Error("evalComplexLeaf() percentage_users should mirror the top-level percentage_users selection rule")
	}

	matched, err = evalComplexLeaf("checkout-v2", leaf, Context{})
	if err != nil {
		t.Fatalf("evalComplexLeaf() error = %v", err)
	}
	if matched {
		t.Error("evalComplexLeaf() percentage_users without a user_id should not match")
	}
}

func TestEvalComplexLeafPercentageRequests(t *testing.T) {
	always := ComplexCondition{Type: "percentage_requests", Params: map[string]any{"percentage": 100.0}}
	never := ComplexCondition{Type: "percentage_requests", Params: map[string]any{"percentage": 0.0}}

	matched, err := evalComplexLeaf("checkout-v2", always, Context{})
	if err != nil {
		t.Fatalf("evalComplexLeaf() error = %v", err)
	}
	if !matched {
		t.Error("evalComplexLeaf() percentage_requests at 100% should always match")
	}

	matched, err = evalComplexLeaf("checkout-v2", never, Context{})
	if err != nil {
		t.Fatalf("evalComplexLeaf() error = %v", err)
	}
	if matched {
		t.Error("evalComplexLeaf() percentage_requests at 0% should never match")
	}
}

func TestEvalComplexLeafPercentageMissingParamErrors(t *testing.T) {
	leaf := ComplexCondition{Type: "percentage_users", Params: map[string]any{}}

	_, err := evalComplexLeaf("checkout-v2", leaf, Context{"user_id": "user-42"})
	if !errors.Is(err, ErrInvalidTargeting) {
		t.Fatalf("evalComplexLeaf() error = %v, want ErrInvalidTargeting", err)
	}
}

func TestEvalComplexLeafUnknownTypeErrors(t *testing.T) {
	leaf := ComplexCondition{Type: "nonsense"}

	_, err := evalComplexLeaf("checkout-v2", leaf, Context{})
	if !errors.Is(err, ErrInvalidTargeting) {
		t.Fatalf("evalComplexLeaf() error = %v, want ErrInvalidTargeting", err)
	}
}

func TestSelectVariantWeightedDistribution(t *testing.T) {
	f := &Flag{
		Variants: []Variant{
			{Name: "control", Weight: 0},
			{Name: "treatment", Weight: 1},
		},
	}

	counts := map[string]int{}
	const draws = 500
	for i := 0; i < draws; i++ {
		v, err := f.SelectVariant()
		if err != nil {
			t.Fatalf("SelectVariant() error = %v", err)
		}
		counts[v.Name]++
	}
	if counts["treatment"] != draws {
		t.Errorf("SelectVariant() with a zero-weight control should never select it, got counts = %v", counts)
	}
}

func TestSelectVariantZeroTotalWeightFallsBackToFirst(t *testing.T) {
	f := &Flag{
		Variants: []Variant{
			{Name: "a", Weight: 0},
			{Name: "b", Weight: 0},
		},
	}

	v, err := f.SelectVariant()
	if err != nil {
		t.Fatalf("SelectVariant() error = %v", err)
	}
	if v.Name != "a" {
		t.Errorf("SelectVariant() with zero total weight = %q, want the first variant", v.Name)
	}
}

func TestSelectVariantNoVariantsErrors(t *testing.T) {
	f := &Flag{}

	if _, err := f.SelectVariant(); !errors.Is(err, ErrNoVariants) {
		t.Fatalf("SelectVariant() error = %v, want ErrNoVariants", err)
	}
}
