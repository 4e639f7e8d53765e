package core

import (
	"fmt"
	"testing"
)

func BenchmarkMatch_NoRules(b *testing.B) {
	ctx := Context{"user_id": "user-42", "plan": "pro"}

	b.ResetTimer()
	for b.Loop() {
		Match("checkout-v2", Targeting{}, ctx)
	}
}

func BenchmarkMatch_SingleSelectionRule(b *testing.B) {
	targeting := Targeting{Users: map[string]struct{}{"user-42": {}}}
	ctx := Context{"user_id": "user-42"}

	b.ResetTimer()
	for b.Loop() {
		Match("checkout-v2", targeting, ctx)
	}
}

func BenchmarkMatch_PercentageUsers(b *testing.B) {
	pct := 30.0
	targeting := Targeting{PercentageUsers: &pct}
	ctx := Context{"user_id": "user-42"}

	b.ResetTimer()
	for b.Loop() {
		Match("checkout-v2", targeting, ctx)
	}
}

func BenchmarkMatch_ComplexConditions(b *testing.B) {
	targeting := Targeting{
		Complex: &ComplexConditions{
			Operator: ComplexAnd,
			Conditions: []ComplexCondition{
				{Type: "role", Params: map[string]any{"values": []string{"admin"}}},
				{Type: "percentage_users", Params: map[string]any{"percentage": 30.0}},
			},
		},
	}
	ctx := Context{"user_id": "user-42", "role": "admin"}

	b.ResetTimer()
	for b.Loop() {
		Match("checkout-v2", targeting, ctx)
	}
}

func BenchmarkMatch_ManyCustomAttributes(b *testing.B) {
	attrs := make(map[string]CustomAttributeRule, 15)
	ctx := Context{"user_id": "user-42"}
	for i := 0; i < 15; i++ {
		key := fmt.Sprintf("attr-%d", i)
		attrs[key] = CustomAttributeRule{Operator: OpEquals, Values: []string{fmt.Sprintf("val-%d", i)}}
		ctx[key] = fmt.Sprintf("val-%d", i)
	}
	targeting := Targeting{
		Users:            map[string]struct{}{"user-42": {}},
		CustomAttributes: attrs,
	}

	b.ResetTimer()
	for b.Loop() {
		Match("checkout-v2", targeting, ctx)
	}
}

func BenchmarkBucketMatches(b *testing.B) {
	b.ResetTimer()
	for b.Loop() {
		BucketMatches("checkout-v2", "user-42", 30)
	}
}

func BenchmarkSelectVariant(b *testing.B) {
	f := &Flag{
		Variants: []Variant{
			{Name: "control", Weight: 1},
			{Name: "treatment-a", Weight: 2},
			{Name: "treatment-b", Weight: 1},
		},
	}

	b.ResetTimer()
	for b.Loop() {
		f.SelectVariant()
	}
}
