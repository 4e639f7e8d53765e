package core

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"strconv"
)

// Match runs the Targeting Matcher (C6) against a flag's targeting map and
// the supplied context, returning MATCH, NO_MATCH, or NO_RULES per
// spec.md §4.6.
func Match(flagName string, t Targeting, ctx Context) (MatchResult, error) {
	if t.IsEmpty() {
		return NoRules, nil
	}

	ok, err := gatingPasses(flagName, t, ctx)
	if err != nil {
		return NoMatch, err
	}
	if !ok {
		return NoMatch, nil
	}

	matched, err := selectionMatches(flagName, t, ctx)
	if err != nil {
		return NoMatch, err
	}
	if matched {
		return Matched, nil
	}

	return NoMatch, nil
}

// gatingPasses evaluates the gating rules: any configured gate that fails
// short-circuits the whole match to NO_MATCH.
func gatingPasses(flagName string, t Targeting, ctx Context) (bool, error) {
	if t.DateRange != nil && !t.DateRange.Active(nowFunc()) {
		return false, nil
	}

	if len(t.IPAddresses) > 0 {
		ip, ok := ctx.IPAddress()
		if !ok {
			return false, nil
		}
		matched, err := ipInAny(ip, t.IPAddresses)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	if len(t.CustomAttributes) > 0 {
		for attr, rule := range t.CustomAttributes {
			v, ok := ctx[attr]
			if !ok {
				return false, nil
			}
			matched, err := matchCustomAttribute(v, rule)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
	}

	if t.Complex != nil {
		matched, err := evalComplex(flagName, *t.Complex, ctx)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

// selectionMatches evaluates the selection rules: any configured rule that
// matches yields overall MATCH.
func selectionMatches(flagName string, t Targeting, ctx Context) (bool, error) {
	if uid, ok := ctx.UserID(); ok {
		if _, in := t.Users[uid]; in {
			return true, nil
		}
	}
	if group, ok := ctx.Group(); ok {
		if _, in := t.Groups[group]; in {
			return true, nil
		}
	}
	if role, ok := ctx.Role(); ok {
		if _, in := t.Roles[role]; in {
			return true, nil
		}
	}
	if len(t.Tags) > 0 {
		for _, tag := range ctx.Tags() {
			if _, in := t.Tags[tag]; in {
				return true, nil
			}
		}
	}
	if t.PercentageUsers != nil {
		if uid, ok := ctx.UserID(); ok && BucketMatches(flagName, uid, *t.PercentageUsers) {
			return true, nil
		}
	}
	if t.PercentageRequests != nil {
		if rand.Float64()*100 < *t.PercentageRequests {
			return true, nil
		}
	}
	return false, nil
}

// BucketMatches implements the deterministic percentage_users bucketing
// algorithm: h = MD5("{flagName}:{userID}"), H = first 8 hex chars as a
// uint32, match iff H mod 100 < percentage. Stable across processes and
// re-evaluations for the same (flag, user) pair (testable property P2).
func BucketMatches(flagName, userID string, percentage float64) bool {
	sum := md5.Sum([]byte(flagName + ":" + userID))
	hexStr := hex.EncodeToString(sum[:])[:8]
	raw, err := hexToUint32(hexStr)
	if err != nil {
		return false
	}
	return float64(raw%100) < percentage
}

func hexToUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func ipInAny(ipStr string, cidrs []string) (bool, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false, fmt.Errorf("%w: invalid ip %q", ErrInvalidTargeting, ipStr)
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return false, fmt.Errorf("%w: invalid cidr %q: %v", ErrInvalidTargeting, cidr, err)
		}
		if network.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

func matchCustomAttribute(value any, rule CustomAttributeRule) (bool, error) {
	s := fmt.Sprint(value)
	switch rule.Operator {
	case OpEquals, OpIn:
		return containsString(rule.Values, s), nil
	case OpNotEquals, OpNotIn:
		return !containsString(rule.Values, s), nil
	case OpGreater, OpLess:
		lhs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidTargeting, err)
		}
		for _, rv := range rule.Values {
			rhs, err := strconv.ParseFloat(rv, 64)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrInvalidTargeting, err)
			}
			if rule.Operator == OpGreater && lhs > rhs {
				return true, nil
			}
			if rule.Operator == OpLess && lhs < rhs {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidTargeting, rule.Operator)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// evalComplex evaluates a complex_conditions tree: each leaf mirrors a
// selection rule (its Type names the targeting kind, Params carries that
// kind's operand), aggregated by the configured and/or operator.
func evalComplex(flagName string, cc ComplexConditions, ctx Context) (bool, error) {
	if len(cc.Conditions) == 0 {
		return false, nil
	}

	results := make([]bool, 0, len(cc.Conditions))
	for _, leaf := range cc.Conditions {
		matched, err := evalComplexLeaf(flagName, leaf, ctx)
		if err != nil {
			return false, err
		}
		results = append(results, matched)
	}

	switch cc.Operator {
	case ComplexOr:
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return false, nil
	case ComplexAnd:
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: unknown complex operator %q", ErrInvalidTargeting, cc.Operator)
	}
}

func evalComplexLeaf(flagName string, leaf ComplexCondition, ctx Context) (bool, error) {
	switch leaf.Type {
	case "user":
		uid, _ := ctx.UserID()
		return paramSetContains(leaf.Params, "values", uid), nil
	case "group":
		group, _ := ctx.Group()
		return paramSetContains(leaf.Params, "values", group), nil
	case "role":
		role, _ := ctx.Role()
		return paramSetContains(leaf.Params, "values", role), nil
	case "tag":
		for _, tag := range ctx.Tags() {
			if paramSetContains(leaf.Params, "values", tag) {
				return true, nil
			}
		}
		return false, nil
	case "ip_address":
		ip, ok := ctx.IPAddress()
		if !ok {
			return false, nil
		}
		cidrs, _ := leaf.Params["values"].([]string)
		return ipInAny(ip, cidrs)
	case "custom_attributes":
		attr, _ := leaf.Params["attribute"].(string)
		v, ok := ctx[attr]
		if !ok {
			return false, nil
		}
		rule := CustomAttributeRule{
			Operator: CustomOperator(fmt.Sprint(leaf.Params["operator"])),
		}
		if vals, ok := leaf.Params["values"].([]string); ok {
			rule.Values = vals
		}
		return matchCustomAttribute(v, rule)
	case "percentage_users":
		uid, ok := ctx.UserID()
		if !ok {
			return false, nil
		}
		pct, err := paramPercentage(leaf.Params)
		if err != nil {
			return false, err
		}
		return BucketMatches(flagName, uid, pct), nil
	case "percentage_requests":
		pct, err := paramPercentage(leaf.Params)
		if err != nil {
			return false, err
		}
		return rand.Float64()*100 < pct, nil
	default:
		return false, fmt.Errorf("%w: unknown complex condition type %q", ErrInvalidTargeting, leaf.Type)
	}
}

func paramSetContains(params map[string]any, key, want string) bool {
	if want == "" {
		return false
	}
	values, _ := params[key].([]string)
	return containsString(values, want)
}

// paramPercentage extracts a float64 "percentage" operand from a complex
// condition leaf's params, the same way the top-level percentage_users and
// percentage_requests rules hold theirs.
func paramPercentage(params map[string]any) (float64, error) {
	pct, ok := params["percentage"].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: missing or non-numeric percentage param", ErrInvalidTargeting)
	}
	return pct, nil
}
