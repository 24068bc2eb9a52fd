package hub

import (
	"reflect"

	"github.com/holesch/not-my-board/internal/config"
)

// rolesFromClaims evaluates every configured permission rule against
// claims and returns the set of granted roles. A rule is satisfied iff
// every claim key it names is present in claims and either equal
// (scalars) or a superset (when the rule's value and the token's claim
// are both lists).
func rolesFromClaims(rules []config.PermissionRule, claims map[string]interface{}) map[string]bool {
	granted := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if satisfies(rule.Claims, claims) {
			granted[rule.Role] = true
		}
	}
	return granted
}

func satisfies(required map[string]interface{}, claims map[string]interface{}) bool {
	for key, want := range required {
		got, ok := claims[key]
		if !ok {
			return false
		}
		if !claimMatches(want, got) {
			return false
		}
	}
	return true
}

func claimMatches(want, got interface{}) bool {
	wantSlice, wantIsSlice := toStringSlice(want)
	gotSlice, gotIsSlice := toStringSlice(got)

	if wantIsSlice {
		if !gotIsSlice {
			return false
		}
		wantSet := make(map[string]bool, len(wantSlice))
		for _, v := range wantSlice {
			wantSet[v] = true
		}
		gotSet := make(map[string]bool, len(gotSlice))
		for _, v := range gotSlice {
			gotSet[v] = true
		}
		for v := range wantSet {
			if !gotSet[v] {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(want, got)
}

func toStringSlice(v interface{}) ([]string, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		if strs, ok := v.([]string); ok {
			return strs, true
		}
		return nil, false
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		result = append(result, s)
	}
	return result, true
}

// requireRole reports whether granted includes role.
func requireRole(granted map[string]bool, role string) bool {
	return granted[role]
}
