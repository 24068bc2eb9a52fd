package hub

import (
	"testing"

	"github.com/holesch/not-my-board/internal/config"
)

func TestRolesFromClaimsScalarAndSetMatching(t *testing.T) {
	rules := []config.PermissionRule{
		{Role: "exporter", Claims: map[string]interface{}{"sub": "exporter-service"}},
		{Role: "importer", Claims: map[string]interface{}{"groups": []interface{}{"lab-users"}}},
		{Role: "admin", Claims: map[string]interface{}{"groups": []interface{}{"lab-users", "lab-admins"}}},
	}

	cases := []struct {
		name   string
		claims map[string]interface{}
		want   map[string]bool
	}{
		{
			name:   "scalar match grants exporter",
			claims: map[string]interface{}{"sub": "exporter-service"},
			want:   map[string]bool{"exporter": true},
		},
		{
			name:   "scalar mismatch grants nothing",
			claims: map[string]interface{}{"sub": "someone-else"},
			want:   map[string]bool{},
		},
		{
			name:   "superset of a required group grants importer",
			claims: map[string]interface{}{"groups": []interface{}{"lab-users", "other"}},
			want:   map[string]bool{"importer": true},
		},
		{
			name:   "missing one required group denies admin but not importer",
			claims: map[string]interface{}{"groups": []interface{}{"lab-users"}},
			want:   map[string]bool{"importer": true},
		},
		{
			name:   "both groups present grants both rules",
			claims: map[string]interface{}{"groups": []interface{}{"lab-users", "lab-admins"}},
			want:   map[string]bool{"importer": true, "admin": true},
		},
		{
			name:   "missing claim key denies the rule",
			claims: map[string]interface{}{},
			want:   map[string]bool{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := rolesFromClaims(rules, tc.claims)
			if len(got) != len(tc.want) {
				t.Fatalf("rolesFromClaims(%v) = %v, want %v", tc.claims, got, tc.want)
			}
			for role := range tc.want {
				if !got[role] {
					t.Errorf("rolesFromClaims(%v) missing role %q", tc.claims, role)
				}
			}
		})
	}
}

func TestClaimMatchesScalarTypeMismatch(t *testing.T) {
	if claimMatches("1", float64(1)) {
		t.Error("string \"1\" should not match numeric 1")
	}
	if !claimMatches(float64(1), float64(1)) {
		t.Error("equal floats should match")
	}
}

func TestClaimMatchesListAgainstScalarFails(t *testing.T) {
	if claimMatches([]interface{}{"a"}, "a") {
		t.Error("a list requirement should not match a bare scalar claim")
	}
}

func TestRequireRole(t *testing.T) {
	granted := map[string]bool{"importer": true}
	if !requireRole(granted, "importer") {
		t.Error("expected importer to be granted")
	}
	if requireRole(granted, "exporter") {
		t.Error("expected exporter to be denied")
	}
}
