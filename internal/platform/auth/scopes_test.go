package auth

import (
	"reflect"
	"testing"
)

// ---------------------------------------------------------------------------
// Scope parsing
// ---------------------------------------------------------------------------

func TestParseSMARTScope_Valid(t *testing.T) {
	tests := []struct {
		scope    string
		expected SMARTScope
	}{
		{"patient/Patient.read", SMARTScope{Context: "patient", ResourceType: "Patient", Operation: "read"}},
		{"user/Observation.write", SMARTScope{Context: "user", ResourceType: "Observation", Operation: "write"}},
		{"patient/*.read", SMARTScope{Context: "patient", ResourceType: "*", Operation: "read"}},
		{"user/*.*", SMARTScope{Context: "user", ResourceType: "*", Operation: "*"}},
		{"system/MedicationRequest.read", SMARTScope{Context: "system", ResourceType: "MedicationRequest", Operation: "read"}},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			parsed, err := ParseSMARTScope(tt.scope)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if *parsed != tt.expected {
				t.Errorf("ParseSMARTScope(%q) = %+v, want %+v", tt.scope, *parsed, tt.expected)
			}
		})
	}
}

func TestParseSMARTScope_Invalid(t *testing.T) {
	tests := []string{
		"openid",
		"fhirUser",
		"launch",
		"launch/patient",
		"offline_access",
		"patient/Patient",
		"patient/.read",
		"patient/Patient.delete",
		"admin/Patient.read",
		"",
	}

	for _, scope := range tests {
		t.Run(scope, func(t *testing.T) {
			if _, err := ParseSMARTScope(scope); err == nil {
				t.Errorf("expected error for %q", scope)
			}
		})
	}
}

func TestIsValidSMARTScope(t *testing.T) {
	valid := []string{
		"openid", "fhirUser", "profile", "launch", "launch/patient",
		"launch/encounter", "offline_access",
		"patient/Patient.read", "user/*.*",
	}
	for _, s := range valid {
		if !isValidSMARTScope(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}

	invalid := []string{"", "bogus", "admin/Patient.read", "patient/Patient.delete", "launch/visit"}
	for _, s := range invalid {
		if isValidSMARTScope(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestParseSMARTScopes_SkipsNonResource(t *testing.T) {
	scopes := []string{"openid", "patient/Patient.read", "launch", "user/Observation.read", "fhirUser"}

	parsed := ParseSMARTScopes(scopes)
	if len(parsed) != 2 {
		t.Fatalf("expected 2 resource scopes, got %d: %+v", len(parsed), parsed)
	}
	if parsed[0].ResourceType != "Patient" || parsed[1].ResourceType != "Observation" {
		t.Errorf("unexpected parse result: %+v", parsed)
	}
}

// ---------------------------------------------------------------------------
// Scope matching
// ---------------------------------------------------------------------------

func TestScopeAllows(t *testing.T) {
	scopes := ParseSMARTScopes([]string{"patient/Patient.read", "patient/Observation.*"})

	tests := []struct {
		resourceType string
		operation    string
		expected     bool
	}{
		{"Patient", "read", true},
		{"Patient", "write", false},
		{"Observation", "read", true},
		{"Observation", "write", true},
		{"MedicationRequest", "read", false},
	}

	for _, tt := range tests {
		if got := ScopeAllows(scopes, tt.resourceType, tt.operation); got != tt.expected {
			t.Errorf("ScopeAllows(%s, %s) = %v, want %v", tt.resourceType, tt.operation, got, tt.expected)
		}
	}
}

func TestScopeAllows_Wildcard(t *testing.T) {
	scopes := ParseSMARTScopes([]string{"user/*.*"})

	if !ScopeAllows(scopes, "Patient", "read") {
		t.Error("expected user/*.* to allow Patient.read")
	}
	if !ScopeAllows(scopes, "Encounter", "write") {
		t.Error("expected user/*.* to allow Encounter.write")
	}
}

// ---------------------------------------------------------------------------
// Scope assembly
// ---------------------------------------------------------------------------

func TestAssembleScopes_Dedupes(t *testing.T) {
	got := assembleScopes([]string{"launch", "openid", "fhirUser"}, []string{"openid", "patient/Patient.read", "patient/Patient.read"})
	want := []string{"launch", "openid", "fhirUser", "patient/Patient.read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("assembleScopes = %v, want %v", got, want)
	}
}

func TestAssembleScopes_PreservesOrder(t *testing.T) {
	got := assembleScopes([]string{"launch/patient", "openid", "fhirUser"}, []string{"patient/Observation.read", "patient/Patient.read"})
	want := []string{"launch/patient", "openid", "fhirUser", "patient/Observation.read", "patient/Patient.read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("assembleScopes = %v, want %v", got, want)
	}
}

func TestAssembleScopes_SkipsEmpty(t *testing.T) {
	got := assembleScopes([]string{"launch", ""}, []string{"", "openid"})
	want := []string{"launch", "openid"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("assembleScopes = %v, want %v", got, want)
	}
}

// ---------------------------------------------------------------------------
// Baselines
// ---------------------------------------------------------------------------

func TestBaselineScopes_ByMode(t *testing.T) {
	ehr := assembleScopes(ehrBaselineScopes, nil)
	standalone := assembleScopes(standaloneBaselineScopes, nil)

	if !containsScope(joinScopes(ehr), "launch") {
		t.Error("EHR baseline must include the bare launch scope")
	}
	if containsScope(joinScopes(ehr), "launch/patient") {
		t.Error("EHR baseline must not request launch/patient")
	}
	if !containsScope(joinScopes(standalone), "launch/patient") {
		t.Error("standalone baseline must include launch/patient")
	}
	if containsScope(joinScopes(standalone), "launch") {
		t.Error("standalone baseline must not request the bare launch scope")
	}
	for _, set := range [][]string{ehr, standalone} {
		s := joinScopes(set)
		if !containsScope(s, "openid") || !containsScope(s, "fhirUser") {
			t.Errorf("baseline %v must include openid and fhirUser", set)
		}
	}
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

func TestContainsScope(t *testing.T) {
	scopeStr := "launch openid fhirUser patient/Patient.read"

	if !containsScope(scopeStr, "openid") {
		t.Error("expected openid to be found")
	}
	if !containsScope(scopeStr, "patient/Patient.read") {
		t.Error("expected patient/Patient.read to be found")
	}
	if containsScope(scopeStr, "launch/patient") {
		t.Error("launch/patient is not in the scope string")
	}
	if containsScope(scopeStr, "open") {
		t.Error("partial scope names must not match")
	}
}
