package auth

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// SMART scope parsing and assembly
// ---------------------------------------------------------------------------

// SMARTScope represents a parsed SMART on FHIR resource scope.
// Format: <context>/<resourceType>.<operation>
// Examples: patient/Patient.read, user/Observation.write, patient/*.read
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Patient", "Observation", "*"
	Operation    string // "read", "write", or "*"
}

// Baseline scopes requested for every launch, before application-specific
// read scopes from configuration are added. EHR launches carry the bare
// "launch" scope (context comes from the launch token); standalone launches
// ask the server to establish a patient context instead.
var (
	ehrBaselineScopes        = []string{"launch", "openid", "fhirUser"}
	standaloneBaselineScopes = []string{"launch/patient", "openid", "fhirUser"}
)

// validSMARTScopes defines the set of recognized non-resource SMART scopes.
var validSMARTScopes = map[string]bool{
	"openid":           true,
	"fhirUser":         true,
	"profile":          true,
	"launch":           true,
	"launch/patient":   true,
	"launch/encounter": true,
	"offline_access":   true,
}

// isValidSMARTScope checks if a scope string is a valid SMART scope.
func isValidSMARTScope(scope string) bool {
	if validSMARTScopes[scope] {
		return true
	}
	// Check if it is a valid resource-level scope
	_, err := ParseSMARTScope(scope)
	return err == nil
}

// ParseSMARTScope parses a SMART on FHIR scope string into its components.
// Valid formats:
//   - patient/Patient.read
//   - user/Observation.write
//   - patient/*.read
//   - user/*.*
//
// Returns an error for scopes that are not resource-level SMART scopes
// (e.g. "openid", "profile", "launch").
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	// Split context from resource.operation
	slashIdx := strings.Index(scope, "/")
	if slashIdx < 0 {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}

	ctx := scope[:slashIdx]
	remainder := scope[slashIdx+1:]

	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	// Split resourceType from operation
	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}

	resourceType := remainder[:dotIdx]
	operation := remainder[dotIdx+1:]

	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}
	if operation != "read" && operation != "write" && operation != "*" {
		return nil, fmt.Errorf("invalid operation %q: must be read, write, or *", operation)
	}

	return &SMARTScope{
		Context:      ctx,
		ResourceType: resourceType,
		Operation:    operation,
	}, nil
}

// ParseSMARTScopes parses a list of scope strings, returning only the valid
// SMART resource scopes. Non-resource scopes (openid, profile, launch, etc.)
// are silently skipped.
func ParseSMARTScopes(scopes []string) []SMARTScope {
	var result []SMARTScope
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue // skip non-resource scopes
		}
		result = append(result, *parsed)
	}
	return result
}

// ScopeAllows checks whether a list of granted SMART scopes covers the given
// resource type and operation. The clinical app uses this to decide which
// features to enable for the session.
func ScopeAllows(scopes []SMARTScope, resourceType, operation string) bool {
	for _, s := range scopes {
		if !resourceMatches(s.ResourceType, resourceType) {
			continue
		}
		if !operationMatches(s.Operation, operation) {
			continue
		}
		return true
	}
	return false
}

// resourceMatches checks if a granted resource type covers the requested one.
func resourceMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

// operationMatches checks if a granted operation covers the requested one.
func operationMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

// assembleScopes returns the union of the baseline scope set and the
// configured extra scopes, duplicates removed, first occurrence winning.
func assembleScopes(baseline, extras []string) []string {
	seen := make(map[string]bool, len(baseline)+len(extras))
	var result []string
	for _, s := range baseline {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		result = append(result, s)
	}
	for _, s := range extras {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		result = append(result, s)
	}
	return result
}

// containsScope checks if a space-separated scope string contains a specific scope.
func containsScope(scopeStr, target string) bool {
	for _, s := range strings.Fields(scopeStr) {
		if s == target {
			return true
		}
	}
	return false
}
