package auth

import (
	"net/http"
	"strings"
)

// Scope categories defined by the SMART App Launch Framework.
const (
	CategoryPatient = "patient"
	CategoryUser    = "user"
	CategorySystem  = "system"
)

// Actions a scope can be evaluated against.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Scope is a parsed, immutable permission string of the form
// <category>/<resourceOrStar>.<actionSpec>.
// Examples: patient/Patient.read, user/*.write, system/Observation.rs
//
// Non-resource scopes such as "openid" or "offline_access" carry only the
// raw string; their Matches always returns false for resource checks.
type Scope struct {
	Raw          string
	Category     string // "patient", "user", "system", or other; empty for non-resource scopes
	ResourceType string // "*" or an exact resource type; empty for non-resource scopes
	Action       string // "*", "read", "write", or a SMART v2 letter set over {c,r,u,d,s}
}

// ParseScope parses a scope string. It returns nil for empty input and for
// malformed resource scopes (a "/" with no "." after it, an empty resource
// type, or an unrecognized action spec). Input without a "/" is treated as
// a non-resource scope and parses successfully.
func ParseScope(raw string) *Scope {
	if raw == "" {
		return nil
	}

	slashIdx := strings.Index(raw, "/")
	if slashIdx < 0 {
		// Non-resource scope: openid, profile, launch, offline_access, ...
		return &Scope{Raw: raw}
	}

	category := raw[:slashIdx]
	remainder := raw[slashIdx+1:]

	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil
	}

	resourceType := remainder[:dotIdx]
	action := remainder[dotIdx+1:]

	if resourceType == "" || !isValidActionSpec(action) {
		return nil
	}

	return &Scope{
		Raw:          raw,
		Category:     category,
		ResourceType: resourceType,
		Action:       action,
	}
}

// isValidActionSpec reports whether the action component is "*", a verb,
// or a non-empty combination of the SMART v2 letters c, r, u, d, s.
func isValidActionSpec(action string) bool {
	switch action {
	case "":
		return false
	case "*", ActionRead, ActionWrite:
		return true
	}
	for _, r := range action {
		switch r {
		case 'c', 'r', 'u', 'd', 's':
		default:
			return false
		}
	}
	return true
}

// Matches reports whether this scope grants the given action on the given
// resource type. Non-resource scopes never match.
func (s *Scope) Matches(resourceType, action string) bool {
	if s == nil || s.Category == "" || s.ResourceType == "" {
		return false
	}
	if s.ResourceType != "*" && s.ResourceType != resourceType {
		return false
	}
	return s.actionAllows(action)
}

// actionAllows evaluates the action spec against a requested verb.
// Letter sets map {r,s} to read and {c,u,d} to write.
func (s *Scope) actionAllows(action string) bool {
	switch s.Action {
	case "*":
		return action == ActionRead || action == ActionWrite
	case ActionRead, ActionWrite:
		return s.Action == action
	}

	switch action {
	case ActionRead:
		return strings.ContainsAny(s.Action, "rs")
	case ActionWrite:
		return strings.ContainsAny(s.Action, "cud")
	}
	return false
}

// IsResourceScope reports whether the scope addresses a resource type.
func (s *Scope) IsResourceScope() bool {
	return s != nil && s.Category != "" && s.ResourceType != ""
}

// IsPatientScope reports whether this is a patient-context scope.
func (s *Scope) IsPatientScope() bool {
	return s != nil && s.Category == CategoryPatient
}

// IsUserScope reports whether this is a user-context scope.
func (s *Scope) IsUserScope() bool {
	return s != nil && s.Category == CategoryUser
}

// IsSystemScope reports whether this is a system-context scope.
func (s *Scope) IsSystemScope() bool {
	return s != nil && s.Category == CategorySystem
}

// ScopeSet is an ordered collection of parsed scopes.
type ScopeSet []*Scope

// ParseScopes parses a space-separated scope string. Malformed entries are
// silently skipped; non-resource scopes are kept so that grants like
// offline_access remain inspectable.
func ParseScopes(raw string) ScopeSet {
	var set ScopeSet
	for _, field := range strings.Fields(raw) {
		if s := ParseScope(field); s != nil {
			set = append(set, s)
		}
	}
	return set
}

// Allows reports whether any scope in the set grants the action on the
// resource type.
func (set ScopeSet) Allows(resourceType, action string) bool {
	for _, s := range set {
		if s.Matches(resourceType, action) {
			return true
		}
	}
	return false
}

// Contains reports whether the set includes a scope with the exact raw
// string, e.g. "offline_access".
func (set ScopeSet) Contains(raw string) bool {
	for _, s := range set {
		if s.Raw == raw {
			return true
		}
	}
	return false
}

// Strings returns the raw scope strings in order.
func (set ScopeSet) Strings() []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = s.Raw
	}
	return out
}

// ActionForMethod maps an HTTP method to a scope action.
func ActionForMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ActionRead
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return ActionWrite
	default:
		return ActionRead
	}
}
