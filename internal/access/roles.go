// Package access resolves which audit events a viewer may see and masks
// sensitive field values in what is returned. Stored events are never
// altered; redaction only shapes the projection handed to callers.
package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role is a viewer role as issued by the authentication layer.
type Role string

// Known roles, from narrowest to broadest view.
const (
	RoleStaff   Role = "staff"
	RoleSteward Role = "steward"
	RoleOfficer Role = "officer"
	RoleAuditor Role = "auditor"
	RoleAdmin   Role = "admin"
)

// AllRoles returns every known role. A Policy must define a rule for each.
func AllRoles() []Role {
	return []Role{RoleStaff, RoleSteward, RoleOfficer, RoleAuditor, RoleAdmin}
}

// ParseRole returns the known role named s.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllRoles() {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// Scope restricts which events a role may query at all.
type Scope int

const (
	// ScopeOwnActions limits results to events the viewer performed.
	ScopeOwnActions Scope = iota
	// ScopeEntityClass limits results to the rule's entity types.
	ScopeEntityClass
	// ScopeUnrestricted allows any event.
	ScopeUnrestricted
)

// ParseScope maps a configuration value to a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "own_actions":
		return ScopeOwnActions, nil
	case "entity_class":
		return ScopeEntityClass, nil
	case "unrestricted":
		return ScopeUnrestricted, nil
	}
	return ScopeOwnActions, fmt.Errorf("unknown scope %q", s)
}

func (s Scope) String() string {
	switch s {
	case ScopeOwnActions:
		return "own_actions"
	case ScopeEntityClass:
		return "entity_class"
	case ScopeUnrestricted:
		return "unrestricted"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// Rule is the redaction and scope policy for one role.
type Rule struct {
	Scope Scope
	// EntityTypes is required for ScopeEntityClass.
	EntityTypes []string
	// SensitiveFields are masked wherever they appear in a snapshot.
	SensitiveFields []string
	// MaskAll masks every snapshot value.
	MaskAll bool
	// AnonymizeSource truncates the recorded source address.
	AnonymizeSource bool
}

// Unredacted reports whether the rule leaves events exactly as stored.
func (r Rule) Unredacted() bool {
	return len(r.SensitiveFields) == 0 && !r.MaskAll && !r.AnonymizeSource
}

// RestrictiveRule applies to any role without a defined rule.
var RestrictiveRule = Rule{
	Scope:           ScopeOwnActions,
	MaskAll:         true,
	AnonymizeSource: true,
}

// Errors returned while building a Policy.
var (
	ErrMissingRule       = errors.New("role has no redaction rule")
	ErrUnknownRole       = errors.New("unknown role")
	ErrMissingEntityType = errors.New("entity_class scope requires entity types")
)

// Policy maps every known role to its rule.
type Policy struct {
	rules map[Role]Rule
}

// NewPolicy validates rules and builds a Policy. Every role in AllRoles
// must have a rule so a newly added role cannot silently go unredacted.
func NewPolicy(rules map[Role]Rule) (*Policy, error) {
	var errs []error
	var missing []string
	for _, role := range AllRoles() {
		if _, ok := rules[role]; !ok {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissingRule, strings.Join(missing, ", ")))
	}

	normalized := make(map[Role]Rule, len(rules))
	for role, rule := range rules {
		if _, ok := ParseRole(string(role)); !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownRole, role))
			continue
		}
		if rule.Scope == ScopeEntityClass && len(rule.EntityTypes) == 0 {
			errs = append(errs, fmt.Errorf("%w: role %s", ErrMissingEntityType, role))
		}
		normalized[role] = normalizeRule(rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Policy{rules: normalized}, nil
}

// RuleFor returns the rule for the named role. Unknown or empty roles get
// RestrictiveRule.
func (p *Policy) RuleFor(role string) Rule {
	r, ok := ParseRole(role)
	if !ok || p == nil {
		return RestrictiveRule
	}
	rule, ok := p.rules[r]
	if !ok {
		return RestrictiveRule
	}
	return rule
}

// normalizeRule lower-cases field names and sorts lists so rules compare
// and match predictably.
func normalizeRule(r Rule) Rule {
	out := r
	out.SensitiveFields = make([]string, 0, len(r.SensitiveFields))
	for _, f := range r.SensitiveFields {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out.SensitiveFields = append(out.SensitiveFields, f)
		}
	}
	sort.Strings(out.SensitiveFields)
	out.EntityTypes = append([]string(nil), r.EntityTypes...)
	sort.Strings(out.EntityTypes)
	return out
}

// DefaultRules is the built-in policy used when no rules file is
// configured. Production deployments load rules from configuration.
func DefaultRules() map[Role]Rule {
	personal := []string{"ssn", "national_insurance_number", "date_of_birth", "home_address", "phone", "email", "bank_account"}
	return map[Role]Rule{
		RoleStaff: {
			Scope:           ScopeOwnActions,
			SensitiveFields: personal,
			AnonymizeSource: true,
		},
		RoleSteward: {
			Scope:           ScopeEntityClass,
			EntityTypes:     []string{"grievance", "member", "training"},
			SensitiveFields: append([]string{"medical_notes"}, personal...),
			AnonymizeSource: true,
		},
		RoleOfficer: {
			Scope:           ScopeEntityClass,
			EntityTypes:     []string{"dues", "grievance", "member", "training"},
			SensitiveFields: []string{"ssn", "national_insurance_number", "bank_account"},
		},
		RoleAuditor: {
			Scope:           ScopeUnrestricted,
			SensitiveFields: []string{"ssn", "national_insurance_number", "bank_account"},
		},
		RoleAdmin: {
			Scope: ScopeUnrestricted,
		},
	}
}
