package middleware

import (
	"fmt"
	"strings"
)

// guardRoles lists the CRM roles admitted by each WithAuth role guard.
var guardRoles = map[string][]string{
	AuthRoleAdmin:   {"admin", "manager"},
	AuthRolePublish: {"admin", "manager", "team_lead"},
}

type roleSet map[string]struct{}

func newRoleSet(roles ...string) roleSet {
	set := make(roleSet, len(roles))
	for _, role := range roles {
		if normalized := normalizeRoleValue(role); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

// rolesFor resolves a guard name; unknown guards admit only the role of the same name.
func rolesFor(guard string) roleSet {
	if roles, ok := guardRoles[guard]; ok {
		return newRoleSet(roles...)
	}
	return newRoleSet(guard)
}

func (s roleSet) allows(value interface{}) bool {
	role := normalizeRoleValue(value)
	if role == "" {
		return false
	}
	_, ok := s[role]
	return ok
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	}
}
