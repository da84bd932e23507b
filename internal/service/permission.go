package service

import (
	"sort"
	"strings"
)

// Chat permissions. Each grants the right to open conversations with a class of peers.
const (
	PermissionMessageAll       = "chat:message_all"
	PermissionMessageTeamLeads = "chat:message_team_leads"
	PermissionMessageAgents    = "chat:message_agents"
)

// Roles known to the chat policy.
const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleTeamLead = "team_lead"
	RoleAgent    = "agent"
)

// PermissionSet is the resolved set of chat permissions of one actor.
type PermissionSet map[string]struct{}

// PermissionsForRole resolves the chat permissions granted to role.
func PermissionsForRole(role string) PermissionSet {
	set := PermissionSet{}
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleAdmin, RoleManager:
		set[PermissionMessageAll] = struct{}{}
	case RoleTeamLead:
		set[PermissionMessageTeamLeads] = struct{}{}
		set[PermissionMessageAgents] = struct{}{}
	case RoleAgent:
		set[PermissionMessageTeamLeads] = struct{}{}
	}
	return set
}

// Has reports whether the permission is granted.
func (p PermissionSet) Has(permission string) bool {
	_, ok := p[permission]
	return ok
}

// List returns the granted permissions in stable order.
func (p PermissionSet) List() []string {
	out := make([]string, 0, len(p))
	for permission := range p {
		out = append(out, permission)
	}
	sort.Strings(out)
	return out
}

// RequiredFor returns the permission needed to open a conversation with a peer of the given role.
func RequiredFor(peerRole string) string {
	switch strings.ToLower(strings.TrimSpace(peerRole)) {
	case RoleAgent:
		return PermissionMessageAgents
	case RoleTeamLead:
		return PermissionMessageTeamLeads
	default:
		return PermissionMessageAll
	}
}

// CanChatWith reports whether a conversation may be opened with a peer of peerRole,
// returning the permission that would be required when it may not.
func (p PermissionSet) CanChatWith(peerRole string) (bool, string) {
	if p.Has(PermissionMessageAll) {
		return true, ""
	}
	required := RequiredFor(peerRole)
	return p.Has(required), required
}

// CanConverse applies the chat policy to a pair: the pair may talk when either side may open
// the conversation. The returned permission is the one the actor lacks when neither may.
func CanConverse(actor PermissionSet, actorRole, peerRole string) (bool, string) {
	ok, required := actor.CanChatWith(peerRole)
	if ok {
		return true, ""
	}
	if back, _ := PermissionsForRole(peerRole).CanChatWith(actorRole); back {
		return true, ""
	}
	return false, required
}
