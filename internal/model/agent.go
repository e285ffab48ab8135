package model

import "encoding/json"

// AgentRole drives eligibility decisions.
type AgentRole string

const (
	RolePayer  AgentRole = "payer"
	RoleVendor AgentRole = "vendor"
	RoleOther  AgentRole = "other"
	RoleNone   AgentRole = ""
)

// ParseAgentRole validates a role name.
func ParseAgentRole(value string) (AgentRole, bool) {
	switch AgentRole(value) {
	case RolePayer, RoleVendor, RoleOther:
		return AgentRole(value), true
	default:
		return RoleNone, false
	}
}

// Agent is a classification registry entry for an address.
type Agent struct {
	Address string          `json:"wallet"`
	Role    AgentRole       `json:"type"`
	Region  string          `json:"province"`
	Tier    int             `json:"tier"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// AgentRegistry is a snapshot of agents keyed by normalized address.
type AgentRegistry map[string]Agent

// Lookup returns the agent for address, or an unknown entry.
func (r AgentRegistry) Lookup(address string) (Agent, bool) {
	agent, ok := r[NormalizeAddress(address)]
	if !ok {
		return Agent{Address: NormalizeAddress(address), Role: RoleNone, Tier: TierUnknown}, false
	}
	return agent, true
}

// IsVendor reports whether address is a registered vendor.
func (r AgentRegistry) IsVendor(address string) bool {
	agent, ok := r.Lookup(address)
	return ok && agent.Role == RoleVendor
}
