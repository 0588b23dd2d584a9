// Package auth provides the explicit authorization context passed into every
// mutating vault operation. Capabilities are resolved once per request; there
// is no ambient global role table.
package auth

// Capability names one permitted operation class.
type Capability string

const (
	CapNavAdmin         Capability = "nav:admin"
	CapLiquidityManage  Capability = "liquidity:manage"
	CapAssetsManage     Capability = "assets:manage"
	CapRedemptionsAdmin Capability = "redemptions:operate"
)

// Context is a resolved capability set bound to an actor identity.
type Context struct {
	actor string
	caps  map[Capability]struct{}
}

// New builds a Context for the given actor with the given capabilities.
func New(actor string, caps ...Capability) Context {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return Context{actor: actor, caps: set}
}

// Anonymous is a context with no capabilities, used for public operations.
func Anonymous(actor string) Context {
	return Context{actor: actor}
}

// Actor returns the identity the context was resolved for.
func (c Context) Actor() string { return c.actor }

// Can reports whether the context carries the capability.
func (c Context) Can(cap Capability) bool {
	_, ok := c.caps[cap]
	return ok
}

// ParseCapability validates a capability label.
func ParseCapability(s string) (Capability, bool) {
	switch Capability(s) {
	case CapNavAdmin, CapLiquidityManage, CapAssetsManage, CapRedemptionsAdmin:
		return Capability(s), true
	}
	return "", false
}
