package mcphost

import (
	"fmt"
	"slices"
)

// TrustLevel is the coarse policy tier attached to a widget instance.
type TrustLevel string

// Trust levels, from least to most trusted.
const (
	TrustUntrusted  TrustLevel = "untrusted"
	TrustCommunity  TrustLevel = "community"
	TrustVerified   TrustLevel = "verified"
	TrustEnterprise TrustLevel = "enterprise"
)

// PermissionPolicy governs which operations a widget instance may request, and whether
// write-capable ones need interactive confirmation. A policy is fixed for the lifetime of the
// instance it is attached to; changing trust requires mounting a new instance.
type PermissionPolicy struct {
	trust        TrustLevel
	allowed      map[string]struct{}
	confirmation bool
}

// PolicyLookup resolves the policy of a mounted widget instance.
type PolicyLookup interface {
	Policy(instanceID string) (PermissionPolicy, bool)
}

// ParseTrustLevel validates s as a TrustLevel.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch t := TrustLevel(s); t {
	case TrustUntrusted, TrustCommunity, TrustVerified, TrustEnterprise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown trust level %q", s)
	}
}

// NewPermissionPolicy builds the policy for trust. An empty allowedOperations allows every
// operation. An entry is either an operation name, allowed on every server, or
// "server/operation", allowed on that server only. Only enterprise trust skips confirmation
// of write-capable operations.
func NewPermissionPolicy(trust TrustLevel, allowedOperations []string) (PermissionPolicy, error) {
	if _, err := ParseTrustLevel(string(trust)); err != nil {
		return PermissionPolicy{}, err
	}
	p := PermissionPolicy{
		trust:        trust,
		confirmation: trust != TrustEnterprise,
	}
	if len(allowedOperations) > 0 {
		p.allowed = make(map[string]struct{}, len(allowedOperations))
		for _, op := range allowedOperations {
			p.allowed[op] = struct{}{}
		}
	}
	return p, nil
}

// TrustLevel returns the trust level of the policy.
func (p PermissionPolicy) TrustLevel() TrustLevel { return p.trust }

// RequiresConfirmation reports whether write-capable operations need user approval.
func (p PermissionPolicy) RequiresConfirmation() bool { return p.confirmation }

// Allows reports whether operation may be requested on serverName at all.
func (p PermissionPolicy) Allows(serverName, operation string) bool {
	if p.trust == "" {
		return false
	}
	if p.allowed == nil {
		return true
	}
	if _, ok := p.allowed[operation]; ok {
		return true
	}
	_, ok := p.allowed[serverName+"/"+operation]
	return ok
}

// AllowedOperations returns a sorted copy of the allowed operations, or nil when every
// operation is allowed.
func (p PermissionPolicy) AllowedOperations() []string {
	if p.allowed == nil {
		return nil
	}
	ops := make([]string, 0, len(p.allowed))
	for op := range p.allowed {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}
