package localdrive

import (
	"context"
	"slices"

	"github.com/mickamy/peertransit"
)

const (
	SecurityGroupAnonymous     = "anonymous"
	SecurityGroupAuthenticated = "authenticated"
	SecurityGroupConnected     = "connected"
	SecurityGroupOwner         = "owner"
)

// ConnectionsACL answers permission questions from a static list of connected identities per tenant.
// Circles are not tracked: a list naming circles only admits the identities it also names.
type ConnectionsACL struct {
	connections map[string]map[string]bool
}

func NewConnectionsACL(connections map[string][]string) *ConnectionsACL {
	acl := &ConnectionsACL{connections: make(map[string]map[string]bool, len(connections))}
	for tenant, identities := range connections {
		tenant = peertransit.NormalizeIdentity(tenant)
		set := make(map[string]bool, len(identities))
		for _, id := range identities {
			set[peertransit.NormalizeIdentity(id)] = true
		}
		acl.connections[tenant] = set
	}
	return acl
}

func (a *ConnectionsACL) Connected(tenant, identity string) bool {
	return a.connections[peertransit.NormalizeIdentity(tenant)][peertransit.NormalizeIdentity(identity)]
}

func (a *ConnectionsACL) CallerHasPermission(_ context.Context, tenant, caller string, acl peertransit.AccessControlList) (bool, error) {
	return a.allows(tenant, caller, acl), nil
}

func (a *ConnectionsACL) IdentityHasPermission(_ context.Context, tenant, identity string, acl peertransit.AccessControlList) (bool, error) {
	return a.allows(tenant, identity, acl), nil
}

func (a *ConnectionsACL) allows(tenant, identity string, acl peertransit.AccessControlList) bool {
	identity = peertransit.NormalizeIdentity(identity)
	switch acl.RequiredSecurityGroup {
	case SecurityGroupAnonymous:
		return true
	case SecurityGroupAuthenticated:
		return identity != ""
	case SecurityGroupOwner:
		return identity == peertransit.NormalizeIdentity(tenant)
	case SecurityGroupConnected:
		if !a.Connected(tenant, identity) {
			return false
		}
		if len(acl.OdinIDs) == 0 && len(acl.CircleIDs) == 0 {
			return true
		}
		return slices.ContainsFunc(acl.OdinIDs, func(id string) bool {
			return peertransit.NormalizeIdentity(id) == identity
		})
	default:
		return false
	}
}
