// Package access tracks the current user's role grants at system scope
// and per tenant. Grants are an in-memory projection of the bootstrap
// snapshot's user record; they are recomputed on every bootstrap and
// never persisted.
package access

import "sync"

// Rank tables. Granting a role grants every role of equal or lower rank,
// so "grant implies all lower roles" is a lookup, not control flow.
// Adding a role means adding one table entry.
var systemRanks = map[string]int{
	"admin":    4,
	"manager":  3,
	"engineer": 2,
	"operator": 1,
}

var tenantRanks = map[string]int{
	"admin":    3,
	"engineer": 2,
	"operator": 1,
}

var roleLabels = map[string]string{
	"admin":    "Administrator",
	"manager":  "Manager",
	"engineer": "Engineer",
	"operator": "Operator",
}

// Grants holds the current user's privilege state. Safe for concurrent
// use; mutation happens only at bootstrap and on vault lock events.
type Grants struct {
	mu     sync.RWMutex
	system map[string]bool
	tenant map[string]map[string]bool
	locked bool
}

// New returns an empty Grants: no roles held, vault unlocked.
func New() *Grants {
	return &Grants{
		system: make(map[string]bool),
		tenant: make(map[string]map[string]bool),
	}
}

func grantScope(ranks map[string]int, role string) map[string]bool {
	held := make(map[string]bool, len(ranks))
	want, recognized := ranks[role]
	for r, rank := range ranks {
		held[r] = recognized && rank <= want
	}
	return held
}

func highest(ranks map[string]int, held map[string]bool) string {
	best, bestRank := "", 0
	for r, rank := range ranks {
		if held[r] && rank > bestRank {
			best, bestRank = r, rank
		}
	}
	if best == "" {
		return ""
	}
	return roleLabels[best]
}

// Grant resets all system-scope roles, then grants the named role and
// every role below it. An unrecognized role clears the scope.
func (g *Grants) Grant(role string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.system = grantScope(systemRanks, role)
}

// GrantTenant does what Grant does, for one tenant's scope.
func (g *Grants) GrantTenant(tenant, role string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenant[tenant] = grantScope(tenantRanks, role)
}

// Revoke clears all system-scope grants.
func (g *Grants) Revoke() {
	g.Grant("")
}

// Is reports whether the named system-scope role is held.
func (g *Grants) Is(role string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.system[role]
}

// IsTenant reports whether the named role is held under the tenant.
func (g *Grants) IsTenant(tenant, role string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	held, ok := g.tenant[tenant]
	return ok && held[role]
}

// Role returns the display label of the highest system-scope role held,
// or "" when none is.
func (g *Grants) Role() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return highest(systemRanks, g.system)
}

// TenantRole returns the display label of the highest role held under
// the tenant, or "" when none is (or the tenant is unknown).
func (g *Grants) TenantRole(tenant string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	held, ok := g.tenant[tenant]
	if !ok {
		return ""
	}
	return highest(tenantRanks, held)
}

// SetLocked records the vault-lock state pushed by lock-core and
// unlock-core stream events. The view layer's divert logic consults it.
func (g *Grants) SetLocked(locked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked = locked
}

// Locked reports whether the server's vault is locked.
func (g *Grants) Locked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.locked
}
