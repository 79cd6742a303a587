package access

import "testing"

func TestGrant_AdminCascadesDown(t *testing.T) {
	g := New()
	g.Grant("admin")

	for _, role := range []string{"admin", "manager", "engineer", "operator"} {
		if !g.Is(role) {
			t.Fatalf("admin grant should imply %s", role)
		}
	}
	if got := g.Role(); got != "Administrator" {
		t.Fatalf("Role() = %q, want Administrator", got)
	}
}

func TestGrant_OperatorGrantsOnlyOperator(t *testing.T) {
	g := New()
	g.Grant("operator")

	if !g.Is("operator") {
		t.Fatal("operator grant should imply operator")
	}
	for _, role := range []string{"admin", "manager", "engineer"} {
		if g.Is(role) {
			t.Fatalf("operator grant should not imply %s", role)
		}
	}
	if got := g.Role(); got != "Operator" {
		t.Fatalf("Role() = %q, want Operator", got)
	}
}

func TestGrant_UnrecognizedRoleClearsScope(t *testing.T) {
	g := New()
	g.Grant("admin")
	g.Grant("bogus")

	for _, role := range []string{"admin", "manager", "engineer", "operator"} {
		if g.Is(role) {
			t.Fatalf("bogus grant left %s held", role)
		}
	}
	if got := g.Role(); got != "" {
		t.Fatalf("Role() = %q, want empty", got)
	}
}

func TestGrant_ReplacesEarlierGrant(t *testing.T) {
	g := New()
	g.Grant("admin")
	g.Grant("engineer")

	if g.Is("admin") || g.Is("manager") {
		t.Fatal("downgrade left higher roles held")
	}
	if !g.Is("engineer") || !g.Is("operator") {
		t.Fatal("engineer grant should imply engineer and operator")
	}
}

func TestRevoke(t *testing.T) {
	g := New()
	g.Grant("manager")
	g.Revoke()

	if g.Is("engineer") {
		t.Fatal("revoke left grants held")
	}
	if g.Role() != "" {
		t.Fatalf("Role() = %q after revoke", g.Role())
	}
}

func TestGrantTenant(t *testing.T) {
	g := New()
	g.GrantTenant("t1", "engineer")
	g.GrantTenant("t2", "admin")

	if !g.IsTenant("t1", "engineer") || !g.IsTenant("t1", "operator") {
		t.Fatal("tenant engineer grant should imply engineer and operator")
	}
	if g.IsTenant("t1", "admin") {
		t.Fatal("tenant engineer grant should not imply admin")
	}
	if g.IsTenant("t1", "manager") {
		t.Fatal("manager is not a tenant-scope role")
	}
	if !g.IsTenant("t2", "admin") {
		t.Fatal("tenant admin grant lost")
	}
	if g.IsTenant("unknown", "operator") {
		t.Fatal("unknown tenant should hold nothing")
	}

	if got := g.TenantRole("t1"); got != "Engineer" {
		t.Fatalf("TenantRole(t1) = %q", got)
	}
	if got := g.TenantRole("unknown"); got != "" {
		t.Fatalf("TenantRole(unknown) = %q", got)
	}
}

func TestVaultLock(t *testing.T) {
	g := New()
	if g.Locked() {
		t.Fatal("fresh grants should be unlocked")
	}
	g.SetLocked(true)
	if !g.Locked() {
		t.Fatal("SetLocked(true) not observed")
	}
	g.SetLocked(false)
	if g.Locked() {
		t.Fatal("SetLocked(false) not observed")
	}
}
