package query

import (
	"testing"

	"github.com/seabed/spyglass/internal/store"
)

func seed(t *testing.T, s *store.Store, kind store.Kind, entities ...store.Entity) {
	t.Helper()
	for _, e := range entities {
		if err := s.Insert(kind, e); err != nil {
			t.Fatalf("seed %s %v: %v", kind, e, err)
		}
	}
}

func uuids(entities []store.Entity) map[string]bool {
	out := make(map[string]bool, len(entities))
	for _, e := range entities {
		out[e.UUID()] = true
	}
	return out
}

func TestJobs_FilterBySystem(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindJob,
		store.Entity{"uuid": "j1", "target_uuid": "t1"},
		store.Entity{"uuid": "j2", "target_uuid": "t1"},
		store.Entity{"uuid": "j3", "target_uuid": "t2"},
	)
	q := New(s)

	got := uuids(q.Jobs(JobFilter{System: "t1"}))
	if len(got) != 2 || !got["j1"] || !got["j2"] {
		t.Fatalf("jobs(system=t1) = %v", got)
	}

	got = uuids(q.Jobs(JobFilter{System: "t2"}))
	if len(got) != 1 || !got["j3"] {
		t.Fatalf("jobs(system=t2) = %v", got)
	}

	if got := q.Jobs(JobFilter{System: "nonexistent"}); len(got) != 0 {
		t.Fatalf("jobs(system=nonexistent) = %v", got)
	}
}

func TestJobs_UnfilteredReturnsAll(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindJob,
		store.Entity{"uuid": "j1", "target_uuid": "t1", "tenant_uuid": "ten1"},
		store.Entity{"uuid": "j2", "target_uuid": "t2", "tenant_uuid": "ten2"},
	)
	q := New(s)

	if got := q.Jobs(JobFilter{}); len(got) != 2 {
		t.Fatalf("jobs() returned %d entries", len(got))
	}
	if got := uuids(q.Jobs(JobFilter{Tenant: "ten2"})); len(got) != 1 || !got["j2"] {
		t.Fatalf("jobs(tenant=ten2) = %v", got)
	}
}

func TestSystems_HealthIsConjunctionOfJobs(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindTarget,
		store.Entity{"uuid": "t1", "tenant_uuid": "ten1"},
		store.Entity{"uuid": "t2", "tenant_uuid": "ten1"},
		store.Entity{"uuid": "t3", "tenant_uuid": "ten1"},
	)
	seed(t, s, store.KindJob,
		store.Entity{"uuid": "j1", "target_uuid": "t1", "healthy": true},
		store.Entity{"uuid": "j2", "target_uuid": "t1", "healthy": false},
		store.Entity{"uuid": "j3", "target_uuid": "t2", "healthy": true},
	)
	q := New(s)

	health := make(map[string]bool)
	for _, sys := range q.Systems(SystemFilter{Tenant: "ten1"}) {
		health[sys.UUID()] = sys.Bool("healthy")
	}

	if health["t1"] {
		t.Fatal("t1 has a failing job and should be unhealthy")
	}
	if !health["t2"] {
		t.Fatal("t2's only job is healthy")
	}
	if !health["t3"] {
		t.Fatal("t3 has no jobs and should be vacuously healthy")
	}
}

func TestSystems_TenantScoping(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindTarget,
		store.Entity{"uuid": "t1", "tenant_uuid": "ten1"},
		store.Entity{"uuid": "t2", "tenant_uuid": "ten2"},
	)
	q := New(s)

	if got := uuids(q.Systems(SystemFilter{Tenant: "ten1"})); len(got) != 1 || !got["t1"] {
		t.Fatalf("systems(tenant=ten1) = %v", got)
	}
	// Single-tenant mode: no tenant constraint returns everything.
	if got := q.Systems(SystemFilter{}); len(got) != 2 {
		t.Fatalf("systems() returned %d entries", len(got))
	}
}

func TestArchives_PurgedFilter(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindArchive,
		store.Entity{"uuid": "a1", "status": "valid"},
		store.Entity{"uuid": "a2", "status": "invalid"},
		store.Entity{"uuid": "a3", "status": "purged"},
	)
	q := New(s)

	purged := true
	got := uuids(q.Archives(ArchiveFilter{Purged: &purged}))
	if len(got) != 1 || !got["a3"] {
		t.Fatalf("archives(purged=true) = %v", got)
	}

	purged = false
	got = uuids(q.Archives(ArchiveFilter{Purged: &purged}))
	if len(got) != 2 || !got["a1"] || !got["a2"] {
		t.Fatalf("archives(purged=false) = %v", got)
	}

	if got := q.Archives(ArchiveFilter{}); len(got) != 3 {
		t.Fatalf("archives() returned %d entries", len(got))
	}
}

func TestTasks_CompoundFilter(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindTask,
		store.Entity{"uuid": "k1", "tenant_uuid": "ten1", "job_uuid": "j1", "target_uuid": "t1"},
		store.Entity{"uuid": "k2", "tenant_uuid": "ten1", "job_uuid": "j2", "target_uuid": "t1"},
		store.Entity{"uuid": "k3", "tenant_uuid": "ten2", "job_uuid": "j1", "target_uuid": "t9"},
	)
	q := New(s)

	got := uuids(q.Tasks(TaskFilter{Tenant: "ten1", Job: "j1"}))
	if len(got) != 1 || !got["k1"] {
		t.Fatalf("tasks(tenant=ten1, job=j1) = %v", got)
	}

	got = uuids(q.Tasks(TaskFilter{System: "t1"}))
	if len(got) != 2 || !got["k1"] || !got["k2"] {
		t.Fatalf("tasks(system=t1) = %v", got)
	}
}

func TestStores_TenantAndGlobal(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindStore,
		store.Entity{"uuid": "s1", "tenant_uuid": "ten1"},
		store.Entity{"uuid": "s2", "tenant_uuid": "ten2"},
		store.Entity{"uuid": "s3", "global": true},
	)
	q := New(s)

	if got := q.Stores(StoreFilter{}); len(got) != 3 {
		t.Fatalf("stores() returned %d entries", len(got))
	}
	got := uuids(q.Stores(StoreFilter{Tenant: "ten1"}))
	if len(got) != 1 || !got["s1"] {
		t.Fatalf("stores(tenant=ten1) = %v", got)
	}
	got = uuids(q.Stores(StoreFilter{Tenant: "ten1", Global: true}))
	if len(got) != 2 || !got["s1"] || !got["s3"] {
		t.Fatalf("stores(tenant=ten1, global) = %v", got)
	}
}

func TestAgents_HiddenExcludedByDefault(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindAgent,
		store.Entity{"uuid": "g1"},
		store.Entity{"uuid": "g2", "hidden": true},
	)
	q := New(s)

	got := uuids(q.Agents(AgentFilter{}))
	if len(got) != 1 || !got["g1"] {
		t.Fatalf("agents() = %v", got)
	}
	if got := q.Agents(AgentFilter{IncludeHidden: true}); len(got) != 2 {
		t.Fatalf("agents(hidden) returned %d entries", len(got))
	}
}

func agentWithPlugins(uuid string, plugins map[string]any) store.Entity {
	return store.Entity{
		"uuid":     uuid,
		"metadata": map[string]any{"plugins": plugins},
	}
}

func TestPlugins(t *testing.T) {
	s := store.New()
	seed(t, s, store.KindAgent,
		agentWithPlugins("g1", map[string]any{
			"s3": map[string]any{
				"name":     "Amazon S3",
				"features": map[string]any{"store": "yes", "target": "no"},
			},
			"fs": map[string]any{
				"name":     "Local Filesystem",
				"features": map[string]any{"store": "yes", "target": "yes"},
			},
		}),
		agentWithPlugins("g2", map[string]any{
			"s3": map[string]any{
				"name":     "Amazon S3",
				"features": map[string]any{"store": "yes"},
			},
		}),
		// Hidden agents never contribute plugins.
		store.Entity{
			"uuid": "g3", "hidden": true,
			"metadata": map[string]any{"plugins": map[string]any{
				"tape": map[string]any{
					"name":     "Tape Robot",
					"features": map[string]any{"store": "yes"},
				},
			}},
		},
	)
	q := New(s)

	idx := q.Plugins("store")

	if len(idx.List) != 2 {
		t.Fatalf("plugins(store) list = %v", idx.List)
	}
	// Sorted by display label: "Amazon S3 (s3)" before "Local Filesystem (fs)".
	if idx.List[0].ID != "s3" || idx.List[1].ID != "fs" {
		t.Fatalf("plugin sort order wrong: %v", idx.List)
	}
	if len(idx.Agents["s3"]) != 2 {
		t.Fatalf("s3 should be usable on both visible agents, got %d", len(idx.Agents["s3"]))
	}
	if _, ok := idx.Agents["tape"]; ok {
		t.Fatal("hidden agent's plugin leaked into the index")
	}

	idx = q.Plugins("target")
	if len(idx.List) != 1 || idx.List[0].ID != "fs" {
		t.Fatalf("plugins(target) = %v", idx.List)
	}
}
