// Package query computes filtered, derived views over the replica store
// for the rendering layer. Every call recomputes from the store; results
// are snapshots and nothing is cached here.
package query

import (
	"sort"

	"github.com/seabed/spyglass/internal/store"
)

// Engine derives views from one replica store.
type Engine struct {
	store *store.Store
}

// New returns an Engine reading from s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// SystemFilter constrains Systems. Zero values are unconstrained.
type SystemFilter struct {
	Tenant string
}

// JobFilter constrains Jobs.
type JobFilter struct {
	System string
	Tenant string
}

// TaskFilter constrains Tasks.
type TaskFilter struct {
	System  string
	Job     string
	Tenant  string
	Store   string
	Archive string
}

// ArchiveFilter constrains Archives. Purged, when set, compares against
// status == "purged": true selects purged archives, false selects every
// other status (valid, invalid, ...).
type ArchiveFilter struct {
	System string
	Tenant string
	Store  string
	Purged *bool
}

// StoreFilter constrains Stores. Global selects storage endpoints
// flagged visible across all tenants.
type StoreFilter struct {
	Tenant string
	Global bool
}

// AgentFilter constrains Agents. Hidden agents are excluded unless
// IncludeHidden is set.
type AgentFilter struct {
	IncludeHidden bool
}

func match(e store.Entity, field, want string) bool {
	return want == "" || e.Str(field) == want
}

// Tenants returns every known tenant.
func (q *Engine) Tenants() []store.Entity {
	return q.store.All(store.KindTenant)
}

// Tenant returns one tenant by uuid, or nil.
func (q *Engine) Tenant(uuid string) store.Entity {
	return q.store.Get(store.KindTenant, uuid)
}

// Systems returns protected systems, optionally scoped to a tenant. Each
// result's healthy flag is computed on read as the conjunction of its
// jobs' health; a system with no jobs is healthy.
func (q *Engine) Systems(f SystemFilter) []store.Entity {
	var systems []store.Entity
	for _, target := range q.store.All(store.KindTarget) {
		if !match(target, "tenant_uuid", f.Tenant) {
			continue
		}
		target["healthy"] = q.systemHealthy(target.UUID())
		systems = append(systems, target)
	}
	return systems
}

// System returns one system by uuid with its health computed, or nil.
func (q *Engine) System(uuid string) store.Entity {
	target := q.store.Get(store.KindTarget, uuid)
	if target == nil {
		return nil
	}
	target["healthy"] = q.systemHealthy(uuid)
	return target
}

func (q *Engine) systemHealthy(uuid string) bool {
	for _, job := range q.Jobs(JobFilter{System: uuid}) {
		if !job.Bool("healthy") {
			return false
		}
	}
	return true
}

// Jobs returns backup jobs matching the filter.
func (q *Engine) Jobs(f JobFilter) []store.Entity {
	var jobs []store.Entity
	for _, job := range q.store.All(store.KindJob) {
		if match(job, "target_uuid", f.System) && match(job, "tenant_uuid", f.Tenant) {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// Tasks returns tasks matching the filter.
func (q *Engine) Tasks(f TaskFilter) []store.Entity {
	var tasks []store.Entity
	for _, task := range q.store.All(store.KindTask) {
		if match(task, "tenant_uuid", f.Tenant) &&
			match(task, "target_uuid", f.System) &&
			match(task, "job_uuid", f.Job) &&
			match(task, "store_uuid", f.Store) &&
			match(task, "archive_uuid", f.Archive) {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// Archives returns backup archives matching the filter.
func (q *Engine) Archives(f ArchiveFilter) []store.Entity {
	var archives []store.Entity
	for _, archive := range q.store.All(store.KindArchive) {
		if !match(archive, "tenant_uuid", f.Tenant) ||
			!match(archive, "target_uuid", f.System) ||
			!match(archive, "store_uuid", f.Store) {
			continue
		}
		if f.Purged != nil && (archive.Str("status") == "purged") != *f.Purged {
			continue
		}
		archives = append(archives, archive)
	}
	return archives
}

// Stores returns storage endpoints scoped to a tenant and/or flagged
// global. A zero filter returns everything.
func (q *Engine) Stores(f StoreFilter) []store.Entity {
	var stores []store.Entity
	for _, st := range q.store.All(store.KindStore) {
		switch {
		case f.Tenant == "" && !f.Global:
			stores = append(stores, st)
		case f.Tenant != "" && st.Str("tenant_uuid") == f.Tenant:
			stores = append(stores, st)
		case f.Global && st.Bool("global"):
			stores = append(stores, st)
		}
	}
	return stores
}

// Agents returns backup agents; hidden agents only when asked for.
func (q *Engine) Agents(f AgentFilter) []store.Entity {
	var agents []store.Entity
	for _, agent := range q.store.All(store.KindAgent) {
		if agent.Bool("hidden") && !f.IncludeHidden {
			continue
		}
		agents = append(agents, agent)
	}
	return agents
}

// PluginOption is one selectable plugin in the rendered dropdowns.
type PluginOption struct {
	ID    string
	Label string
}

// PluginIndex is the result of a Plugins scan: the deduplicated,
// label-sorted option list and the plugin -> usable-agents map.
type PluginIndex struct {
	List   []PluginOption
	Agents map[string][]store.Entity
}

// Plugins scans the visible agents' advertised plugin metadata and
// returns the plugins offering the named capability ("store", "target",
// ...). Duplicate plugin ids keep the first occurrence; when agents
// advertise conflicting display names for the same id, which one wins is
// not deterministic.
func (q *Engine) Plugins(capability string) PluginIndex {
	seen := make(map[string]bool)
	idx := PluginIndex{Agents: make(map[string][]store.Entity)}

	for _, agent := range q.Agents(AgentFilter{}) {
		metadata, _ := agent["metadata"].(map[string]any)
		plugins, _ := metadata["plugins"].(map[string]any)
		for name, raw := range plugins {
			idx.Agents[name] = append(idx.Agents[name], agent)

			if seen[name] {
				continue
			}
			seen[name] = true

			plugin, _ := raw.(map[string]any)
			features, _ := plugin["features"].(map[string]any)
			if features[capability] != "yes" {
				continue
			}
			label, _ := plugin["name"].(string)
			idx.List = append(idx.List, PluginOption{
				ID:    name,
				Label: label + " (" + name + ")",
			})
		}
	}

	// Sort by the metadata name ("Amazon" rather than "s3").
	sort.Slice(idx.List, func(i, j int) bool {
		return idx.List[i].Label < idx.List[j].Label
	})
	return idx
}
