// Package registry composes one synchronized collection per entity type into
// a single surface. A Registry is constructed once per session over a remote
// Backend, and passed to the components which read or mutate entities.
package registry

import (
	"context"
	"slices"
	"sort"
	"sync"

	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/collection"
	"go.salesops.dev/core/entity"
	"go.salesops.dev/core/remote"
	"go.salesops.dev/core/task"
)

// Table is the untyped surface of a collection of any entity type.
type Table interface {
	Table() string
	Records() []codec.Record
	Len() int
	State() collection.State
	Stale() bool
	Generation() int64
	Changed() <-chan struct{}
	Loaded() <-chan struct{}
	Pending() []*collection.Op

	Insert(fields codec.Record) *collection.Op
	Update(id string, fields codec.Record) *collection.Op
	Delete(id string) *collection.Op

	Serve(ctx context.Context) error
}

// Registry holds a Collection of each entity type.
type Registry struct {
	Leads            *collection.Collection[entity.Lead]
	Tasks            *collection.Collection[entity.Task]
	Inventory        *collection.Collection[entity.InventoryItem]
	Commissions      *collection.Collection[entity.Commission]
	CommissionRules  *collection.Collection[entity.CommissionRule]
	Goals            *collection.Collection[entity.Goal]
	TeamMembers      *collection.Collection[entity.TeamMember]
	Agencies         *collection.Collection[entity.Agency]
	DailyLeadVolumes *collection.Collection[entity.DailyLeadVolume]

	tables []Table

	mu   sync.Mutex
	view *View
	gens []int64

	changedMu sync.Mutex
	changedCh chan struct{}
}

// View is an immutable, point-in-time view of all collections.
type View struct {
	Leads            []entity.Lead
	Tasks            []entity.Task
	Inventory        []entity.InventoryItem
	Commissions      []entity.Commission
	CommissionRules  []entity.CommissionRule
	Goals            []entity.Goal
	TeamMembers      []entity.TeamMember
	Agencies         []entity.Agency
	DailyLeadVolumes []entity.DailyLeadVolume

	// Stale tables, which lack a live subscription.
	Stale map[string]bool
}

// New returns a Registry of collections over |backend|, each built with |opts|.
func New(backend remote.Backend, opts collection.Options) *Registry {
	var r = &Registry{changedCh: make(chan struct{})}

	r.Leads = register[entity.Lead](r, backend, opts)
	r.Tasks = register[entity.Task](r, backend, opts)
	r.Inventory = register[entity.InventoryItem](r, backend, opts)
	r.Commissions = register[entity.Commission](r, backend, opts)
	r.CommissionRules = register[entity.CommissionRule](r, backend, opts)
	r.Goals = register[entity.Goal](r, backend, opts)
	r.TeamMembers = register[entity.TeamMember](r, backend, opts)
	r.Agencies = register[entity.Agency](r, backend, opts)
	r.DailyLeadVolumes = register[entity.DailyLeadVolume](r, backend, opts)

	return r
}

func register[T entity.Record[T]](r *Registry, backend remote.Backend, opts collection.Options) *collection.Collection[T] {
	var name = entity.TableOf[T]()
	var c = collection.New[T](backend.Gateway(name), backend.Channel(name), opts)

	c.Observers = append(c.Observers, r.signal)
	r.tables = append(r.tables, c)
	return c
}

// Serve all collections until |ctx| is done, or a collection fails.
func (r *Registry) Serve(ctx context.Context) error {
	var tasks = task.NewGroup(ctx)

	for _, t := range r.tables {
		tasks.Queue(t.Table()+".Serve", func() error {
			return t.Serve(tasks.Context())
		})
	}
	tasks.GoRun()
	return tasks.Wait()
}

// WaitLoaded blocks until every collection is Loaded, or |ctx| is done.
func (r *Registry) WaitLoaded(ctx context.Context) error {
	for _, t := range r.tables {
		select {
		case <-t.Loaded():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Tables returns each collection, in the order of entity.Tables.
func (r *Registry) Tables() []Table { return append([]Table(nil), r.tables...) }

// Table returns the collection of table |name|.
func (r *Registry) Table(name string) (Table, bool) {
	for _, t := range r.tables {
		if t.Table() == name {
			return t, true
		}
	}
	return nil, false
}

// View returns the current View. Successive calls return the same *View
// until a collection changes.
func (r *Registry) View() *View {
	r.mu.Lock()
	defer r.mu.Unlock()

	var gens = make([]int64, len(r.tables))
	for i, t := range r.tables {
		gens[i] = t.Generation()
	}
	if r.view != nil && slices.Equal(gens, r.gens) {
		return r.view
	}

	var v = &View{
		Leads:            r.Leads.Snapshot(),
		Tasks:            r.Tasks.Snapshot(),
		Inventory:        r.Inventory.Snapshot(),
		Commissions:      r.Commissions.Snapshot(),
		CommissionRules:  r.CommissionRules.Snapshot(),
		Goals:            r.Goals.Snapshot(),
		TeamMembers:      r.TeamMembers.Snapshot(),
		Agencies:         r.Agencies.Snapshot(),
		DailyLeadVolumes: r.DailyLeadVolumes.Snapshot(),
		Stale:            make(map[string]bool),
	}
	for _, t := range r.tables {
		if t.Stale() {
			v.Stale[t.Table()] = true
		}
	}
	r.view, r.gens = v, gens
	return v
}

// Changed returns a channel which will signal on the next change of any
// collection.
func (r *Registry) Changed() <-chan struct{} {
	r.changedMu.Lock()
	defer r.changedMu.Unlock()
	return r.changedCh
}

// Pending returns the pending Ops of all collections, in issue order.
func (r *Registry) Pending() []*collection.Op {
	var out []*collection.Op
	for _, t := range r.tables {
		out = append(out, t.Pending()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Issued.Before(out[j].Issued) })
	return out
}

// signal is an Observer of each collection. It's called with the
// collection's write lock held.
func (r *Registry) signal() {
	r.changedMu.Lock()
	close(r.changedCh)
	r.changedCh = make(chan struct{})
	r.changedMu.Unlock()
}
