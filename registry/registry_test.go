package registry

import (
	"context"
	"testing"
	"time"

	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/collection"
	"go.salesops.dev/core/entity"
	"go.salesops.dev/core/remote/memory"
	gc "gopkg.in/check.v1"
)

type RegistrySuite struct {
	store  *memory.Store
	reg    *Registry
	cancel context.CancelFunc
	done   chan error
}

func (s *RegistrySuite) SetUpTest(c *gc.C) {
	s.store = memory.NewStore()
	s.store.Seed(entity.LeadsTable, codec.Record{"id": "1", "name": "Ana"})
	s.store.Seed(entity.GoalsTable, codec.Record{"id": "g-1", "period": "2024-03", "target_sales": 12})

	s.reg = New(s.store, collection.Options{
		Backoff: func(int) time.Duration { return time.Millisecond },
	})

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan error, 1)

	go func() { s.done <- s.reg.Serve(ctx) }()
	c.Assert(s.reg.WaitLoaded(ctx), gc.IsNil)
}

func (s *RegistrySuite) TearDownTest(c *gc.C) {
	s.cancel()
	c.Check(<-s.done, gc.IsNil)

	for _, t := range s.reg.Tables() {
		c.Check(t.State(), gc.Equals, collection.Closed)
	}
}

func (s *RegistrySuite) TestCollectionOfEachTable(c *gc.C) {
	var tables []string
	for _, t := range s.reg.Tables() {
		tables = append(tables, t.Table())
	}
	c.Check(tables, gc.DeepEquals, entity.Tables)

	var t, ok = s.reg.Table(entity.GoalsTable)
	c.Assert(ok, gc.Equals, true)
	c.Check(t.Records(), gc.DeepEquals, []codec.Record{
		{"id": "g-1", "period": "2024-03", "targetSales": 12.0},
	})

	_, ok = s.reg.Table("unknown")
	c.Check(ok, gc.Equals, false)
}

func (s *RegistrySuite) TestViewIsRecomputedOnlyOnChange(c *gc.C) {
	var v1 = s.reg.View()
	c.Check(v1.Leads, gc.HasLen, 1)
	c.Check(v1.Goals[0].TargetSales, gc.Equals, 12)
	c.Check(v1.Stale, gc.HasLen, 0)
	c.Check(s.reg.View() == v1, gc.Equals, true)

	var changed = s.reg.Changed()
	var op = s.reg.Leads.Insert(codec.Record{"name": "Bo"})
	<-changed

	var v2 = s.reg.View()
	c.Check(v2 == v1, gc.Equals, false)
	c.Check(v2.Leads, gc.HasLen, 2)

	// Unchanged collections keep their slices.
	c.Check(&v2.Goals[0] == &v1.Goals[0], gc.Equals, true)
	c.Check(op.Wait(context.Background()), gc.IsNil)
}

func (s *RegistrySuite) TestPendingSpansCollections(c *gc.C) {
	var releaseLead = s.store.BlockNext(entity.LeadsTable, memory.UpdateOp)
	var releaseTask = s.store.BlockNext(entity.TasksTable, memory.InsertOp)

	var first = s.reg.Leads.Update("1", codec.Record{"status": "contacted"})
	var second = s.reg.Tasks.Insert(codec.Record{"title": "Call Ana"})

	c.Check(s.reg.Pending(), gc.DeepEquals, []*collection.Op{first, second})

	releaseTask()
	releaseLead()
	c.Check(first.Wait(context.Background()), gc.IsNil)
	c.Check(second.Wait(context.Background()), gc.IsNil)
	c.Check(s.reg.Pending(), gc.HasLen, 0)
}

func (s *RegistrySuite) TestStaleTablesAreViewed(c *gc.C) {
	s.store.SetOffline(true)
	s.awaitStale(len(entity.Tables))
	c.Check(s.reg.View().Stale[entity.LeadsTable], gc.Equals, true)

	s.store.SetOffline(false)
	s.awaitStale(0)
}

func (s *RegistrySuite) awaitStale(n int) {
	for {
		var changed = s.reg.Changed()
		if len(s.reg.View().Stale) == n {
			return
		}
		<-changed
	}
}

var _ = gc.Suite(&RegistrySuite{})

func Test(t *testing.T) { gc.TestingT(t) }
