// Package memory implements an in-process remote.Backend. Store holds tables
// of wire records and fans out their changes to subscribers, and supports
// injection of outages, failures and blocked calls for testing how
// collections behave against an unreliable remote store.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/remote"
)

// Op names a Gateway or Channel operation, for failure injection.
type Op string

const (
	FetchOp     Op = "fetch"
	InsertOp    Op = "insert"
	UpdateOp    Op = "update"
	DeleteOp    Op = "delete"
	SubscribeOp Op = "subscribe"
)

// Store is an in-memory remote store.
type Store struct {
	mu      sync.Mutex
	tables  map[string]*table
	offline bool
	faults  map[faultKey][]error
	blocks  map[faultKey][]chan struct{}
}

type table struct {
	rows  map[string]codec.Record
	order []string
	seq   int
	subs  map[*subscriber]struct{}
}

type faultKey struct {
	table string
	op    Op
}

var _ remote.Backend = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		tables: make(map[string]*table),
		faults: make(map[faultKey][]error),
		blocks: make(map[faultKey][]chan struct{}),
	}
}

// Gateway implements remote.Backend.
func (s *Store) Gateway(name string) remote.Gateway { return &gateway{store: s, table: name} }

// Channel implements remote.Backend.
func (s *Store) Channel(name string) remote.Channel { return &channel{store: s, table: name} }

// Close implements remote.Backend, ending all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tables {
		for sub := range t.subs {
			sub.end(nil)
		}
		t.subs = nil
	}
	return nil
}

// Seed |rows| into |name| without publishing change events.
func (s *Store) Seed(name string, rows ...codec.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t = s.table(name)
	for _, row := range rows {
		var id, _ = remote.RecordID(row)
		t.put(id, copyRecord(row))
	}
}

// Rows returns copies of the rows of |name|, in insertion order.
func (s *Store) Rows(name string) []codec.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table(name).all()
}

// SetOffline toggles an outage of the Store. While offline, all Gateway calls
// and Subscribes fail with remote.ErrUnavailable, and going offline ends
// current subscriptions with that error.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offline = offline
	if offline {
		s.disconnect("", remote.ErrUnavailable)
	}
}

// Disconnect ends the current subscriptions of table |name| (or of all
// tables, if empty) with remote.ErrUnavailable. New subscriptions may be made.
func (s *Store) Disconnect(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect(name, remote.ErrUnavailable)
}

// FailNext causes the next call of |op| on table |name| to fail with |err|.
// Multiple calls queue multiple failures.
func (s *Store) FailNext(name string, op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k = faultKey{name, op}
	s.faults[k] = append(s.faults[k], err)
}

// BlockNext causes the next call of |op| on table |name| to block until the
// returned release function is called. The call's effect is applied only
// after release.
func (s *Store) BlockNext(name string, op Op) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k, ch = faultKey{name, op}, make(chan struct{})
	s.blocks[k] = append(s.blocks[k], ch)

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Apply |ev| to table |name| as though it were committed by another client:
// rows are updated, and the event is published to subscribers.
func (s *Store) Apply(name string, ev remote.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t = s.table(name)
	switch ev.Type {
	case remote.Insert:
		t.put(ev.ID, copyRecord(ev.Record))
	case remote.Update:
		if cur, ok := t.rows[ev.ID]; ok {
			for k, v := range ev.Record {
				cur[k] = v
			}
		} else {
			t.put(ev.ID, copyRecord(ev.Record))
		}
	case remote.Delete:
		t.remove(ev.ID)
	}
	t.publish(ev)
}

// Emit publishes |ev| to subscribers of |name| without modifying rows.
func (s *Store) Emit(name string, ev remote.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(name).publish(ev)
}

// Subscribers returns the number of live subscriptions of |name|.
func (s *Store) Subscribers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(name).subs)
}

// enter performs fault injection for |op| on |name|, returning with the
// Store locked unless an error is returned.
func (s *Store) enter(ctx context.Context, name string, op Op) error {
	var k = faultKey{name, op}

	s.mu.Lock()
	if blocks := s.blocks[k]; len(blocks) != 0 {
		s.blocks[k] = blocks[1:]
		s.mu.Unlock()

		select {
		case <-blocks[0]:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.offline {
		s.mu.Unlock()
		return remote.ErrUnavailable
	}
	if faults := s.faults[k]; len(faults) != 0 {
		s.faults[k] = faults[1:]
		s.mu.Unlock()
		return faults[0]
	}
	return nil
}

func (s *Store) disconnect(name string, err error) {
	for n, t := range s.tables {
		if name != "" && n != name {
			continue
		}
		for sub := range t.subs {
			sub.end(err)
		}
		t.subs = nil
	}
}

func (s *Store) table(name string) *table {
	var t, ok = s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]codec.Record)}
		s.tables[name] = t
	}
	return t
}

func (t *table) put(id string, row codec.Record) {
	row["id"] = id
	if _, ok := t.rows[id]; !ok {
		t.order = append(t.order, id)
	}
	t.rows[id] = row
}

func (t *table) remove(id string) bool {
	if _, ok := t.rows[id]; !ok {
		return false
	}
	delete(t.rows, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *table) all() []codec.Record {
	var out = make([]codec.Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyRecord(t.rows[id]))
	}
	return out
}

func (t *table) nextID() string {
	for {
		t.seq++
		var id = strconv.Itoa(t.seq)
		if _, ok := t.rows[id]; !ok {
			return id
		}
	}
}

func (t *table) publish(ev remote.Event) {
	ev.Record = copyRecord(ev.Record)
	for sub := range t.subs {
		sub.enqueue(ev)
	}
}

type gateway struct {
	store *Store
	table string
}

func (g *gateway) Table() string { return g.table }

func (g *gateway) FetchAll(ctx context.Context) ([]codec.Record, error) {
	if err := g.store.enter(ctx, g.table, FetchOp); err != nil {
		return nil, err
	}
	defer g.store.mu.Unlock()

	return g.store.table(g.table).all(), nil
}

func (g *gateway) Insert(ctx context.Context, fields codec.Record) (codec.Record, error) {
	if err := g.store.enter(ctx, g.table, InsertOp); err != nil {
		return nil, err
	}
	defer g.store.mu.Unlock()

	var t = g.store.table(g.table)
	var id, ok = remote.RecordID(fields)
	if !ok {
		id = t.nextID()
	} else if _, exists := t.rows[id]; exists {
		return nil, errors.Errorf("%s: duplicate id %q", g.table, id)
	}
	var row = copyRecord(fields)
	t.put(id, row)
	t.publish(remote.Event{Type: remote.Insert, ID: id, Record: row})

	log.WithFields(log.Fields{"table": g.table, "id": id}).Debug("memory: inserted row")
	return copyRecord(row), nil
}

func (g *gateway) Update(ctx context.Context, id string, fields codec.Record) error {
	if err := g.store.enter(ctx, g.table, UpdateOp); err != nil {
		return err
	}
	defer g.store.mu.Unlock()

	var t = g.store.table(g.table)
	var cur, ok = t.rows[id]
	if !ok {
		return errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
	}
	var changed = codec.Record{"id": id}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		cur[k], changed[k] = v, v
	}
	t.publish(remote.Event{Type: remote.Update, ID: id, Record: changed})
	return nil
}

func (g *gateway) Delete(ctx context.Context, id string) error {
	if err := g.store.enter(ctx, g.table, DeleteOp); err != nil {
		return err
	}
	defer g.store.mu.Unlock()

	var t = g.store.table(g.table)
	if !t.remove(id) {
		return errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
	}
	t.publish(remote.Event{Type: remote.Delete, ID: id})
	return nil
}

type channel struct {
	store *Store
	table string
}

func (c *channel) Subscribe(ctx context.Context) (remote.Subscription, error) {
	if err := c.store.enter(ctx, c.table, SubscribeOp); err != nil {
		return nil, err
	}
	defer c.store.mu.Unlock()

	var t = c.store.table(c.table)
	var sub = &subscriber{notify: make(chan struct{}, 1)}
	sub.pump = remote.NewPumpSubscription(ctx, 16, func() {
		c.store.mu.Lock()
		delete(t.subs, sub)
		c.store.mu.Unlock()
	})
	if t.subs == nil {
		t.subs = make(map[*subscriber]struct{})
	}
	t.subs[sub] = struct{}{}

	go sub.serve()
	return sub.pump, nil
}

// subscriber queues published events without blocking the Store, and pumps
// them to its Subscription in order.
type subscriber struct {
	mu     sync.Mutex
	queue  []remote.Event
	ended  bool
	err    error
	notify chan struct{}
	pump   *remote.PumpSubscription
}

func (s *subscriber) enqueue(ev remote.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) end(err error) {
	s.mu.Lock()
	s.ended, s.err = true, err
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) serve() {
	for {
		select {
		case <-s.notify:
		case <-s.pump.Context().Done():
			s.pump.Finish(nil)
			return
		}

		s.mu.Lock()
		var queue, ended, err = s.queue, s.ended, s.err
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range queue {
			if !s.pump.Send(ev) {
				s.pump.Finish(nil)
				return
			}
		}
		if ended {
			s.pump.Finish(err)
			return
		}
	}
}

func copyRecord(r codec.Record) codec.Record {
	if r == nil {
		return nil
	}
	var out = make(codec.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
