package collection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/async"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/entity"
	"go.salesops.dev/core/remote"
	"go.salesops.dev/core/snapshot"
)

// State of a Collection.
type State int

const (
	// Uninitialized Collections have not yet been Served.
	Uninitialized State = iota
	// Loading Collections are fetching the remote table. Remote events and
	// local mutations are buffered for replay over the fetched set.
	Loading
	// Live Collections apply remote events as they arrive.
	Live
	// Closed Collections are no longer Served, and apply no remote events.
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TempIDPrefix prefixes identifiers assigned to locally inserted entities,
// which are replaced by canonical identifiers once their inserts succeed.
const TempIDPrefix = "tmp-"

var (
	// ErrUnknownID fails an update or delete of an identifier which isn't
	// in the Collection.
	ErrUnknownID = errors.New("unknown identifier")
	// ErrDuplicateID fails an insert of an identifier already in the Collection.
	ErrDuplicateID = errors.New("duplicate identifier")
	// ErrNotPersisted fails a remote call which targets an entity whose own
	// insert failed, and which therefore doesn't exist remotely.
	ErrNotPersisted = errors.New("entity was not persisted")
)

// Options of a Collection.
type Options struct {
	// Backoff returns the delay before resubscription attempt |attempt|,
	// which starts at zero and resets upon each received event.
	// If nil, a default exponential backoff capped at five seconds is used.
	Backoff func(attempt int) time.Duration
	// Resurrect disables tombstones of locally deleted entities, so that a
	// remote insert or update event of a deleted entity makes it reappear.
	Resurrect bool
	// ClientIDs assigns inserted entities a UUID which is sent to the Gateway
	// as their identifier, rather than a temporary identifier which is
	// reconciled with the identifier assigned by the remote store.
	ClientIDs bool
	// LedgerSize bounds the number of resolved Ops retained for lookup by Op.
	// If zero, 256 is used.
	LedgerSize int
	// OnResolve, if set, is called after each Op is resolved.
	OnResolve func(*Op)
	// Snapshots, if set, stores each successfully fetched table and provides
	// the initial set if the first fetch fails.
	Snapshots snapshot.Cache
}

// Collection is a synchronized, ordered set of entities of type T.
type Collection[T entity.Record[T]] struct {
	// Observers called, with the Collection write lock held, after each
	// change. Observers must not block or call methods of the Collection,
	// and must be set before the Collection is used.
	Observers []func()

	table string
	gw    remote.Gateway
	ch    remote.Channel
	opts  Options
	log   *log.Entry

	mu       sync.RWMutex
	state    State
	stale    bool
	gen      int64
	items    map[string]T
	order    []string
	view     []T
	updateCh chan struct{}
	loaded   async.Promise
	isLoaded bool

	// Local identifiers of locally deleted entities, whose remote insert and
	// update events are ignored.
	tombstones map[string]struct{}
	// Remote events and local Ops received while Loading.
	buffer []buffered
	// Ops pending as the current load began.
	carry []*Op

	ledger *ledger
	// Pending inserts, keyed on their local identifier, and the last Op
	// which awaits each.
	chains map[string]chain
	// Local identifiers of resolved inserts, mapped to canonical identifiers.
	aliases *lru.Cache
}

type buffered struct {
	event *remote.Event
	op    *Op
}

type chain struct {
	insert, last *Op
}

// New returns a Collection of entities T, synchronized with the remote
// table of Gateway |gw| and Channel |ch|. The Collection must be Served.
func New[T entity.Record[T]](gw remote.Gateway, ch remote.Channel, opts Options) *Collection[T] {
	if opts.Backoff == nil {
		opts.Backoff = backoff
	}
	if opts.LedgerSize <= 0 {
		opts.LedgerSize = 256
	}
	var aliases, err = lru.New(opts.LedgerSize)
	if err != nil {
		panic(err.Error())
	}

	var c = &Collection[T]{
		table:      gw.Table(),
		gw:         gw,
		ch:         ch,
		opts:       opts,
		items:      make(map[string]T),
		view:       []T{},
		updateCh:   make(chan struct{}),
		loaded:     async.NewPromise(),
		tombstones: make(map[string]struct{}),
		ledger:     newLedger(opts.LedgerSize),
		chains:     make(map[string]chain),
		aliases:    aliases,
	}
	c.log = log.WithField("table", c.table)
	return c
}

// Table returns the remote table of the Collection.
func (c *Collection[T]) Table() string { return c.table }

// Snapshot returns the ordered entities of the Collection. The returned
// slice must not be modified. It's replaced (rather than modified) upon each
// change, and is the same slice until then.
func (c *Collection[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Records returns the ordered entities of the Collection as local field maps.
func (c *Collection[T]) Records() []codec.Record {
	var view = c.Snapshot()
	var out = make([]codec.Record, 0, len(view))

	for _, v := range view {
		if rec, err := entity.Encode(v); err != nil {
			c.log.WithFields(log.Fields{"id": v.EntityID(), "err": err}).Warn("failed to encode entity")
		} else {
			out = append(out, rec)
		}
	}
	return out
}

// Get the entity having identifier |id|. Local identifiers of resolved
// inserts may also be used.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var v, ok = c.items[c.canonical(id)]
	return v, ok
}

// Len returns the number of entities.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// State returns the current State.
func (c *Collection[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stale is true if the Collection lacks a live subscription to its remote
// table, and may therefore be missing remote changes.
func (c *Collection[T]) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// Generation is incremented upon each change of the Collection.
func (c *Collection[T]) Generation() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Changed returns a channel which will signal on the next change of the
// Collection. A write lock of the Collection must not be held.
func (c *Collection[T]) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateCh
}

// Loaded is closed upon the first transition of the Collection to Live,
// whether or not its fetch succeeded, or when it's Closed.
func (c *Collection[T]) Loaded() <-chan struct{} { return c.loaded }

// Pending returns Ops having pending remote calls, in issue order.
func (c *Collection[T]) Pending() []*Op {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ledger.snapshot()
}

// Op returns the pending or recently resolved Op having |id|, or nil.
func (c *Collection[T]) Op(id string) *Op {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ledger.get(id)
}

// Insert an entity having local |fields|. If |fields| has an identifier, it
// is sent to the Gateway. Otherwise, an identifier is assigned.
func (c *Collection[T]) Insert(fields codec.Record) *Op {
	fields = copyRecord(fields)

	var localID, _ = remote.RecordID(fields)
	if localID == "" && c.opts.ClientIDs {
		localID = uuid.NewString()
	} else if localID == "" {
		localID = TempIDPrefix + uuid.NewString()
	}
	var op = newOp(InsertOp, c.table, localID, fields)

	var record = make(codec.Record, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record[entity.IDField] = localID

	var err error
	if _, err = entity.Decode[T](record); err == nil {
		op.wire, err = codec.RecordToWire(without(fields, entity.IDField))
	}
	if err == nil {
		c.mu.Lock()
		if _, ok := c.items[localID]; ok {
			err = errors.WithMessagef(ErrDuplicateID, "%s %q", c.table, localID)
		} else {
			op.record = record
			c.chains[localID] = chain{insert: op, last: op}
			c.issue(op)
		}
		c.mu.Unlock()
	}
	return c.start(op, err)
}

// InsertRecord inserts typed entity |v|. If |v| has an empty identifier,
// one is assigned.
func (c *Collection[T]) InsertRecord(v T) *Op {
	var fields, err = entity.Encode(v)
	if err != nil {
		return c.start(newOp(InsertOp, c.table, v.EntityID(), nil), err)
	}
	if v.EntityID() == "" {
		delete(fields, entity.IDField)
	}
	return c.Insert(fields)
}

// Update entity |id| with partial local |fields|. Fields not named are
// unchanged, and a nil value clears a field.
func (c *Collection[T]) Update(id string, fields codec.Record) *Op {
	fields = copyRecord(fields)
	var wire, err = codec.RecordToWire(without(fields, entity.IDField))

	c.mu.Lock()
	id = c.canonical(id)
	var op = newOp(UpdateOp, c.table, id, fields)
	op.wire = wire

	if err == nil {
		if cur, ok := c.items[id]; !ok {
			err = errors.WithMessagef(ErrUnknownID, "%s %q", c.table, id)
		} else if _, err = entity.Merge(cur, fields); err == nil {
			c.await(op)
			c.issue(op)
		}
	}
	c.mu.Unlock()

	return c.start(op, err)
}

// Delete entity |id|.
func (c *Collection[T]) Delete(id string) *Op {
	var err error

	c.mu.Lock()
	id = c.canonical(id)
	var op = newOp(DeleteOp, c.table, id, nil)

	if _, ok := c.items[id]; !ok {
		err = errors.WithMessagef(ErrUnknownID, "%s %q", c.table, id)
	} else {
		c.await(op)
		c.issue(op)
	}
	c.mu.Unlock()

	return c.start(op, err)
}

// issue an accepted Op by applying it locally and adding it to the ledger.
// The Collection write lock must be held.
func (c *Collection[T]) issue(op *Op) {
	c.ledger.add(op)
	opsPendingGauge.WithLabelValues(c.table).Inc()

	c.reapply(op)
	if c.state == Loading {
		c.buffer = append(c.buffer, buffered{op: op})
	}
	c.onUpdate()
}

// start the remote call of an issued Op, or resolve a rejected one.
func (c *Collection[T]) start(op *Op, err error) *Op {
	if err != nil {
		c.log.WithFields(log.Fields{"op": op.Kind, "id": op.localID, "err": err}).
			Warn("rejected local mutation")
		op.resolve("", err)
		c.notifyResolved(op)
	} else {
		go c.execute(op)
	}
	return op
}

// await links |op| into the chain of a pending insert of its entity, if any.
// The Collection write lock must be held.
func (c *Collection[T]) await(op *Op) {
	if ch, ok := c.chains[op.localID]; ok {
		op.target, op.after = ch.insert, ch.last
		c.chains[op.localID] = chain{insert: ch.insert, last: op}
	}
}

// unchain removes the chain of insert |op|, which has resolved.
// The Collection write lock must be held.
func (c *Collection[T]) unchain(op *Op) {
	if ch, ok := c.chains[op.localID]; ok && ch.insert == op {
		delete(c.chains, op.localID)
	}
}

// canonical maps the local identifier of a resolved insert to its canonical
// identifier. A read lock of the Collection must be held.
func (c *Collection[T]) canonical(id string) string {
	if _, ok := c.items[id]; ok {
		return id
	} else if v, ok := c.aliases.Peek(id); ok {
		return v.(string)
	}
	return id
}

// reapply the local effect of |op| to the current set.
// The Collection write lock must be held.
func (c *Collection[T]) reapply(op *Op) {
	var id = op.EntityID()

	switch op.Kind {
	case InsertOp:
		var record = op.record
		if record[entity.IDField] != id {
			record = without(record, entity.IDField)
			record[entity.IDField] = id
		}
		if v, err := entity.Decode[T](record); err != nil {
			c.log.WithFields(log.Fields{"id": id, "err": err}).Warn("failed to re-apply local insert")
		} else {
			c.upsert(id, v)
		}
	case UpdateOp:
		if cur, ok := c.items[id]; !ok {
			// Deleted since the Op was issued.
		} else if next, err := entity.Merge(cur, op.Fields); err != nil {
			c.log.WithFields(log.Fields{"id": id, "err": err}).Warn("failed to re-apply local update")
		} else {
			c.items[id] = next
		}
	case DeleteOp:
		c.remove(id)
		if !c.opts.Resurrect {
			c.tombstones[id] = struct{}{}
		}
	}
}

// applyEvent applies a remote change Event, returning whether the set
// changed. The Collection write lock must be held.
func (c *Collection[T]) applyEvent(ev remote.Event) bool {
	if ev.Type == remote.Delete {
		delete(c.tombstones, ev.ID)
		eventsAppliedTotal.WithLabelValues(c.table, ev.Type.String()).Inc()
		return c.remove(ev.ID)
	}

	if _, ok := c.tombstones[ev.ID]; ok {
		c.log.WithFields(log.Fields{"event": ev.Type, "id": ev.ID}).
			Debug("ignoring event of locally deleted entity")
		eventsIgnoredTotal.WithLabelValues(c.table).Inc()
		return false
	}

	var local, err = codec.RecordToLocal(ev.Record)
	if err == nil {
		local = without(local, entity.IDField)

		if cur, ok := c.items[ev.ID]; ok && ev.Type == remote.Update {
			var next T
			if next, err = entity.Merge(cur, local); err == nil {
				c.items[ev.ID] = next
			}
		} else {
			var next T
			local[entity.IDField] = ev.ID
			if next, err = entity.Decode[T](local); err == nil {
				c.upsert(ev.ID, next)
			}
			if err == nil && ev.Type == remote.Insert {
				// Pending local updates of the entity were issued after its
				// insert, and remain applied over it.
				c.reapplyUpdates(ev.ID)
			}
		}
	}
	if err != nil {
		c.log.WithFields(log.Fields{"event": ev.Type, "id": ev.ID, "err": err}).
			Warn("rejected remote event")
		recordsRejectedTotal.WithLabelValues(c.table).Inc()
		return false
	}
	eventsAppliedTotal.WithLabelValues(c.table, ev.Type.String()).Inc()
	return true
}

// reconcile the entity of a succeeded insert |op| with its canonical
// identifier and stored |row|. The Collection write lock must be held.
func (c *Collection[T]) reconcile(op *Op, canonicalID string, row codec.Record) {
	var localID = op.localID

	var record = without(op.record, entity.IDField)
	if local, err := codec.RecordToLocal(row); err != nil {
		c.log.WithFields(log.Fields{"id": canonicalID, "err": err}).Warn("failed to decode inserted row")
	} else if local != nil {
		record = without(local, entity.IDField)
	}
	record[entity.IDField] = canonicalID

	var next, err = entity.Decode[T](record)
	if err != nil {
		c.log.WithFields(log.Fields{"id": canonicalID, "err": err}).Warn("inserted row is invalid; keeping local record")
		recordsRejectedTotal.WithLabelValues(c.table).Inc()

		record = without(op.record, entity.IDField)
		record[entity.IDField] = canonicalID
	}
	op.record = record

	if localID != canonicalID {
		delete(c.tombstones, localID)
		c.aliases.Add(localID, canonicalID)
	}

	if cur, ok := c.items[localID]; ok {
		if err != nil {
			next = cur.WithEntityID(canonicalID)
		}
		if localID != canonicalID {
			// Drop a change event echo of the insert, and replace the
			// local entity in place.
			c.remove(canonicalID)
			c.order[c.index(localID)] = canonicalID
			delete(c.items, localID)
		}
		c.items[canonicalID] = next
	}

	// Re-apply Ops issued after the insert, which are now addressed
	// by the canonical identifier.
	for _, p := range c.ledger.pending {
		if p.target == op {
			c.reapply(p)
		}
	}
}

// reapplyUpdates re-applies pending local updates of entity |id|.
// The Collection write lock must be held.
func (c *Collection[T]) reapplyUpdates(id string) {
	for _, p := range c.ledger.pending {
		if p.Kind == UpdateOp && p.EntityID() == id {
			c.reapply(p)
		}
	}
}

func (c *Collection[T]) upsert(id string, v T) {
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}
	c.items[id] = v
}

func (c *Collection[T]) remove(id string) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)

	var ind = c.index(id)
	c.order = append(c.order[:ind:ind], c.order[ind+1:]...)
	return true
}

func (c *Collection[T]) index(id string) int {
	for i, o := range c.order {
		if o == id {
			return i
		}
	}
	return -1
}

// onUpdate rebuilds the Collection view and notifies observers of a change.
// The Collection write lock must be held.
func (c *Collection[T]) onUpdate() {
	var view = make([]T, len(c.order))
	for i, id := range c.order {
		view[i] = c.items[id]
	}
	c.view = view
	c.gen++

	for _, obv := range c.Observers {
		obv()
	}
	close(c.updateCh)
	c.updateCh = make(chan struct{})
}

func (c *Collection[T]) notifyResolved(op *Op) {
	opsResolvedTotal.WithLabelValues(c.table, op.Kind.String(), op.Status().String()).Inc()

	if c.opts.OnResolve != nil {
		c.opts.OnResolve(op)
	}
}

// isTemporary returns whether |id| is a temporary local identifier.
func isTemporary(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// copyRecord returns a shallow copy of |r|, which may be nil.
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

// without returns a copy of |r| with |key| removed.
func without(r codec.Record, key string) codec.Record {
	var out = make(codec.Record, len(r))
	for k, v := range r {
		if k != key {
			out[k] = v
		}
	}
	return out
}
