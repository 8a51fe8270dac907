package collection

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/entity"
	"go.salesops.dev/core/metrics"
	"go.salesops.dev/core/remote"
	"go.salesops.dev/core/snapshot"
	"golang.org/x/net/trace"
)

// ErrSubscriptionEnded is the reason given for a Subscription which ended
// without an error of its own.
var ErrSubscriptionEnded = errors.New("subscription ended")

// Serve the Collection until |ctx| is done. Serve subscribes to the
// Channel, fetches the table, and applies remote events as they arrive.
// Whenever the Subscription fails or ends, the Collection is marked Stale
// and Serve resubscribes with backoff, refetching to repair missed events.
// Upon return, the Collection is Closed and no further events are applied.
// Remote calls of in-flight Ops are not cancelled. Serve returns the context
// error, and may be called only once.
func (c *Collection[T]) Serve(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return errors.Errorf("%s collection is already %s", c.table, c.state)
	}
	c.state = Loading
	c.mu.Unlock()

	defer c.close()

	for attempt := 0; true; attempt++ {
		var sub, err = c.ch.Subscribe(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.WithFields(log.Fields{"err": err, "attempt": attempt}).
				Warn("failed to subscribe (will retry)")
		}
		c.beginLoad()

		// Pump events concurrently with the fetch. They're buffered until
		// the fetch is applied.
		var pumped chan pumpResult
		if err == nil {
			pumped = make(chan pumpResult, 1)
			go func(sub remote.Subscription) {
				var r pumpResult
				r.received, r.err = c.pump(ctx, sub)
				pumped <- r
			}(sub)
		}
		c.load(ctx, err == nil)

		if pumped != nil {
			var r = <-pumped
			_ = sub.Close()

			if err = r.err; r.received {
				attempt = 0 // Restart sequence.
			}
			if ctx.Err() == nil {
				c.log.WithFields(log.Fields{"err": err, "attempt": attempt}).
					Warn("subscription ended (will resubscribe)")
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.markStale()

		select {
		case <-time.After(c.opts.Backoff(attempt)): // Pass.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	panic("not reached")
}

type pumpResult struct {
	received bool
	err      error
}

// beginLoad enters Loading. Ops pending at this point are carried over the
// load, and Ops and events received while Loading are buffered.
func (c *Collection[T]) beginLoad() {
	c.mu.Lock()
	c.state, c.buffer, c.carry = Loading, nil, c.ledger.snapshot()
	c.mu.Unlock()
}

// load fetches the remote table and applies it, along with Ops and events
// which were buffered while Loading. The Collection is then Live.
func (c *Collection[T]) load(ctx context.Context, subscribed bool) {
	c.mu.Lock()
	var first = !c.isLoaded
	c.mu.Unlock()

	var start = time.Now()
	var rows, err = c.gw.FetchAll(ctx)
	metrics.GatewayCallSeconds.WithLabelValues(c.table, "fetch").Observe(time.Since(start).Seconds())
	metrics.GatewayCallsTotal.WithLabelValues(c.table, "fetch", metrics.Status(err)).Inc()
	loadsTotal.WithLabelValues(c.table, metrics.Status(err)).Inc()

	if ctx.Err() != nil {
		return // Cancelled while fetching. The Collection is closing.
	}

	var source, replace = "remote", err == nil
	if err != nil {
		c.log.WithFields(log.Fields{"op": "fetch", "err": err}).
			Warn("failed to fetch table (keeping current entities)")
		source = "current"

		if first && c.opts.Snapshots != nil {
			if rows, err = c.opts.Snapshots.Load(c.table); err == nil {
				source, replace = "snapshot", true
			} else if err != snapshot.ErrNoSnapshot {
				c.log.WithField("err", err).Warn("failed to load table snapshot")
			}
		}
	} else if c.opts.Snapshots != nil {
		if err := c.opts.Snapshots.Store(c.table, rows); err != nil {
			c.log.WithField("err", err).Warn("failed to store table snapshot")
		}
	}

	var items, order = c.decodeRows(rows)

	c.mu.Lock()
	defer c.mu.Unlock()

	if replace {
		c.items, c.order = items, order
		c.tombstones = make(map[string]struct{})
	}
	// Ops still pending as the load began are re-applied over the fetched
	// set, in issue order. Then items received while Loading are applied
	// in arrival order.
	for _, op := range c.carry {
		if op.Status() == Pending {
			c.reapply(op)
		}
	}
	for _, b := range c.buffer {
		if b.event != nil {
			c.applyEvent(*b.event)
		} else {
			c.reapply(b.op)
		}
	}
	c.carry, c.buffer = nil, nil
	c.state, c.stale = Live, !subscribed
	c.onUpdate()

	staleGauge.WithLabelValues(c.table).Set(boolGauge(c.stale))
	c.log.WithFields(log.Fields{
		"source":     source,
		"entities":   len(c.order),
		"subscribed": subscribed,
	}).Info("collection loaded")

	if first {
		c.isLoaded = true
		c.loaded.Resolve()
	}
}

// decodeRows decodes fetched wire rows. Malformed rows are logged and
// skipped.
func (c *Collection[T]) decodeRows(rows []codec.Record) (map[string]T, []string) {
	var items = make(map[string]T, len(rows))
	var order = make([]string, 0, len(rows))

	for _, row := range rows {
		var id, _ = remote.RecordID(row)

		var v T
		var local, err = codec.RecordToLocal(row)
		if err == nil {
			v, err = entity.Decode[T](local)
		}
		if err == nil && v.EntityID() == "" {
			err = errors.New("row has no identifier")
		}
		if err == nil {
			if _, ok := items[v.EntityID()]; ok {
				err = errors.Errorf("duplicate identifier %q", v.EntityID())
			}
		}
		if err != nil {
			c.log.WithFields(log.Fields{"id": id, "err": err}).Warn("rejected fetched row")
			recordsRejectedTotal.WithLabelValues(c.table).Inc()
			continue
		}
		items[v.EntityID()] = v
		order = append(order, v.EntityID())
	}
	return items, order
}

// pump applies Events of |sub| until it ends or |ctx| is done.
func (c *Collection[T]) pump(ctx context.Context, sub remote.Subscription) (received bool, _ error) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return received, err
				}
				return received, ErrSubscriptionEnded
			}
			received = true

			if err := ev.Validate(); err != nil {
				c.log.WithField("err", err).Warn("rejected malformed event")
				recordsRejectedTotal.WithLabelValues(c.table).Inc()
				continue
			}

			c.mu.Lock()
			if ctx.Err() != nil {
				// Don't apply events after cancellation.
			} else if c.state == Loading {
				c.buffer = append(c.buffer, buffered{event: &ev})
			} else if c.applyEvent(ev) {
				c.onUpdate()
			}
			c.mu.Unlock()

		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}

func (c *Collection[T]) markStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stale {
		c.stale = true
		c.onUpdate()
		staleGauge.WithLabelValues(c.table).Set(1)
	}
}

func (c *Collection[T]) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state, c.buffer, c.carry = Closed, nil, nil
	if !c.isLoaded {
		c.isLoaded = true
		c.loaded.Resolve()
	}
}

// execute the remote call of an issued Op, and resolve it.
func (c *Collection[T]) execute(op *Op) {
	if op.after != nil {
		<-op.after.Done()
	}
	var id = op.EntityID()

	// Remote calls are not cancelled by the Collection's Serve context.
	var tr = trace.New("salesops."+c.table, op.Kind.String())
	var ctx = trace.NewContext(context.Background(), tr)
	defer tr.Finish()

	tr.LazyPrintf("op %s of entity %q, issued %s", op.ID, id, op.Issued.Format(time.RFC3339Nano))
	if op.after != nil {
		tr.LazyPrintf("awaited op %s", op.after.ID)
	}

	if op.target != nil && op.target.Status() == Failed {
		c.finish(ctx, op, id, errors.WithMessagef(ErrNotPersisted, "insert of %q failed", op.target.localID))
		return
	} else if op.Kind != InsertOp && isTemporary(id) {
		c.finish(ctx, op, id, errors.WithMessagef(ErrNotPersisted, "%q", id))
		return
	}

	var start = time.Now()
	var row codec.Record
	var err error

	switch op.Kind {
	case InsertOp:
		var fields = op.wire
		if !isTemporary(id) {
			fields = without(op.wire, entity.IDField)
			fields[entity.IDField] = id
		}
		if row, err = c.gw.Insert(ctx, fields); err == nil {
			if canonicalID, ok := remote.RecordID(row); ok {
				id = canonicalID
			} else if isTemporary(id) {
				err = errors.New("inserted row has no identifier")
			}
		}
	case UpdateOp:
		err = c.gw.Update(ctx, id, op.wire)
	case DeleteOp:
		err = c.gw.Delete(ctx, id)
	}
	metrics.GatewayCallSeconds.WithLabelValues(c.table, op.Kind.String()).Observe(time.Since(start).Seconds())
	metrics.GatewayCallsTotal.WithLabelValues(c.table, op.Kind.String(), metrics.Status(err)).Inc()

	if op.Kind == InsertOp && err == nil {
		tr.LazyPrintf("inserted with canonical id %q", id)

		c.mu.Lock()
		op.resolve(id, nil)
		c.ledger.finish(op)
		c.unchain(op)
		c.reconcile(op, id, row)
		c.onUpdate()
		c.mu.Unlock()

		opsPendingGauge.WithLabelValues(c.table).Dec()
		c.notifyResolved(op)
		return
	}
	c.finish(ctx, op, id, err)
}

// finish resolves an Op other than a succeeded insert.
func (c *Collection[T]) finish(ctx context.Context, op *Op, id string, err error) {
	c.mu.Lock()
	if op.Kind == InsertOp {
		c.unchain(op)
	}
	op.resolve(id, err)
	c.ledger.finish(op)
	c.mu.Unlock()

	opsPendingGauge.WithLabelValues(c.table).Dec()

	if tr, ok := trace.FromContext(ctx); ok && err != nil {
		tr.LazyPrintf("failed: %v", err)
		tr.SetError()
	}
	if err != nil {
		// Local state is retained. It's reconciled by a later remote event
		// or reload.
		c.log.WithFields(log.Fields{"op": op.Kind, "id": id, "err": err}).
			Warn("remote call failed (local state retained)")
	}
	c.notifyResolved(op)
}

// backoff returns the delay before resubscription |attempt|.
func backoff(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return 0
	case 2:
		return time.Millisecond * 5
	case 3:
		return time.Second
	case 4:
		return time.Second * 2
	case 5:
		return time.Second * 4
	default:
		return 5 * time.Second
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
