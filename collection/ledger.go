package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.salesops.dev/core/async"
	"go.salesops.dev/core/codec"
)

// Kind is the kind of a local mutation.
type Kind int

const (
	InsertOp Kind = iota + 1
	UpdateOp
	DeleteOp
)

func (k Kind) String() string {
	switch k {
	case InsertOp:
		return "insert"
	case UpdateOp:
		return "update"
	case DeleteOp:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is the status of an Op's remote call.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Op is a local mutation of a Collection, which was applied optimistically
// and whose remote call may still be in flight. Ops are returned by each
// mutation of a Collection, and are tracked by its ledger until resolved.
type Op struct {
	// ID is a unique identifier of the Op.
	ID string
	// Kind of the mutation.
	Kind Kind
	// Table of the mutated Collection.
	Table string
	// Fields of an insert or update, in local form.
	Fields codec.Record
	// Issued is the time at which the mutation was applied locally.
	Issued time.Time

	// Identifier of the entity when the Op was issued. For an insert,
	// this is the local identifier assigned by the Collection.
	localID string
	// Wire form of Fields, sent to the Gateway.
	wire codec.Record
	// For inserts, the local record to (re-)apply.
	record codec.Record
	// Insert whose resolution this Op awaits, and the Op immediately
	// preceding this one in issue order which is also awaiting it.
	target, after *Op

	mu         sync.Mutex
	status     Status
	err        error
	resolvedID string
	done       async.Promise
}

func newOp(kind Kind, table, localID string, fields codec.Record) *Op {
	return &Op{
		ID:      uuid.NewString(),
		Kind:    kind,
		Table:   table,
		Fields:  fields,
		Issued:  time.Now(),
		localID: localID,
		done:    async.NewPromise(),
	}
}

// LocalID is the identifier of the mutated entity at the time the Op was
// issued. For inserts, it's the identifier assigned locally.
func (op *Op) LocalID() string { return op.localID }

// EntityID is the current identifier of the mutated entity. It's the
// canonical identifier once an insert (or the insert this Op awaits) has
// succeeded, and LocalID otherwise.
func (op *Op) EntityID() string {
	op.mu.Lock()
	var id = op.resolvedID
	op.mu.Unlock()

	if id != "" {
		return id
	} else if op.target != nil {
		if id = op.target.canonicalID(); id != "" {
			return id
		}
	}
	return op.localID
}

// Status of the Op.
func (op *Op) Status() Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

// Err is the error of a Failed Op.
func (op *Op) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done is closed when the Op is resolved.
func (op *Op) Done() <-chan struct{} { return op.done }

// Wait for the Op to resolve, returning its error. If |ctx| is done first,
// its error is returned instead.
func (op *Op) Wait(ctx context.Context) error {
	if err := op.done.WaitContext(ctx); err != nil {
		return err
	}
	return op.Err()
}

func (op *Op) String() string {
	return fmt.Sprintf("%s %s %q (%s)", op.Kind, op.Table, op.EntityID(), op.Status())
}

// canonicalID is the resolved identifier of a Succeeded insert, or empty.
func (op *Op) canonicalID() string {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.status != Succeeded {
		return ""
	}
	return op.resolvedID
}

// resolve the Op with the canonical entity |id| or an error.
func (op *Op) resolve(id string, err error) {
	op.mu.Lock()
	if err != nil {
		op.status, op.err = Failed, err
	} else {
		op.status, op.resolvedID = Succeeded, id
	}
	op.mu.Unlock()

	op.done.Resolve()
}

// ledger tracks pending Ops in issue order, and a bounded number of
// recently resolved Ops.
type ledger struct {
	pending  []*Op
	finished *lru.Cache
}

func newLedger(size int) *ledger {
	var finished, err = lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &ledger{finished: finished}
}

func (l *ledger) add(op *Op) { l.pending = append(l.pending, op) }

func (l *ledger) finish(op *Op) {
	for i, p := range l.pending {
		if p == op {
			l.pending = append(l.pending[:i:i], l.pending[i+1:]...)
			break
		}
	}
	l.finished.Add(op.ID, op)
}

func (l *ledger) get(id string) *Op {
	for _, p := range l.pending {
		if p.ID == id {
			return p
		}
	}
	if v, ok := l.finished.Get(id); ok {
		return v.(*Op)
	}
	return nil
}

func (l *ledger) snapshot() []*Op {
	return append([]*Op(nil), l.pending...)
}
