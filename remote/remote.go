// Package remote defines the collaborators through which a synchronized
// collection reaches the remote store: a per-table Gateway offering fetch,
// insert, update and delete, and a per-table Channel delivering committed
// changes. Records crossing these interfaces use wire (snake_case) naming.
//
// Sub-packages provide Backend implementations over Etcd, Postgres, Redis,
// and an in-process memory store.
package remote

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.salesops.dev/core/codec"
	"golang.org/x/net/trace"
)

// ErrNotFound is returned by a Gateway when an update or delete names an
// identifier which doesn't exist.
var ErrNotFound = errors.New("record not found")

// ErrUnavailable is returned by a Gateway or Channel which cannot currently
// reach the remote store.
var ErrUnavailable = errors.New("remote store unavailable")

// Gateway is a façade over one remote table.
type Gateway interface {
	// Table returns the remote table name.
	Table() string
	// FetchAll returns all rows of the table.
	FetchAll(ctx context.Context) ([]codec.Record, error)
	// Insert a row with |fields|, returning the canonical stored row. If
	// |fields| includes an "id", backends which accept client-assigned
	// identifiers store the row under that identifier.
	Insert(ctx context.Context, fields codec.Record) (codec.Record, error)
	// Update the fields of row |id|. Fields not named are unchanged.
	Update(ctx context.Context, id string, fields codec.Record) error
	// Delete row |id|.
	Delete(ctx context.Context, id string) error
}

// Channel is a subscribable source of committed changes to one remote table.
type Channel interface {
	// Subscribe begins a Subscription, which delivers changes committed
	// after Subscribe returns.
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live stream of change Events.
type Subscription interface {
	// Events delivers changes in commit order. It's closed when the
	// Subscription ends, whether by Close, context cancellation, or failure.
	Events() <-chan Event
	// Err returns the reason the Subscription ended, once Events is closed.
	// It's nil if the Subscription was ended by Close.
	Err() error
	// Close the Subscription, releasing its resources.
	Close() error
}

// Backend provides the Gateway and Channel of each table.
type Backend interface {
	Gateway(table string) Gateway
	Channel(table string) Channel
	Close() error
}

// EventType enumerates kinds of Events.
type EventType int

const (
	// Insert of a new row. Record is the complete row.
	Insert EventType = iota + 1
	// Update of an existing row. Record holds (at least) the changed fields.
	Update
	// Delete of a row. Only ID is set.
	Delete
)

func (t EventType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// ParseEventType parses the SQL-style verbs INSERT, UPDATE and DELETE
// (in any case) into an EventType.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "INSERT", "insert":
		return Insert, nil
	case "UPDATE", "update":
		return Update, nil
	case "DELETE", "delete":
		return Delete, nil
	default:
		return 0, errors.Errorf("unknown event type %q", s)
	}
}

// Event is a single committed change to a table.
type Event struct {
	Type   EventType
	ID     string
	Record codec.Record
}

// Validate returns an error if the Event is malformed.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.Errorf("%s event has no id", e.Type)
	}
	switch e.Type {
	case Insert, Update:
		if e.Record == nil {
			return errors.Errorf("%s event of %q has no record", e.Type, e.ID)
		}
	case Delete:
	default:
		return errors.Errorf("invalid event type %d", int(e.Type))
	}
	return nil
}

// RecordID extracts the "id" field of a wire record as a string.
func RecordID(r codec.Record) (string, bool) {
	switch v := r["id"].(type) {
	case string:
		return v, v != ""
	case nil:
		return "", false
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

// AddTrace logs a lazily formatted event to the trace of |ctx|, if any.
func AddTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
