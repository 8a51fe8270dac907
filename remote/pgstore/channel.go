package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/remote"
)

// ErrListenerReconnected ends a Subscription whose Listener lost its
// connection. Notifications sent while disconnected were lost.
var ErrListenerReconnected = errors.New("listener reconnected (notifications may have been missed)")

// ErrListenerClosed ends a Subscription whose Listener was closed.
var ErrListenerClosed = errors.New("pq: Listener has been closed")

type channel struct {
	connString   string
	table        string
	pingInterval time.Duration
}

// Subscribe opens a Listener of channel <table>_changes. It returns once
// the Listener is connected and the server has acknowledged the LISTEN.
func (c *channel) Subscribe(ctx context.Context) (remote.Subscription, error) {
	var name = c.table + "_changes"
	var connected = make(chan error, 1)

	var l = pq.NewListener(c.connString, 100*time.Millisecond, 10*time.Second,
		func(ev pq.ListenerEventType, err error) {
			var entry = log.WithFields(log.Fields{"table": c.table, "event": listenerEventName(ev)})
			if err != nil {
				entry.WithField("err", err).Warn("listener connection event")
			} else {
				entry.Debug("listener connection event")
			}

			switch ev {
			case pq.ListenerEventConnected:
				err = nil
			case pq.ListenerEventConnectionAttemptFailed:
			default:
				return
			}
			select {
			case connected <- err:
			default: // Only the first outcome is read.
			}
		})

	select {
	case err := <-connected:
		if err != nil {
			_ = l.Close()
			return nil, errors.WithMessage(err, "connecting listener")
		}
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}
	if err := l.Listen(name); err != nil {
		_ = l.Close()
		return nil, errors.WithMessagef(err, "listening to %s", name)
	}

	var sub = remote.NewPumpSubscription(ctx, 16, nil)
	go c.serve(sub, l)

	return sub, nil
}

func (c *channel) serve(sub *remote.PumpSubscription, l *pq.Listener) {
	defer l.Close()

	var interval = c.pingInterval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	var idle = time.NewTimer(interval)
	defer idle.Stop()

	for {
		select {
		case n, ok := <-l.Notify:
			if !ok {
				sub.Finish(ErrListenerClosed)
				return
			} else if n == nil {
				sub.Finish(ErrListenerReconnected)
				return
			}
			if ev, err := parsePayload(n.Extra); err != nil {
				log.WithFields(log.Fields{"table": c.table, "payload": n.Extra, "err": err}).
					Warn("skipping malformed notification")
			} else if !sub.Send(ev) {
				sub.Finish(nil)
				return
			}
		case <-idle.C:
			if err := l.Ping(); err != nil {
				sub.Finish(errors.WithMessage(err, "pinging listener"))
				return
			}
		case <-sub.Context().Done():
			sub.Finish(nil)
			return
		}
		idle.Reset(interval)
	}
}

// payload is the JSON notification of a committed change.
type payload struct {
	Type   string       `json:"type"`
	ID     any          `json:"id"`
	Record codec.Record `json:"record"`
}

// parsePayload parses a notification payload into an Event.
func parsePayload(s string) (remote.Event, error) {
	var p payload
	var dec = json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	if err := dec.Decode(&p); err != nil {
		return remote.Event{}, errors.WithMessage(err, "decoding payload")
	}
	var typ, err = remote.ParseEventType(p.Type)
	if err != nil {
		return remote.Event{}, err
	}

	var ev = remote.Event{Type: typ, ID: fmtID(p.ID)}
	if ev.ID == "" && p.Record != nil {
		ev.ID = fmtID(p.Record["id"])
	}
	if typ != remote.Delete && p.Record != nil {
		ev.Record = make(codec.Record, len(p.Record))
		for k, v := range p.Record {
			ev.Record[k] = numberValue(v)
		}
		if ev.ID != "" {
			ev.Record["id"] = ev.ID
		}
	}
	return ev, ev.Validate()
}

func fmtID(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case json.Number:
		return vv.String()
	default:
		return fmt.Sprint(vv)
	}
}

// numberValue converts json.Numbers (recursively) into int64 where they're
// integral, or float64 otherwise.
func numberValue(v any) any {
	switch vv := v.(type) {
	case json.Number:
		if i, err := vv.Int64(); err == nil {
			return i
		} else if f, err := vv.Float64(); err == nil {
			return f
		}
		return vv.String()
	case map[string]any:
		for k, e := range vv {
			vv[k] = numberValue(e)
		}
		return vv
	case []any:
		for i, e := range vv {
			vv[i] = numberValue(e)
		}
		return vv
	default:
		return v
	}
}

// normalize a column value of type |oid| scanned by pgx into a JSON-friendly
// value of the wire record, formatted as row_to_json would.
func normalize(v any, oid uint32) any {
	switch vv := v.(type) {
	case [16]byte:
		return uuid.UUID(vv).String()
	case pgtype.Numeric:
		if f, err := vv.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case time.Time:
		if oid == pgtype.DateOID {
			return vv.Format(time.DateOnly)
		}
		return vv.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func listenerEventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connectionAttemptFailed"
	default:
		return fmt.Sprintf("ListenerEventType(%d)", int(ev))
	}
}
