// Package etcdstore implements a remote.Backend over Etcd. Each row is a JSON
// value at key <root>/<table>/<id>, and a table's changes are observed
// through a Watch of its key prefix.
package etcdstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/remote"
)

// Store is a remote.Backend of tables rooted at Root.
type Store struct {
	Client *clientv3.Client
	Root   string
}

var _ remote.Backend = (*Store)(nil)

// New returns a Store of tables under |root| (eg, "/salesops").
func New(client *clientv3.Client, root string) *Store {
	return &Store{Client: client, Root: strings.TrimRight(root, "/")}
}

// Gateway implements remote.Backend.
func (s *Store) Gateway(table string) remote.Gateway {
	return &gateway{client: s.Client, table: table, prefix: s.prefix(table)}
}

// Channel implements remote.Backend.
func (s *Store) Channel(table string) remote.Channel {
	return &channel{client: s.Client, table: table, prefix: s.prefix(table)}
}

// Close implements remote.Backend. The Client is owned by the caller, and is
// not closed.
func (s *Store) Close() error { return nil }

func (s *Store) prefix(table string) string { return s.Root + "/" + table + "/" }

type gateway struct {
	client *clientv3.Client
	table  string
	prefix string
}

func (g *gateway) Table() string { return g.table }

func (g *gateway) FetchAll(ctx context.Context) ([]codec.Record, error) {
	var resp, err = g.client.Get(ctx, g.prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching %s", g.prefix)
	}
	var out = make([]codec.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if row, err := decodeRow(kv); err != nil {
			log.WithFields(log.Fields{"key": string(kv.Key), "err": err}).
				Warn("skipping malformed row")
		} else {
			out = append(out, row)
		}
	}
	return out, nil
}

func (g *gateway) Insert(ctx context.Context, fields codec.Record) (codec.Record, error) {
	var id, ok = remote.RecordID(fields)
	if !ok {
		id = uuid.NewString()
	}
	var row = make(codec.Record, len(fields)+1)
	for k, v := range fields {
		row[k] = v
	}
	row["id"] = id

	var b, err = json.Marshal(row)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding row")
	}
	var key = g.prefix + id

	resp, err := g.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(b))).
		Commit()

	if err != nil {
		return nil, errors.WithMessagef(err, "inserting %s", key)
	} else if !resp.Succeeded {
		return nil, errors.Errorf("%s: duplicate id %q", g.table, id)
	}
	return row, nil
}

func (g *gateway) Update(ctx context.Context, id string, fields codec.Record) error {
	var key = g.prefix + id

	for {
		var resp, err = g.client.Get(ctx, key)
		if err != nil {
			return errors.WithMessagef(err, "reading %s", key)
		} else if len(resp.Kvs) == 0 {
			return errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
		}
		var kv = resp.Kvs[0]

		row, err := decodeRow(kv)
		if err != nil {
			return err
		}
		for k, v := range fields {
			if k != "id" {
				row[k] = v
			}
		}
		b, err := json.Marshal(row)
		if err != nil {
			return errors.WithMessage(err, "encoding row")
		}

		txn, err := g.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(b))).
			Commit()

		if err != nil {
			return errors.WithMessagef(err, "updating %s", key)
		} else if txn.Succeeded {
			return nil
		}
		log.WithFields(log.Fields{"key": key, "revision": kv.ModRevision}).
			Debug("etcdstore: update raced (will retry)")
		remote.AddTrace(ctx, "update of %s raced at revision %d", key, kv.ModRevision)
	}
}

func (g *gateway) Delete(ctx context.Context, id string) error {
	var key = g.prefix + id

	if resp, err := g.client.Delete(ctx, key); err != nil {
		return errors.WithMessagef(err, "deleting %s", key)
	} else if resp.Deleted == 0 {
		return errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
	}
	return nil
}

type channel struct {
	client *clientv3.Client
	table  string
	prefix string
}

// Subscribe reads the current revision, and watches from the revision
// which follows it.
func (c *channel) Subscribe(ctx context.Context) (remote.Subscription, error) {
	var resp, err = c.client.Get(ctx, c.prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, errors.WithMessagef(err, "reading revision of %s", c.prefix)
	}
	var sub = remote.NewPumpSubscription(ctx, 16, nil)

	// With "require leader", a watched Etcd partitioned from its majority
	// aborts the watch rather than stalling it. Progress notifications keep
	// the watched revision recent on a quiet prefix.
	var watchCh = c.client.Watch(clientv3.WithRequireLeader(sub.Context()), c.prefix,
		clientv3.WithPrefix(),
		clientv3.WithProgressNotify(),
		clientv3.WithRev(resp.Header.Revision+1),
	)
	go c.serve(sub, watchCh)

	return sub, nil
}

func (c *channel) serve(sub *remote.PumpSubscription, watchCh clientv3.WatchChan) {
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			sub.Finish(errors.WithMessagef(err, "watching %s", c.prefix))
			return
		}
		for _, ev := range resp.Events {
			var out, err = c.toEvent(ev)
			if err != nil {
				log.WithFields(log.Fields{"key": string(ev.Kv.Key), "err": err}).
					Warn("skipping malformed watch event")
				continue
			}
			if !sub.Send(out) {
				sub.Finish(nil)
				return
			}
		}
	}
	sub.Finish(nil) // Watch contract implies the context is cancelled.
}

// toEvent maps an Etcd watch event to a remote.Event. A PUT which created
// its key is an Insert.
func (c *channel) toEvent(ev *clientv3.Event) (remote.Event, error) {
	var id = strings.TrimPrefix(string(ev.Kv.Key), c.prefix)

	if ev.Type == mvccpb.DELETE {
		return remote.Event{Type: remote.Delete, ID: id}, nil
	}
	var row, err = decodeRow(ev.Kv)
	if err != nil {
		return remote.Event{}, err
	}
	var typ = remote.Update
	if ev.IsCreate() {
		typ = remote.Insert
	}
	return remote.Event{Type: typ, ID: id, Record: row}, nil
}

func decodeRow(kv *mvccpb.KeyValue) (codec.Record, error) {
	var row codec.Record
	if err := json.Unmarshal(kv.Value, &row); err != nil {
		return nil, errors.WithMessagef(err, "decoding %s", kv.Key)
	}
	return row, nil
}
