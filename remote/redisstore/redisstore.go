// Package redisstore implements a remote.Backend over Redis. Each table is a
// hash <prefix>:<table> of identifier to JSON row, with insertion order kept
// in the sorted set <prefix>:<table>:order. Every write is a transaction
// which also publishes the change to <prefix>:<table>:changes.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/remote"
)

// maxTxAttempts bounds the retries of a write whose watched keys changed.
const maxTxAttempts = 16

// Store is a remote.Backend of tables under Prefix.
type Store struct {
	Client *redis.Client
	Prefix string
}

var _ remote.Backend = (*Store)(nil)

// Open a Store of the Redis at |url|, verifying it's reachable.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	var opts, err = redis.ParseURL(url)
	if err != nil {
		return nil, errors.WithMessage(err, "parsing redis URL")
	}
	var client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "connecting to redis")
	}
	return New(client, prefix), nil
}

// New returns a Store using |client|.
func New(client *redis.Client, prefix string) *Store {
	return &Store{Client: client, Prefix: prefix}
}

// Gateway implements remote.Backend.
func (s *Store) Gateway(table string) remote.Gateway {
	return &gateway{client: s.Client, table: table, keys: s.keys(table)}
}

// Channel implements remote.Backend.
func (s *Store) Channel(table string) remote.Channel {
	return &channel{client: s.Client, table: table, keys: s.keys(table)}
}

// Close implements remote.Backend, closing the Client.
func (s *Store) Close() error { return s.Client.Close() }

type keys struct {
	rows, order, seq, changes string
}

func (s *Store) keys(table string) keys {
	var base = s.Prefix + ":" + table
	return keys{
		rows:    base,
		order:   base + ":order",
		seq:     base + ":seq",
		changes: base + ":changes",
	}
}

// message is the published JSON form of a change.
type message struct {
	Type   string       `json:"type"`
	ID     string       `json:"id"`
	Record codec.Record `json:"record,omitempty"`
}

type gateway struct {
	client *redis.Client
	table  string
	keys   keys
}

func (g *gateway) Table() string { return g.table }

func (g *gateway) FetchAll(ctx context.Context) ([]codec.Record, error) {
	var ids, err = g.client.ZRange(ctx, g.keys.order, 0, -1).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading order of %s", g.table)
	} else if len(ids) == 0 {
		return []codec.Record{}, nil
	}
	vals, err := g.client.HMGet(ctx, g.keys.rows, ids...).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading rows of %s", g.table)
	}

	var out = make([]codec.Record, 0, len(vals))
	for i, v := range vals {
		var s, ok = v.(string)
		if !ok {
			continue // Removed since ZRange.
		}
		var row codec.Record
		if err := json.Unmarshal([]byte(s), &row); err != nil {
			log.WithFields(log.Fields{"table": g.table, "id": ids[i], "err": err}).
				Warn("skipping malformed row")
			continue
		}
		out = append(out, row)
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

	var err = g.transact(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		if exists, err := tx.HExists(ctx, g.keys.rows, id).Result(); err != nil {
			return nil, err
		} else if exists {
			return nil, errors.Errorf("%s: duplicate id %q", g.table, id)
		}
		seq, err := tx.Incr(ctx, g.keys.seq).Result()
		if err != nil {
			return nil, err
		}
		return func(pipe redis.Pipeliner) error {
			if err := g.put(ctx, pipe, id, row); err != nil {
				return err
			}
			pipe.ZAdd(ctx, g.keys.order, redis.Z{Score: float64(seq), Member: id})
			return g.publish(ctx, pipe, message{Type: "insert", ID: id, Record: row})
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (g *gateway) Update(ctx context.Context, id string, fields codec.Record) error {
	return g.transact(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		var s, err = tx.HGet(ctx, g.keys.rows, id).Result()
		if err == redis.Nil {
			return nil, errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
		} else if err != nil {
			return nil, err
		}
		var row codec.Record
		if err = json.Unmarshal([]byte(s), &row); err != nil {
			return nil, errors.WithMessagef(err, "decoding %s %q", g.table, id)
		}

		var changed = codec.Record{"id": id}
		for k, v := range fields {
			if k != "id" {
				row[k], changed[k] = v, v
			}
		}
		return func(pipe redis.Pipeliner) error {
			if err := g.put(ctx, pipe, id, row); err != nil {
				return err
			}
			return g.publish(ctx, pipe, message{Type: "update", ID: id, Record: changed})
		}, nil
	})
}

func (g *gateway) Delete(ctx context.Context, id string) error {
	return g.transact(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		if exists, err := tx.HExists(ctx, g.keys.rows, id).Result(); err != nil {
			return nil, err
		} else if !exists {
			return nil, errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
		}
		return func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, g.keys.rows, id)
			pipe.ZRem(ctx, g.keys.order, id)
			return g.publish(ctx, pipe, message{Type: "delete", ID: id})
		}, nil
	})
}

// transact runs |read| with the table's rows hash WATCHed, and then queues
// the returned writes into a MULTI transaction. The transaction is retried
// if the rows hash changed.
func (g *gateway) transact(ctx context.Context,
	read func(*redis.Tx) (func(redis.Pipeliner) error, error)) error {

	for attempt := 0; attempt != maxTxAttempts; attempt++ {
		var err = g.client.Watch(ctx, func(tx *redis.Tx) error {
			var write, err = read(tx)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, write)
			return err
		}, g.keys.rows)

		if err != redis.TxFailedErr {
			return err
		}
		log.WithFields(log.Fields{"table": g.table, "attempt": attempt}).
			Debug("redisstore: transaction raced (will retry)")
		remote.AddTrace(ctx, "transaction of %s raced (attempt %d)", g.table, attempt)
	}
	return errors.Errorf("%s: transaction failed after %d attempts", g.table, maxTxAttempts)
}

func (g *gateway) put(ctx context.Context, pipe redis.Pipeliner, id string, row codec.Record) error {
	var b, err = json.Marshal(row)
	if err != nil {
		return errors.WithMessage(err, "encoding row")
	}
	pipe.HSet(ctx, g.keys.rows, id, b)
	return nil
}

func (g *gateway) publish(ctx context.Context, pipe redis.Pipeliner, m message) error {
	var b, err = json.Marshal(m)
	if err != nil {
		return errors.WithMessage(err, "encoding change")
	}
	pipe.Publish(ctx, g.keys.changes, b)
	return nil
}

type channel struct {
	client *redis.Client
	table  string
	keys   keys
}

// Subscribe returns once Redis has confirmed the SUBSCRIBE.
func (c *channel) Subscribe(ctx context.Context) (remote.Subscription, error) {
	var ps = c.client.Subscribe(ctx, c.keys.changes)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.WithMessagef(err, "subscribing to %s", c.keys.changes)
	}
	var sub = remote.NewPumpSubscription(ctx, 16, nil)

	// A blocked receive isn't interrupted by its context. Closing the
	// PubSub fails it instead.
	go func() {
		<-sub.Context().Done()
		_ = ps.Close()
	}()
	go c.serve(sub, ps)

	return sub, nil
}

func (c *channel) serve(sub *remote.PumpSubscription, ps *redis.PubSub) {
	for {
		var msg, err = ps.ReceiveMessage(sub.Context())
		if err != nil {
			if sub.Context().Err() != nil {
				err = nil
			}
			sub.Finish(err)
			return
		}

		var ev remote.Event
		if ev, err = parseMessage(msg.Payload); err != nil {
			log.WithFields(log.Fields{"table": c.table, "payload": msg.Payload, "err": err}).
				Warn("skipping malformed change message")
			continue
		}
		if !sub.Send(ev) {
			sub.Finish(nil)
			return
		}
	}
}

func parseMessage(payload string) (remote.Event, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return remote.Event{}, errors.WithMessage(err, "decoding change")
	}
	var typ, err = remote.ParseEventType(m.Type)
	if err != nil {
		return remote.Event{}, err
	}
	var ev = remote.Event{Type: typ, ID: m.ID, Record: m.Record}
	return ev, ev.Validate()
}
