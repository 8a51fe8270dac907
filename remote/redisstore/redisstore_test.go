package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/remote"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	var mr = miniredis.RunT(t)
	var store, err = Open(context.Background(), "redis://"+mr.Addr(), "salesops")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestGatewayCRUD(t *testing.T) {
	var store, mr = setupStore(t)
	var gw = store.Gateway("leads")
	var ctx = context.Background()

	rows, err := gw.FetchAll(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)

	row, err := gw.Insert(ctx, codec.Record{"name": "Ana", "value": 10.0})
	require.NoError(t, err)
	var id, ok = remote.RecordID(row)
	require.True(t, ok)

	_, err = gw.Insert(ctx, codec.Record{"id": "b", "name": "Bo"})
	require.NoError(t, err)
	_, err = gw.Insert(ctx, codec.Record{"id": "b", "name": "Bo"})
	require.EqualError(t, err, `leads: duplicate id "b"`)

	require.NoError(t, gw.Update(ctx, id, codec.Record{"status": "won"}))
	require.Equal(t, remote.ErrNotFound, errors.Cause(gw.Update(ctx, "missing", codec.Record{"status": "won"})))

	rows, err = gw.FetchAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []codec.Record{
		{"id": id, "name": "Ana", "value": 10.0, "status": "won"},
		{"id": "b", "name": "Bo"},
	}, rows)

	require.NoError(t, gw.Delete(ctx, id))
	require.Equal(t, remote.ErrNotFound, errors.Cause(gw.Delete(ctx, id)))

	fields, err := mr.HKeys("salesops:leads")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, fields)
	members, err := mr.ZMembers("salesops:leads:order")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)
}

func TestChannelDeliversCommittedChanges(t *testing.T) {
	var store, _ = setupStore(t)
	var gw, ch = store.Gateway("tasks"), store.Channel("tasks")

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	_, err = gw.Insert(ctx, codec.Record{"id": "t-1", "title": "Call"})
	require.NoError(t, err)
	require.NoError(t, gw.Update(ctx, "t-1", codec.Record{"completed": true}))
	require.NoError(t, gw.Delete(ctx, "t-1"))

	// A malformed message is skipped.
	require.NoError(t, store.Client.Publish(ctx, "salesops:tasks:changes", "{").Err())
	require.NoError(t, store.Client.Publish(ctx, "salesops:tasks:changes",
		`{"type":"delete","id":"t-2"}`).Err())

	for _, expect := range []remote.Event{
		{Type: remote.Insert, ID: "t-1", Record: codec.Record{"id": "t-1", "title": "Call"}},
		{Type: remote.Update, ID: "t-1", Record: codec.Record{"id": "t-1", "completed": true}},
		{Type: remote.Delete, ID: "t-1"},
		{Type: remote.Delete, ID: "t-2"},
	} {
		select {
		case ev := <-sub.Events():
			require.Equal(t, expect, ev)
		case <-ctx.Done():
			t.Fatal("timeout awaiting event")
		}
	}

	require.NoError(t, sub.Close())
	for range sub.Events() {
	}
	require.NoError(t, sub.Err())
}

func TestSubscriptionFailsWithServer(t *testing.T) {
	var store, mr = setupStore(t)

	var sub, err = store.Channel("tasks").Subscribe(context.Background())
	require.NoError(t, err)

	mr.Close()
	for range sub.Events() {
	}
	require.Error(t, sub.Err())

	_, err = store.Channel("tasks").Subscribe(context.Background())
	require.Error(t, err)
}

func TestWritesRaceToCommit(t *testing.T) {
	var store, _ = setupStore(t)
	var gw = store.Gateway("goals")
	var ctx = context.Background()

	_, err := gw.Insert(ctx, codec.Record{"id": "g", "period": "2024-03"})
	require.NoError(t, err)

	var done = make(chan error, 8)
	for i := 0; i != cap(done); i++ {
		go func(i int) {
			done <- gw.Update(ctx, "g", codec.Record{"target_sales": float64(i)})
		}(i)
	}
	for i := 0; i != cap(done); i++ {
		require.NoError(t, <-done)
	}
	n, err := store.Client.HLen(ctx, "salesops:goals").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
