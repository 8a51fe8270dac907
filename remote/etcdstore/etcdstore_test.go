package etcdstore

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/etcdtest"
	"go.salesops.dev/core/remote"
)

func TestGatewayCRUD(t *testing.T) {
	var client = etcdtest.TestClient(t)
	var gw = New(client, "/salesops/").Gateway("leads")
	var ctx = context.Background()

	var row, err = gw.Insert(ctx, codec.Record{"name": "Ana", "seller_id": "s-1"})
	require.NoError(t, err)
	var id, ok = remote.RecordID(row)
	require.True(t, ok)

	_, err = gw.Insert(ctx, codec.Record{"id": "fixed", "name": "Bo"})
	require.NoError(t, err)
	_, err = gw.Insert(ctx, codec.Record{"id": "fixed", "name": "Bo"})
	require.EqualError(t, err, `leads: duplicate id "fixed"`)

	require.NoError(t, gw.Update(ctx, id, codec.Record{"status": "won", "id": "ignored"}))
	require.Equal(t, remote.ErrNotFound, errors.Cause(gw.Update(ctx, "missing", codec.Record{"status": "won"})))

	rows, err := gw.FetchAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []codec.Record{
		{"id": id, "name": "Ana", "seller_id": "s-1", "status": "won"},
		{"id": "fixed", "name": "Bo"},
	}, rows)

	require.NoError(t, gw.Delete(ctx, "fixed"))
	require.Equal(t, remote.ErrNotFound, errors.Cause(gw.Delete(ctx, "fixed")))
}

func TestChannelMapsWatchEvents(t *testing.T) {
	var client = etcdtest.TestClient(t)
	var store = New(client, "/salesops")
	var gw, ch = store.Gateway("tasks"), store.Channel("tasks")

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A row written before Subscribe isn't delivered.
	_, err := gw.Insert(ctx, codec.Record{"id": "t-0", "title": "Before"})
	require.NoError(t, err)

	sub, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	_, err = gw.Insert(ctx, codec.Record{"id": "t-1", "title": "Call"})
	require.NoError(t, err)
	require.NoError(t, gw.Update(ctx, "t-1", codec.Record{"completed": true}))
	require.NoError(t, gw.Delete(ctx, "t-1"))

	var expect = []remote.Event{
		{Type: remote.Insert, ID: "t-1", Record: codec.Record{"id": "t-1", "title": "Call"}},
		{Type: remote.Update, ID: "t-1", Record: codec.Record{"id": "t-1", "title": "Call", "completed": true}},
		{Type: remote.Delete, ID: "t-1"},
	}
	for _, e := range expect {
		select {
		case ev := <-sub.Events():
			require.Equal(t, e, ev)
		case <-ctx.Done():
			t.Fatal("timeout awaiting event")
		}
	}

	require.NoError(t, sub.Close())
	for range sub.Events() {
	}
	require.NoError(t, sub.Err())
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
