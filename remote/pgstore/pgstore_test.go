package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/remote"
)

func TestParsePayload(t *testing.T) {
	var ev, err = parsePayload(`{"type":"INSERT","id":42,"record":{"id":42,"name":"Ana","value":1.5,"visits":3,"tags":[1,"x"]}}`)
	require.NoError(t, err)
	require.Equal(t, remote.Event{
		Type: remote.Insert,
		ID:   "42",
		Record: codec.Record{
			"id":     "42",
			"name":   "Ana",
			"value":  1.5,
			"visits": int64(3),
			"tags":   []any{int64(1), "x"},
		},
	}, ev)

	ev, err = parsePayload(`{"type":"UPDATE","record":{"id":"c0ffee","status":"won"}}`)
	require.NoError(t, err)
	require.Equal(t, remote.Event{
		Type:   remote.Update,
		ID:     "c0ffee",
		Record: codec.Record{"id": "c0ffee", "status": "won"},
	}, ev)

	ev, err = parsePayload(`{"type":"DELETE","id":"c0ffee"}`)
	require.NoError(t, err)
	require.Equal(t, remote.Event{Type: remote.Delete, ID: "c0ffee"}, ev)

	for _, tc := range []struct {
		payload, err string
	}{
		{`not json`, "decoding payload: invalid character 'o' in literal null (expecting 'u')"},
		{`{"type":"TRUNCATE","id":"1"}`, `unknown event type "TRUNCATE"`},
		{`{"type":"DELETE"}`, "delete event has no id"},
		{`{"type":"UPDATE","id":"1"}`, `update event of "1" has no record`},
	} {
		_, err = parsePayload(tc.payload)
		require.EqualError(t, err, tc.err)
	}
}

func TestInsertSQL(t *testing.T) {
	var query, args = insertSQL("leads", codec.Record{"name": "Ana", "agency_id": "a-1"})
	require.Equal(t, `INSERT INTO "leads" ("agency_id", "name") VALUES ($1, $2) RETURNING *`, query)
	require.Equal(t, []any{"a-1", "Ana"}, args)

	query, args = insertSQL("leads", codec.Record{})
	require.Equal(t, `INSERT INTO "leads" DEFAULT VALUES RETURNING *`, query)
	require.Nil(t, args)
}

func TestUpdateSQL(t *testing.T) {
	var query, args = updateSQL("leads", "7", codec.Record{"id": "7", "status": "won", "value": 10.0})
	require.Equal(t, `UPDATE "leads" SET "status" = $1, "value" = $2 WHERE id::text = $3`, query)
	require.Equal(t, []any{"won", 10.0, "7"}, args)

	query, args = updateSQL("leads", "7", codec.Record{"id": "7"})
	require.Equal(t, `UPDATE "leads" SET id = id WHERE id::text = $1`, query)
	require.Equal(t, []any{"7"}, args)
}

func TestNormalize(t *testing.T) {
	var id = uuid.MustParse("0b5a4a7e-0d3c-4a59-9d3c-6a2b1f7e9c11")
	require.Equal(t, id.String(), normalize([16]byte(id), pgtype.UUIDOID))

	var num pgtype.Numeric
	require.NoError(t, num.Scan("12.5"))
	require.Equal(t, 12.5, normalize(num, pgtype.NumericOID))
	require.Nil(t, normalize(pgtype.Numeric{}, pgtype.NumericOID))

	var ts = time.Date(2024, 3, 1, 0, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	require.Equal(t, "2024-03-01T03:00:00Z", normalize(ts, pgtype.TimestamptzOID))
	require.Equal(t, int64(9), normalize(int64(9), pgtype.Int8OID))

	// Dates are formatted as in notification payloads.
	var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2024-03-01", normalize(day, pgtype.DateOID))

	var ev, err = parsePayload(`{"type":"INSERT","id":"d-1","record":{"id":"d-1","day":"2024-03-01"}}`)
	require.NoError(t, err)
	require.Equal(t, normalize(day, pgtype.DateOID), ev.Record["day"])
}

// TestAgainstDatabase exercises a Store against the Postgres database of
// $SALESOPS_TEST_DATABASE_URL.
func TestAgainstDatabase(t *testing.T) {
	var url = os.Getenv("SALESOPS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SALESOPS_TEST_DATABASE_URL not set")
	}
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var store, err = Open(ctx, url)
	require.NoError(t, err)
	defer store.Close()

	var table = "pgstore_test_" + uuid.NewString()[:8]
	_, err = store.Pool.Exec(ctx, `CREATE TABLE "`+table+`" (id SERIAL PRIMARY KEY, name TEXT NOT NULL, value NUMERIC)`)
	require.NoError(t, err)
	defer store.Pool.Exec(context.Background(), `DROP TABLE "`+table+`"`)

	require.NoError(t, store.InstallTrigger(ctx, table))

	var gw, ch = store.Gateway(table), store.Channel(table)
	sub, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	row, err := gw.Insert(ctx, codec.Record{"name": "Ana", "value": 12.5})
	require.NoError(t, err)
	require.Equal(t, codec.Record{"id": "1", "name": "Ana", "value": 12.5}, row)

	require.NoError(t, gw.Update(ctx, "1", codec.Record{"name": "Ana Paula"}))
	require.Equal(t, remote.ErrNotFound, errors.Cause(gw.Update(ctx, "99", codec.Record{"name": "x"})))

	rows, err := gw.FetchAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []codec.Record{{"id": "1", "name": "Ana Paula", "value": 12.5}}, rows)

	require.NoError(t, gw.Delete(ctx, "1"))
	require.Equal(t, remote.ErrNotFound, errors.Cause(gw.Delete(ctx, "1")))

	for _, typ := range []remote.EventType{remote.Insert, remote.Update, remote.Delete} {
		select {
		case ev := <-sub.Events():
			require.Equal(t, typ, ev.Type)
			require.Equal(t, "1", ev.ID)
		case <-ctx.Done():
			t.Fatal("timeout awaiting notification")
		}
	}
}
