package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/entity"
)

func TestParseFields(t *testing.T) {
	var fields, err = fieldParsers[entity.LeadsTable]([]string{"name=Ana Lima", "value=1200.5", "status=new"})
	require.NoError(t, err)
	require.Equal(t, codec.Record{"name": "Ana Lima", "value": 1200.5, "status": "new"}, fields)

	// Zero values are retained where named.
	fields, err = fieldParsers[entity.TasksTable]([]string{"completed=false"})
	require.NoError(t, err)
	require.Equal(t, codec.Record{"completed": false}, fields)

	fields, err = fieldParsers[entity.GoalsTable]([]string{"targetSales=12", "period=2024-03"})
	require.NoError(t, err)
	require.Equal(t, codec.Record{"targetSales": 12, "period": "2024-03"}, fields)

	// Timestamps are given as RFC 3339 or as dates.
	fields, err = fieldParsers[entity.TasksTable]([]string{"dueDate=2024-03-05"})
	require.NoError(t, err)
	require.Equal(t, codec.Record{"dueDate": "2024-03-05T00:00:00Z"}, fields)

	fields, err = fieldParsers[entity.CommissionsTable]([]string{"saleDate=2024-03-01T12:30:00-03:00", "amount=10"})
	require.NoError(t, err)
	require.Equal(t, codec.Record{"saleDate": "2024-03-01T15:30:00Z", "amount": 10.0}, fields)

	_, err = fieldParsers[entity.TasksTable]([]string{"dueDate=soon"})
	require.Error(t, err)

	_, err = fieldParsers[entity.LeadsTable]([]string{"name"})
	require.EqualError(t, err, `expected key=value (not "name")`)
	_, err = fieldParsers[entity.LeadsTable]([]string{"bogus=1"})
	require.Error(t, err)
	_, err = fieldParsers[entity.LeadsTable]([]string{"value=lots"})
	require.Error(t, err)

	for _, table := range entity.Tables {
		require.Contains(t, fieldParsers, table)
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	writeTable(&buf, []codec.Record{
		{"id": "1", "name": "Ana", "value": 1200.0},
		{"id": "2", "name": "Bo", "status": "won"},
	}, true)

	var out = buf.String()
	require.Contains(t, out, "Ana")
	require.Contains(t, out, "1,200")
	require.Contains(t, out, "won")

	require.Equal(t, []string{"id", "name", "status", "value"}, columns([]codec.Record{
		{"value": 1.0, "id": "1"},
		{"status": "won", "name": "Bo"},
	}))
}

func TestFormatValue(t *testing.T) {
	var ts = time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339Nano)

	require.Equal(t, "3 hours ago", formatValue(ts, true))
	require.Equal(t, ts, formatValue(ts, false))
	require.Equal(t, "1,200.5", formatValue(1200.5, true))
	require.Equal(t, "1200.5", formatValue(1200.5, false))
	require.Equal(t, "", formatValue(nil, true))
	require.Equal(t, "true", formatValue(true, true))
	require.Equal(t, `{"a":1}`, formatValue(map[string]any{"a": 1}, true))
}
