package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.salesops.dev/core/codec"
)

func TestSQLiteRoundTrip(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "snapshots.db")

	var cache, err = OpenSQLite(path)
	require.NoError(t, err)

	_, err = cache.Load("leads")
	require.Equal(t, ErrNoSnapshot, err)

	var rows = []codec.Record{
		{"id": "1", "name": "Ana", "value": 12.5},
		{"id": "2", "name": "Bo", "tags": []any{"hot"}},
	}
	require.NoError(t, cache.Store("leads", rows))
	require.NoError(t, cache.Store("leads", rows[:1]))
	require.NoError(t, cache.Store("tasks", nil))
	require.NoError(t, cache.Close())

	// Snapshots persist across opens.
	cache, err = OpenSQLite(path)
	require.NoError(t, err)
	defer cache.Close()

	out, err := cache.Load("leads")
	require.NoError(t, err)
	require.Equal(t, rows[:1], out)

	out, err = cache.Load("tasks")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestMemoryCache(t *testing.T) {
	var cache Memory

	var _, err = cache.Load("goals")
	require.Equal(t, ErrNoSnapshot, err)

	var rows = []codec.Record{{"id": "g-1", "period": "2024-03"}}
	require.NoError(t, cache.Store("goals", rows))

	// Stored rows are copied.
	rows[0]["period"] = "changed"
	out, err := cache.Load("goals")
	require.NoError(t, err)
	require.Equal(t, []codec.Record{{"id": "g-1", "period": "2024-03"}}, out)
}

var _ Cache = (*SQLite)(nil)
var _ Cache = (*Memory)(nil)
