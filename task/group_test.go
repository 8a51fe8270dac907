package task

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFirstErrorCancelsGroup(t *testing.T) {
	var g = NewGroup(context.Background())

	g.Queue("waits", func() error {
		<-g.Context().Done()
		return g.Context().Err()
	})
	g.Queue("fails", func() error { return errors.New("whoops") })
	g.GoRun()

	require.EqualError(t, g.Wait(), "fails: whoops")
	require.Equal(t, context.Canceled, g.Context().Err())
}

func TestCancellationIsNotAnError(t *testing.T) {
	var g = NewGroup(context.Background())

	for _, desc := range []string{"leads", "tasks"} {
		g.Queue(desc, func() error {
			<-g.Context().Done()
			return g.Context().Err()
		})
	}
	g.GoRun()
	g.Cancel()

	require.NoError(t, g.Wait())
}

func TestMisuse(t *testing.T) {
	var g = NewGroup(context.Background())

	require.Panics(t, func() { g.Wait() })
	g.GoRun()
	require.Panics(t, func() { g.GoRun() })
	require.Panics(t, func() { g.Queue("late", func() error { return nil }) })
	require.NoError(t, g.Wait())
}
