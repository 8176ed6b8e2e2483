package modelq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ModelsLab/modelq-go/internal/hctx"
)

func TestHandlerCtx_NoopOutsideWorker(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, SetProgress(ctx, 0.5, "halfway"))
	require.False(t, IsCancelled(ctx))
	require.Empty(t, TaskID(ctx))
}

func TestHandlerCtx_ClampAndDelegate(t *testing.T) {
	var gotProgress float64
	var gotMessage string
	cancelled := false

	st := &hctx.State{
		TaskID: "t-1",
		PutProgress: func(p float64, msg string) error {
			gotProgress = p
			gotMessage = msg
			return nil
		},
		Cancelled: func() bool { return cancelled },
	}
	ctx := hctx.WithState(context.Background(), st)

	require.Equal(t, "t-1", TaskID(ctx))

	require.NoError(t, SetProgress(ctx, -0.3, "under"))
	require.Equal(t, 0.0, gotProgress)

	require.NoError(t, SetProgress(ctx, 1.7, "over"))
	require.Equal(t, 1.0, gotProgress)
	require.Equal(t, "over", gotMessage)

	require.False(t, IsCancelled(ctx))
	cancelled = true
	require.True(t, IsCancelled(ctx))
}
