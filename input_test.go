package subprocess

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hashicorp/go-subprocess/internal/pipeio"
)

func newPipePair(t *testing.T) (*Input, *Output) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, pipeio.SetNonblocking(fds[0]))
	require.NoError(t, pipeio.SetNonblocking(fds[1]))
	return newInput(fds[1]), newOutput(fds[0])
}

func TestInputWriteRoundTrip(t *testing.T) {
	in, out := newPipePair(t)
	defer in.Close()
	defer out.Close()

	ctx := context.Background()
	n, wouldBlock, err := in.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	require.False(t, wouldBlock)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	got, wouldBlock, err := out.Read(ctx, buf)
	require.NoError(t, err)
	require.False(t, wouldBlock)
	require.Equal(t, "hello", string(buf[:got]))
}

func TestInputWriteTextEncodesNulTerminator(t *testing.T) {
	in, out := newPipePair(t)
	defer in.Close()
	defer out.Close()

	ctx := context.Background()
	n, wouldBlock, err := in.WriteText(ctx, "hi")
	require.NoError(t, err)
	require.False(t, wouldBlock)
	require.Equal(t, 3, n)

	buf := make([]byte, 16)
	got, _, err := out.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hi\x00"), buf[:got])
}

func TestInputCloseIsIdempotent(t *testing.T) {
	in, out := newPipePair(t)
	defer out.Close()

	require.NoError(t, in.Close())
	require.NoError(t, in.Close())
}

func TestInputWriteAfterCloseFails(t *testing.T) {
	in, out := newPipePair(t)
	defer out.Close()
	require.NoError(t, in.Close())

	_, _, err := in.Write(context.Background(), []byte("x"))
	require.Error(t, err)
}

func TestInputWriteRespectsCancellation(t *testing.T) {
	in, out := newPipePair(t)
	defer in.Close()
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := in.Write(ctx, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}
