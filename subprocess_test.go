package subprocess

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func resolvedPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	require.NoError(t, err)
	return path
}

func newParams(t *testing.T, name string, args ...string) Params {
	t.Helper()
	values := make([]Arg, len(args))
	for i, a := range args {
		values[i] = ArgString(a)
	}
	return Params{
		ExecutablePath: resolvedPath(t, name),
		Arguments:      Arguments{Values: values},
		Environment:    InheritWithOverrides(),
		Stdin:          StdinNone(),
		Stdout:         StreamDiscard(),
		Stderr:         StreamDiscard(),
	}
}

func TestWaitReturnsExitStatusOnNormalExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "true"))
	require.NoError(t, err)

	status, err := sub.Wait(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, status)
	_, exited := status.Exited()
	require.True(t, exited)
}

func TestWaitReturnsNonZeroExitStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "false"))
	require.NoError(t, err)

	status, err := sub.Wait(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, status)
}

func TestWaitFastPathAfterTermination(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "true"))
	require.NoError(t, err)

	_, err = sub.Wait(ctx)
	require.NoError(t, err)

	// A second Wait after termination takes the cached fast path; it must
	// not block or register a waiter.
	status, err := sub.Wait(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, status)
}

func TestWaitMultipleWaitersAllResumed(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "sleep", "0.2"))
	require.NoError(t, err)

	results := make(chan ExitStatus, 3)
	for i := 0; i < 3; i++ {
		go func() {
			status, err := sub.Wait(ctx)
			require.NoError(t, err)
			results <- status
		}()
	}

	for i := 0; i < 3; i++ {
		select {
		case status := <-results:
			require.EqualValues(t, 0, status)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a waiter to resume")
		}
	}
}

func TestWaitLateCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	sub, err := New(context.Background(), newParams(t, "sleep", "86400"))
	require.NoError(t, err)
	defer func() { _, _ = sub.Kill(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = sub.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminateThenWaitReportsSignalDeath(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "sleep", "86400"))
	require.NoError(t, err)

	sent, err := sub.Terminate(ctx)
	require.NoError(t, err)
	require.True(t, sent)

	status, err := sub.Wait(ctx)
	require.NoError(t, err)
	_, signaled := status.Signaled()
	require.True(t, signaled)
	require.EqualValues(t, -int32(unix.SIGTERM), status)
}

func TestSendSignalAfterTerminationIsFalseNoError(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "true"))
	require.NoError(t, err)

	_, err = sub.Wait(ctx)
	require.NoError(t, err)

	sent, err := sub.SendSignal(ctx, unix.SIGTERM)
	require.NoError(t, err)
	require.False(t, sent)
}

func TestNewMissingExecutableReturnsExecInitError(t *testing.T) {
	ctx := context.Background()
	params := Params{
		ExecutablePath: "/no/such/executable/anywhere",
		Environment:    InheritWithOverrides(),
		Stdin:          StdinNone(),
		Stdout:         StreamDiscard(),
		Stderr:         StreamDiscard(),
	}
	_, err := New(ctx, params)
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	require.Equal(t, StageExec, initErr.Stage)
}

func TestReadOutputAndWaitCollectsStdout(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	params := newParams(t, "echo", "-n", "hello")
	params.Stdout = StreamPipeToParent(0)

	sub, err := New(ctx, params)
	require.NoError(t, err)

	out, err := sub.ReadOutputAndWait(ctx, true, false)
	require.NoError(t, err)

	want := CollectedOutput{ExitStatus: 0, Stdout: []byte("hello"), Stderr: nil}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("collected output mismatch (-want +got):\n%s", diff)
	}
}

func TestReadOutputAndWaitHandlesLargeOutputWithoutDeadlock(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	params := newParams(t, "sh", "-c", "head -c 200000 /dev/zero")
	params.Stdout = StreamPipeToParent(0)

	sub, err := New(ctx, params)
	require.NoError(t, err)

	out, err := sub.ReadOutputAndWait(ctx, true, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, out.ExitStatus)
	require.Len(t, out.Stdout, 200000)
}

func TestStdinPipeRoundTripWithWc(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	params := newParams(t, "wc", "-l")
	params.Stdin = StdinPipeFromParent(0)
	params.Stdout = StreamPipeToParent(0)

	sub, err := New(ctx, params)
	require.NoError(t, err)

	_, _, err = sub.Stdin.WriteAll(ctx, []byte("a\nb\nc\n"))
	require.NoError(t, err)
	require.NoError(t, sub.Stdin.Close())

	out, err := sub.ReadOutputAndWait(ctx, true, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, out.ExitStatus)
	require.Equal(t, "3", string(bytes.TrimSpace(out.Stdout)))
}

func TestTerminateAfterKillsRegardlessOfBodyOutcome(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "sleep", "86400"))
	require.NoError(t, err)

	result, err := TerminateAfter(ctx, sub, unix.SIGKILL, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)

	status, err := sub.Wait(context.Background())
	require.NoError(t, err)
	_, signaled := status.Signaled()
	require.True(t, signaled)
}

func TestTerminateAfterPreservesBodyError(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "sleep", "86400"))
	require.NoError(t, err)

	bodyErr := context.Canceled
	_, err = TerminateAfter(ctx, sub, unix.SIGKILL, func(ctx context.Context) (int, error) {
		return 0, bodyErr
	})
	require.ErrorIs(t, err, bodyErr)
}

func TestStringReflectsState(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	sub, err := New(ctx, newParams(t, "true"))
	require.NoError(t, err)
	require.Contains(t, sub.String(), "running")

	_, err = sub.Wait(ctx)
	require.NoError(t, err)
	require.Contains(t, sub.String(), "terminated")
}
