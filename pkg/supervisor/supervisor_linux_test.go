//go:build linux

package supervisor

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRefcount(t *testing.T) {
	sup1, ticket1, err := Acquire()
	require.NoError(t, err)
	sup2, ticket2, err := Acquire()
	require.NoError(t, err)
	assert.Same(t, sup1, sup2)

	sup1.Release(ticket1)
	// Release is idempotent per ticket.
	sup1.Release(ticket1)
	sup2.Release(ticket2)
}

func TestSpawnWaitExitCode(t *testing.T) {
	sup, ticket, err := Acquire()
	require.NoError(t, err)
	defer sup.Release(ticket)

	p, err := sup.Spawn(Options{
		Path: "/bin/sh",
		Argv: []string{"sh", "-c", "exit 42"},
	})
	require.NoError(t, err)
	require.NotZero(t, p.Handle())
	require.NotZero(t, p.Pid())

	code, err := sup.Wait(p)
	require.NoError(t, err)
	assert.Equal(t, int32(42), code)

	sup.Untrack(p)
}

func TestSpawnWaitForExit(t *testing.T) {
	sup, ticket, err := Acquire()
	require.NoError(t, err)
	defer sup.Release(ticket)

	start := time.Now()
	p, err := sup.Spawn(Options{
		Path:        "/bin/sh",
		Argv:        []string{"sh", "-c", "sleep 0.2"},
		WaitForExit: true,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	sup.Untrack(p)
}

func TestSpawnRegistersBeforeReturn(t *testing.T) {
	sup, ticket, err := Acquire()
	require.NoError(t, err)
	defer sup.Release(ticket)

	before := sup.Tracked()
	p, err := sup.Spawn(Options{
		Path: "/bin/sh",
		Argv: []string{"sh", "-c", "sleep 5"},
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, sup.Tracked())

	require.NoError(t, sup.Kill(p))
	_, err = sup.Wait(p)
	require.NoError(t, err)
	sup.Untrack(p)
	assert.Equal(t, before, sup.Tracked())
}

func TestSingleWaiter(t *testing.T) {
	sup, ticket, err := Acquire()
	require.NoError(t, err)
	defer sup.Release(ticket)

	p, err := sup.Spawn(Options{
		Path: "/bin/sh",
		Argv: []string{"sh", "-c", "exit 0"},
	})
	require.NoError(t, err)

	_, err = sup.Wait(p)
	require.NoError(t, err)

	_, err = sup.Wait(p)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	sup.Untrack(p)
}

func TestSpawnMissingBinary(t *testing.T) {
	sup, ticket, err := Acquire()
	require.NoError(t, err)
	defer sup.Release(ticket)

	_, err = sup.Spawn(Options{Path: "/does/not/exist"})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSpawnEmptyPath(t *testing.T) {
	sup, ticket, err := Acquire()
	require.NoError(t, err)
	defer sup.Release(ticket)

	_, err = sup.Spawn(Options{})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestReleaseKillsTracked(t *testing.T) {
	sup, ticket, err := Acquire()
	require.NoError(t, err)

	p, err := sup.Spawn(Options{
		Path: "/bin/sh",
		Argv: []string{"sh", "-c", "sleep 30"},
	})
	require.NoError(t, err)

	sup.Release(ticket)

	select {
	case <-p.done:
		// Killed during teardown.
	case <-time.After(5 * time.Second):
		t.Fatal("tracked process survived supervisor release")
	}
}
