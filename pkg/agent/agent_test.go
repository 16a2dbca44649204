package agent

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoopback wires a Session to a real Server over in-memory pipes.
func startLoopback(t *testing.T) *Session {
	t.Helper()

	hostR, guestW := io.Pipe()
	guestR, hostW := io.Pipe()

	srv := NewServer()
	go func() {
		_ = srv.Serve(guestR, guestW)
		guestW.Close()
	}()

	sess := NewSession(hostR, hostW)
	require.NoError(t, sess.Start())
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestSessionPing(t *testing.T) {
	sess := startLoopback(t)
	require.NoError(t, sess.Ping())
	assert.False(t, sess.Dead())
}

func TestSessionSpawnWait(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	sess := startLoopback(t)

	id, _, err := sess.Spawn("/bin/sh", []string{"-c", "exit 7"}, nil, false)
	require.NoError(t, err)
	require.NotZero(t, id)

	code, err := sess.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, int32(7), code)
}

func TestSessionSpawnWithWait(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	sess := startLoopback(t)

	_, code, err := sess.Spawn("/bin/sh", []string{"-c", "exit 3"}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), code)
}

func TestSessionKillReap(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	sess := startLoopback(t)

	id, _, err := sess.Spawn("/bin/sh", []string{"-c", "sleep 30"}, nil, false)
	require.NoError(t, err)

	require.NoError(t, sess.Kill(id, true))

	// Reaped jobs are forgotten; a second wait fails.
	_, err = sess.Wait(id)
	assert.Error(t, err)
}

func TestSessionFileRoundTrip(t *testing.T) {
	sess := startLoopback(t)
	path := filepath.Join(t.TempDir(), "sub", "payload.bin")

	require.NoError(t, sess.FileWrite(path, []byte("hello guest"), false, true))

	data, eof, err := sess.FileRead(path, 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, "hello guest", string(data))
	assert.True(t, eof)
}

func TestSessionFileReadOffset(t *testing.T) {
	sess := startLoopback(t)
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	data, eof, err := sess.FileRead(path, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, "456", string(data))
	assert.False(t, eof)

	data, eof, err = sess.FileRead(path, 7, 16)
	require.NoError(t, err)
	assert.Equal(t, "789", string(data))
	assert.True(t, eof)
}

func TestSessionFileAppend(t *testing.T) {
	sess := startLoopback(t)
	path := filepath.Join(t.TempDir(), "f")

	require.NoError(t, sess.FileWrite(path, []byte("a"), false, false))
	require.NoError(t, sess.FileWrite(path, []byte("b"), true, false))

	data, _, err := sess.FileRead(path, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
}

func TestSessionConcurrentCallers(t *testing.T) {
	sess := startLoopback(t)
	dir := t.TempDir()

	// K concurrent callers must behave as if serialised: every request
	// gets exactly its own response.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			path := filepath.Join(dir, "f"+string(rune('a'+n)))
			payload := []byte{byte(n)}
			if err := sess.FileWrite(path, payload, false, false); err != nil {
				t.Error(err)
				return
			}
			data, _, err := sess.FileRead(path, 0, 16)
			if err != nil {
				t.Error(err)
				return
			}
			if len(data) != 1 || data[0] != byte(n) {
				t.Errorf("caller %d read %v", n, data)
			}
		}(i)
	}
	wg.Wait()
	assert.False(t, sess.Dead())
}

func TestSessionMalformedResponseKillsSession(t *testing.T) {
	hostR, fakeGuest := io.Pipe()
	discardR, hostW := io.Pipe()
	go io.Copy(io.Discard, discardR)

	go func() {
		fakeGuest.Write([]byte("not json at all\n"))
	}()

	sess := NewSession(hostR, hostW)
	err := sess.Ping()
	require.Error(t, err)
	assert.True(t, sess.Dead())

	// Subsequent operations fail without touching the transport.
	err = sess.Ping()
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestSessionErrorResponse(t *testing.T) {
	sess := startLoopback(t)

	_, err := sess.Wait(9999)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))

	// A clean protocol error does not kill the session.
	assert.False(t, sess.Dead())
	require.NoError(t, sess.Ping())
}

func TestServerUnknownOp(t *testing.T) {
	sess := startLoopback(t)

	_, err := sess.roundTrip(Request{Op: "bogus"})
	require.Error(t, err)
	assert.False(t, sess.Dead())
}

func TestSessionClosedTransport(t *testing.T) {
	hostR, guestW := io.Pipe()
	guestR, hostW := io.Pipe()
	sess := NewSession(hostR, hostW)

	guestW.Close()
	guestR.Close()

	err := sess.Ping()
	require.Error(t, err)
	assert.True(t, sess.Dead())
	assert.True(t, errdefs.IsUnavailable(err))
}
