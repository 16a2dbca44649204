package agent

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/chefbuild/containerv/pkg/metrics"
)

// PingTimeout bounds how long session startup waits for the guest
// agent to answer its first ping.
const PingTimeout = 5 * time.Second

// Session is the host side of a pid1d connection, carried over the
// stdio of the guest agent process. The round-trip mutex serialises
// callers so at most one request is in flight and responses are
// matched FIFO. Session death is tracked separately so teardown never
// waits behind a blocked round trip.
type Session struct {
	// mu serialises request/response round trips and is held across
	// the transport I/O by design
	mu sync.Mutex
	w  io.WriteCloser
	r  *bufio.Reader

	// stateMu guards the death flag only; never held during I/O
	stateMu sync.Mutex
	reason  error
}

// NewSession wraps the agent's stdio pipe. Call Start before issuing
// operations.
func NewSession(r io.Reader, w io.WriteCloser) *Session {
	return &Session{
		w: w,
		r: bufio.NewReader(r),
	}
}

// failed returns the death reason, or nil while the session is usable.
func (s *Session) failed() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.reason
}

// markDead records the first failure; later failures keep the original
// reason.
func (s *Session) markDead(reason error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.reason == nil {
		s.reason = reason
	}
}

// Start verifies liveness with a ping. The guest must answer within
// PingTimeout or the session is torn down.
func (s *Session) Start() error {
	ch := make(chan error, 1)
	go func() {
		ch <- s.Ping()
	}()

	select {
	case err := <-ch:
		return err
	case <-time.After(PingTimeout):
		s.markDead(fmt.Errorf("agent ping deadline exceeded: %w", context.DeadlineExceeded))
		s.w.Close()
		return fmt.Errorf("agent session startup: %w", context.DeadlineExceeded)
	}
}

// Close tears the session down. Subsequent operations fail.
func (s *Session) Close() error {
	s.markDead(fmt.Errorf("agent session closed: %w", errdefs.ErrUnavailable))
	return s.w.Close()
}

// Dead reports whether the session can no longer carry requests.
func (s *Session) Dead() bool {
	return s.failed() != nil
}

// roundTrip writes one request line and reads one response line. Any
// transport or decode failure marks the session dead.
func (s *Session) roundTrip(req Request) (Response, error) {
	if err := s.failed(); err != nil {
		return Response{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have died while we queued behind another caller.
	if err := s.failed(); err != nil {
		return Response{}, err
	}

	metrics.AgentRequests.WithLabelValues(string(req.Op)).Inc()

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s request: %v: %w", req.Op, err, errdefs.ErrInvalidArgument)
	}
	if _, err := s.w.Write(append(payload, '\n')); err != nil {
		s.markDead(fmt.Errorf("agent session write: %v: %w", err, errdefs.ErrUnavailable))
		return Response{}, s.failed()
	}

	line, err := s.r.ReadString('\n')
	if err != nil {
		s.markDead(fmt.Errorf("agent session read: %v: %w", err, errdefs.ErrUnavailable))
		return Response{}, s.failed()
	}
	line = strings.TrimRight(line, "\r\n")

	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		s.markDead(fmt.Errorf("agent response malformed: %v: %w", err, errdefs.ErrFailedPrecondition))
		return Response{}, s.failed()
	}

	if !resp.Ok {
		return resp, fmt.Errorf("agent %s failed: %s: %w", req.Op, resp.Error, errdefs.ErrUnavailable)
	}
	return resp, nil
}

// Ping checks session liveness.
func (s *Session) Ping() error {
	_, err := s.roundTrip(Request{Op: OpPing})
	return err
}

// Spawn starts a process inside the guest and returns its opaque job
// id. When wait is set the agent holds the response until the process
// exits and the exit code is returned alongside the id.
func (s *Session) Spawn(command string, args, env []string, wait bool) (uint64, int32, error) {
	resp, err := s.roundTrip(Request{
		Op:      OpSpawn,
		Command: command,
		Args:    args,
		Env:     env,
		Wait:    wait,
	})
	if err != nil {
		return 0, 0, err
	}
	return resp.ID, resp.ExitCode, nil
}

// Wait blocks until the guest job exits and returns its exit code.
func (s *Session) Wait(id uint64) (int32, error) {
	resp, err := s.roundTrip(Request{Op: OpWait, ID: id})
	if err != nil {
		return 0, err
	}
	return resp.ExitCode, nil
}

// Kill terminates the guest job; when reap is set the agent forgets it
// entirely.
func (s *Session) Kill(id uint64, reap bool) error {
	_, err := s.roundTrip(Request{Op: OpKill, ID: id, Reap: reap})
	return err
}

// FileRead reads up to maxBytes from a guest file starting at offset.
func (s *Session) FileRead(path string, offset, maxBytes int64) ([]byte, bool, error) {
	resp, err := s.roundTrip(Request{
		Op:       OpFileRead,
		Path:     path,
		Offset:   offset,
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, false, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, false, fmt.Errorf("agent file data malformed: %v: %w", err, errdefs.ErrFailedPrecondition)
	}
	return data, resp.EOF, nil
}

// FileWrite writes data to a guest file, optionally appending and
// creating parent directories.
func (s *Session) FileWrite(path string, data []byte, appendTo, mkdirs bool) error {
	_, err := s.roundTrip(Request{
		Op:     OpFileWrite,
		Path:   path,
		Data:   base64.StdEncoding.EncodeToString(data),
		Append: appendTo,
		Mkdirs: mkdirs,
	})
	return err
}
