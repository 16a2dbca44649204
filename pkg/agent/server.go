package agent

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chefbuild/containerv/pkg/log"
)

// maxReadChunk caps a single file_read_b64 transfer when the caller
// does not bound it.
const maxReadChunk = 1 << 20

// job is one process spawned on behalf of the host.
type job struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int32
}

// Server is the guest side of the pid1d protocol. It reads requests
// from r, dispatches them, and writes one response per request to w in
// order.
type Server struct {
	mu     sync.Mutex
	jobs   map[uint64]*job
	nextID uint64
	logger *zerolog.Logger
}

// NewServer creates an idle server.
func NewServer() *Server {
	return &Server{
		jobs:   make(map[uint64]*job),
		nextID: 1,
		logger: log.WithComponent("pid1d"),
	}
}

// Serve processes requests until r is exhausted or a transport error
// occurs. Malformed request lines terminate the session.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF && line == "" {
			return nil
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("read request: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return fmt.Errorf("malformed request: %w", err)
		}

		resp := s.dispatch(req)
		payload, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if _, err := w.Write(append(payload, '\n')); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func errorResponse(format string, args ...interface{}) Response {
	return Response{Ok: false, Error: fmt.Sprintf(format, args...)}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpPing:
		return Response{Ok: true}
	case OpSpawn:
		return s.handleSpawn(req)
	case OpWait:
		return s.handleWait(req)
	case OpKill:
		return s.handleKill(req)
	case OpFileRead:
		return s.handleFileRead(req)
	case OpFileWrite:
		return s.handleFileWrite(req)
	default:
		return errorResponse("unknown op %q", req.Op)
	}
}

func (s *Server) handleSpawn(req Request) Response {
	if req.Command == "" {
		return errorResponse("spawn: command is required")
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = req.Env
	if len(cmd.Env) == 0 {
		cmd.Env = os.Environ()
	}

	if err := cmd.Start(); err != nil {
		return errorResponse("spawn %s: %v", req.Command, err)
	}

	j := &job{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.jobs[id] = j
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if exit, ok := err.(*exec.ExitError); ok {
			j.exitCode = int32(exit.ExitCode())
		} else if err != nil {
			j.exitCode = -1
		}
		close(j.done)
	}()

	s.logger.Debug().Uint64("id", id).Str("command", req.Command).Msg("spawned")

	if req.Wait {
		<-j.done
		return Response{Ok: true, ID: id, ExitCode: j.exitCode}
	}
	return Response{Ok: true, ID: id}
}

func (s *Server) handleWait(req Request) Response {
	s.mu.Lock()
	j, ok := s.jobs[req.ID]
	s.mu.Unlock()
	if !ok {
		return errorResponse("wait: unknown job %d", req.ID)
	}

	<-j.done
	return Response{Ok: true, ID: req.ID, ExitCode: j.exitCode}
}

func (s *Server) handleKill(req Request) Response {
	s.mu.Lock()
	j, ok := s.jobs[req.ID]
	if ok && req.Reap {
		delete(s.jobs, req.ID)
	}
	s.mu.Unlock()
	if !ok {
		return errorResponse("kill: unknown job %d", req.ID)
	}

	select {
	case <-j.done:
		// Already exited; nothing to signal.
	default:
		if err := j.cmd.Process.Kill(); err != nil {
			return errorResponse("kill job %d: %v", req.ID, err)
		}
	}
	return Response{Ok: true, ID: req.ID}
}

func (s *Server) handleFileRead(req Request) Response {
	if req.Path == "" {
		return errorResponse("file_read_b64: path is required")
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return errorResponse("open %s: %v", req.Path, err)
	}
	defer f.Close()

	if req.Offset > 0 {
		if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
			return errorResponse("seek %s: %v", req.Path, err)
		}
	}

	max := req.MaxBytes
	if max <= 0 || max > maxReadChunk {
		max = maxReadChunk
	}

	buf := make([]byte, max)
	n, err := io.ReadFull(f, buf)
	eof := false
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		eof = true
	} else if err != nil {
		return errorResponse("read %s: %v", req.Path, err)
	}

	// Peek one byte to distinguish a full read that ends exactly at EOF.
	if !eof {
		var probe [1]byte
		if _, perr := f.Read(probe[:]); perr == io.EOF {
			eof = true
		} else if perr == nil {
			if _, serr := f.Seek(-1, io.SeekCurrent); serr != nil {
				return errorResponse("seek %s: %v", req.Path, serr)
			}
		}
	}

	return Response{
		Ok:    true,
		Bytes: uint64(n),
		EOF:   eof,
		Data:  base64.StdEncoding.EncodeToString(buf[:n]),
	}
}

func (s *Server) handleFileWrite(req Request) Response {
	if req.Path == "" {
		return errorResponse("file_write_b64: path is required")
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return errorResponse("file_write_b64: bad data: %v", err)
	}

	if req.Mkdirs {
		if err := os.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
			return errorResponse("mkdirs %s: %v", req.Path, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if req.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(req.Path, flags, 0644)
	if err != nil {
		return errorResponse("open %s: %v", req.Path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errorResponse("write %s: %v", req.Path, err)
	}
	if err := f.Close(); err != nil {
		return errorResponse("close %s: %v", req.Path, err)
	}
	return Response{Ok: true, Bytes: uint64(len(data))}
}
