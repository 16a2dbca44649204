package agent

import (
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
)

// transferChunk is the unit of host/guest file transfer over the
// protocol. Base64 inflates each chunk by a third, so this stays well
// under typical pipe buffering.
const transferChunk = 256 * 1024

// WriteFileFromHost streams a host file into the guest through
// file_write_b64, creating parent directories on the guest side.
func (s *Session) WriteFileFromHost(hostPath, guestPath string) error {
	f, err := os.Open(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("transfer %s: %w", hostPath, errdefs.ErrNotFound)
		}
		return fmt.Errorf("transfer %s: %v: %w", hostPath, err, errdefs.ErrUnavailable)
	}
	defer f.Close()

	buf := make([]byte, transferChunk)
	first := true
	for {
		n, err := f.Read(buf)
		if n > 0 {
			// The first chunk truncates, the rest append.
			if werr := s.FileWrite(guestPath, buf[:n], !first, first); werr != nil {
				return werr
			}
			first = false
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("transfer %s: %v: %w", hostPath, err, errdefs.ErrUnavailable)
		}
	}

	if first {
		// Empty source still materialises an empty guest file.
		return s.FileWrite(guestPath, nil, false, true)
	}
	return nil
}

// ReadFileToHost streams a guest file onto the host through
// file_read_b64.
func (s *Session) ReadFileToHost(guestPath, hostPath string) error {
	f, err := os.OpenFile(hostPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("transfer %s: %v: %w", hostPath, err, errdefs.ErrUnavailable)
	}

	var offset int64
	for {
		data, eof, err := s.FileRead(guestPath, offset, transferChunk)
		if err != nil {
			f.Close()
			os.Remove(hostPath)
			return err
		}
		if len(data) > 0 {
			if _, err := f.Write(data); err != nil {
				f.Close()
				os.Remove(hostPath)
				return fmt.Errorf("transfer %s: %v: %w", hostPath, err, errdefs.ErrUnavailable)
			}
			offset += int64(len(data))
		}
		if eof {
			break
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("transfer %s: %v: %w", hostPath, err, errdefs.ErrUnavailable)
	}
	return nil
}
