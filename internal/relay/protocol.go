package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// maxFrameSize is the maximum payload of a single frame (16 MB).
	maxFrameSize = 16 << 20

	// lengthPrefixSize is the size of the frame length prefix in bytes.
	lengthPrefixSize = 4

	// statusOK and statusError tag a response frame.
	statusOK    byte = 0
	statusError byte = 1
)

// RemoteError is a request failure reported by the remote handler.
type RemoteError struct {
	Message string // Message is the handler's error text
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// writeFrame writes a length-prefixed frame.
// Format: [4 bytes big-endian length] [payload]
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}

// writeResponse writes a response frame carrying either data or the handler error.
func writeResponse(w io.Writer, data []byte, handlerErr error) error {
	if handlerErr != nil {
		return writeFrame(w, append([]byte{statusError}, handlerErr.Error()...))
	}

	return writeFrame(w, append([]byte{statusOK}, data...))
}

// readResponse reads a response frame, turning an error status into a RemoteError.
func readResponse(r io.Reader) ([]byte, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	if len(frame) == 0 {
		return nil, fmt.Errorf("empty response frame")
	}

	switch frame[0] {
	case statusOK:
		return frame[1:], nil
	case statusError:
		return nil, &RemoteError{Message: string(frame[1:])}
	default:
		return nil, fmt.Errorf("unknown response status %d", frame[0])
	}
}
