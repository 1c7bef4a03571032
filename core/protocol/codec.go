// Package protocol implements the framed request/response format spoken between
// the serving process and a model worker over its local socket.
//
// Every message is a 4-byte big-endian length followed by a body. A request body is
// COMMAND + Separator + payload, a response body is STATUS + Separator + payload.
// Bodies are split on the first Separator only, so payload bytes are opaque.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Separator delimits the head of a body from its payload and joins path lists.
// NUL cannot occur in a POSIX path.
const Separator = "\x00"

// Command selects the worker stage to run
type Command string

const (
	CmdPreprocess  Command = "PREPROCESS"
	CmdInference   Command = "INFERENCE"
	CmdPostprocess Command = "POSTPROCESS"
)

// Status is the head of a response body
type Status string

const (
	StatusOK  Status = "OK"
	StatusErr Status = "ERR"
)

// MaxFrameSize guards against a corrupt length prefix; it is far above any real payload.
const MaxFrameSize = 1 << 31

var (
	ErrSeparatorInPath = errors.New("path contains the protocol separator")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// ProtocolError is a failure reported by the worker itself, either as an ERR
// response or through its error artifact. Error returns the diagnostic verbatim.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// Valid reports whether c is a known command
func (c Command) Valid() bool {
	switch c {
	case CmdPreprocess, CmdInference, CmdPostprocess:
		return true
	}
	return false
}

// WriteFrame writes one length-prefixed body
func WriteFrame(w io.Writer, body []byte) error {
	if uint64(len(body)) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed body
func ReadFrame(r io.Reader) ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if uint64(length) > MaxFrameSize {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedFrame, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// EncodeRequest builds a request body
func EncodeRequest(cmd Command, payload []byte) []byte {
	return encode(string(cmd), payload)
}

// EncodeResponse builds a response body
func EncodeResponse(status Status, payload []byte) []byte {
	return encode(string(status), payload)
}

func encode(head string, payload []byte) []byte {
	body := make([]byte, 0, len(head)+len(Separator)+len(payload))
	body = append(body, head...)
	body = append(body, Separator...)
	return append(body, payload...)
}

// DecodeRequest splits a request body into command and payload
func DecodeRequest(body []byte) (Command, []byte, error) {
	head, payload, err := split(body)
	if err != nil {
		return "", nil, err
	}

	cmd := Command(head)
	if !cmd.Valid() {
		return "", nil, fmt.Errorf("%w: unknown command %q", ErrMalformedFrame, head)
	}
	return cmd, payload, nil
}

// DecodeResponse splits a response body. An ERR response is returned as a
// *ProtocolError carrying the payload text.
func DecodeResponse(body []byte) ([]byte, error) {
	head, payload, err := split(body)
	if err != nil {
		return nil, err
	}

	switch Status(head) {
	case StatusOK:
		return payload, nil
	case StatusErr:
		return nil, &ProtocolError{Message: string(payload)}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedFrame, head)
	}
}

func split(body []byte) (string, []byte, error) {
	head, payload, found := bytes.Cut(body, []byte(Separator))
	if !found {
		return "", nil, fmt.Errorf("%w: missing separator", ErrMalformedFrame)
	}
	return string(head), payload, nil
}

// JoinPaths joins local paths into a preprocess payload
func JoinPaths(paths []string) ([]byte, error) {
	for _, p := range paths {
		if strings.Contains(p, Separator) {
			return nil, fmt.Errorf("%w: %q", ErrSeparatorInPath, p)
		}
	}
	return []byte(strings.Join(paths, Separator)), nil
}

// SplitPaths is the inverse of JoinPaths
func SplitPaths(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	return strings.Split(string(payload), Separator)
}
