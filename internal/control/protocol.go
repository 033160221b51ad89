package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/pty"
	"github.com/peterje/muxhost/internal/sidecar"
)

// Frame types.
const (
	frameRequest  byte = 0x01
	frameResponse byte = 0x02
)

const maxFrameSize = 10 * 1024 * 1024

// Commands accepted by the host.
const (
	CmdPing      = "ping"
	CmdCreate    = "create"
	CmdWrite     = "write"
	CmdRead      = "read"
	CmdResize    = "resize"
	CmdClose     = "close"
	CmdList      = "list"
	CmdSpawn     = "spawn"
	CmdPort      = "port"
	CmdHealth    = "health"
	CmdTerminate = "terminate"
	CmdStatus    = "status"
)

// Request is one command sent on its own stream.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	SessionID uint32 `json:"session_id,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`

	SessionID uint32            `json:"session_id,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Port      uint16            `json:"port,omitempty"`
	Healthy   bool              `json:"healthy,omitempty"`
	Sessions  []pty.SessionInfo `json:"sessions,omitempty"`
	Status    *sidecar.Status   `json:"status,omitempty"`
}

// RemoteError is an error reported by the host. It matches the errs
// sentinels of its kind.
type RemoteError struct {
	Kind errs.Kind
	Msg  string
}

func (e *RemoteError) Error() string { return e.Msg }

func (e *RemoteError) Unwrap() error { return &errs.Error{Kind: e.Kind} }

func (r Response) err() error {
	if r.Error == "" {
		return nil
	}
	return &RemoteError{Kind: errs.ParseKind(r.Kind), Msg: r.Error}
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, Error: err.Error(), Kind: errs.KindOf(err).String()}
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][JSON payload]

func writeFrame(w io.Writer, frameType byte, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, want byte, into any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	if length == 0 {
		return fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if buf[0] != want {
		return fmt.Errorf("unexpected frame type 0x%02x", buf[0])
	}
	if err := json.Unmarshal(buf[1:], into); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
