package pty

import "time"

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID        uint32    `json:"id"`
	Shell     string    `json:"shell"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Exited    bool      `json:"exited"`
}

// SessionManager manages PTY session lifecycles. Identifiers are issued in
// strictly increasing order and never reused.
type SessionManager interface {
	Create() (uint32, error)
	Write(id uint32, data []byte) error
	Read(id uint32) ([]byte, error)
	Resize(id uint32, cols, rows uint16) error
	Close(id uint32) error
	Get(id uint32) (SessionInfo, error)
	List() []SessionInfo
	CloseAll()
}
