package models

import (
	"time"

	"github.com/peterje/muxhost/internal/pty"
	"github.com/peterje/muxhost/internal/sidecar"
)

// ToolStatus reports whether an executable the host depends on resolves.
type ToolStatus struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status   string         `json:"status"`
	Sessions int            `json:"sessions"`
	Backend  sidecar.Status `json:"backend"`
	Tools    []ToolStatus   `json:"tools"`
}

type SystemInfo struct {
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	GoVersion string    `json:"go_version"`
	Shell     string    `json:"shell"`
	StartedAt time.Time `json:"started_at"`
}

type SessionCreated struct {
	ID uint32 `json:"id"`
}

type SessionList struct {
	Sessions []pty.SessionInfo `json:"sessions"`
}

type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type PortResponse struct {
	Port uint16 `json:"port"`
}

type BackendHealth struct {
	Healthy bool   `json:"healthy"`
	Port    uint16 `json:"port"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StreamMessage is a text frame on a terminal websocket.
type StreamMessage struct {
	Type string        `json:"type"`
	Data ResizeRequest `json:"data"`
}
