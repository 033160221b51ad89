// Package api implements the host's JSON HTTP handlers.
package api

import (
	"context"
	"encoding/json"

	"github.com/peterje/muxhost/internal/models"
	"github.com/peterje/muxhost/internal/pty"
	"github.com/peterje/muxhost/internal/sidecar"
)

// Host is the set of operations the handlers drive. *app.App implements it.
type Host interface {
	CreateSession() (uint32, error)
	WriteSession(id uint32, data []byte) error
	ReadSession(id uint32) ([]byte, error)
	ResizeSession(id uint32, cols, rows uint16) error
	CloseSession(id uint32) error
	GetSession(id uint32) (pty.SessionInfo, error)
	ListSessions() []pty.SessionInfo

	SpawnBackend() error
	BackendPort() uint16
	CheckBackendHealth(ctx context.Context) bool
	TerminateBackend() error
	BackendStatus() sidecar.Status
	Forward(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	Health() models.HealthResponse
	SystemInfo() models.SystemInfo
}
