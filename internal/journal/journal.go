// Package journal keeps a durable record of session and backend lifecycle
// transitions across host runs.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/events"
	"github.com/peterje/muxhost/internal/pty"
)

// Session statuses.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusOrphaned = "orphaned"
)

// Backend event kinds.
const (
	BackendSpawned    = "spawned"
	BackendReady      = "ready"
	BackendTerminated = "terminated"
)

type SessionRecord struct {
	RunID     string     `json:"run_id"`
	SessionID uint32     `json:"session_id"`
	Shell     string     `json:"shell"`
	PID       int        `json:"pid"`
	Status    string     `json:"status"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type BackendRecord struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"run_id"`
	Event    string    `json:"event"`
	PID      int       `json:"pid,omitempty"`
	Port     uint16    `json:"port,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

// SessionLookup resolves a live session's details.
type SessionLookup func(id uint32) (pty.SessionInfo, error)

// Journal writes lifecycle rows for one host run.
type Journal struct {
	db    *sql.DB
	runID string
	log   *zap.Logger
}

// New registers a new run and returns its journal.
func New(database *sql.DB, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{db: database, runID: uuid.NewString(), log: logger}
	_, err := database.Exec(`INSERT INTO runs (id, pid, started_at) VALUES (?, ?, ?)`,
		j.runID, os.Getpid(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("register run: %w", err)
	}
	return j, nil
}

func (j *Journal) RunID() string { return j.runID }

// MarkOrphaned flags sessions left open by earlier runs. Their shells died
// with the host that owned them.
func (j *Journal) MarkOrphaned() (int64, error) {
	now := time.Now().UTC()
	result, err := j.db.Exec(`UPDATE sessions SET status = ?, closed_at = ? WHERE status = ? AND run_id != ?`,
		StatusOrphaned, now, StatusOpen, j.runID)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned: %w", err)
	}
	n, _ := result.RowsAffected()

	if _, err := j.db.Exec(`UPDATE runs SET stopped_at = ? WHERE stopped_at IS NULL AND id != ?`, now, j.runID); err != nil {
		return n, fmt.Errorf("close stale runs: %w", err)
	}
	if n > 0 {
		j.log.Info("marked orphaned sessions", zap.Int64("count", n))
	}
	return n, nil
}

func (j *Journal) SessionOpened(info pty.SessionInfo) error {
	opened := info.StartedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	_, err := j.db.Exec(`INSERT OR REPLACE INTO sessions (run_id, session_id, shell, pid, status, opened_at) VALUES (?, ?, ?, ?, ?, ?)`,
		j.runID, info.ID, info.Shell, info.PID, StatusOpen, opened.UTC())
	if err != nil {
		return fmt.Errorf("record session %d opened: %w", info.ID, err)
	}
	return nil
}

func (j *Journal) SessionClosed(id uint32) error {
	_, err := j.db.Exec(`UPDATE sessions SET status = ?, closed_at = ? WHERE run_id = ? AND session_id = ? AND status = ?`,
		StatusClosed, time.Now().UTC(), j.runID, id, StatusOpen)
	if err != nil {
		return fmt.Errorf("record session %d closed: %w", id, err)
	}
	return nil
}

// Backend records a backend lifecycle event.
func (j *Journal) Backend(event string, pid int, port uint16, code *int) error {
	var exit sql.NullInt64
	if code != nil {
		exit = sql.NullInt64{Int64: int64(*code), Valid: true}
	}
	_, err := j.db.Exec(`INSERT INTO backend_events (run_id, event, pid, port, exit_code, at) VALUES (?, ?, ?, ?, ?, ?)`,
		j.runID, event, pid, port, exit, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record backend %s: %w", event, err)
	}
	return nil
}

// Sessions returns the most recently opened sessions across all runs.
func (j *Journal) Sessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`SELECT run_id, session_id, shell, pid, status, opened_at, closed_at
		FROM sessions ORDER BY opened_at DESC, session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		var closed sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.SessionID, &rec.Shell, &rec.PID, &rec.Status, &rec.OpenedAt, &closed); err != nil {
			return nil, err
		}
		if closed.Valid {
			t := closed.Time
			rec.ClosedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BackendEvents returns the most recent backend events, newest first.
func (j *Journal) BackendEvents(limit int) ([]BackendRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`SELECT id, run_id, event, pid, port, exit_code, at
		FROM backend_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []BackendRecord{}
	for rows.Next() {
		var rec BackendRecord
		var exit sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Event, &rec.PID, &rec.Port, &exit, &rec.At); err != nil {
			return nil, err
		}
		if exit.Valid {
			code := int(exit.Int64)
			rec.ExitCode = &code
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Consume records bus events until ch closes or ctx is done.
func (j *Journal) Consume(ctx context.Context, ch <-chan events.Event, lookup SessionLookup) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := j.record(ev, lookup); err != nil {
				j.log.Warn("journal write failed", zap.String("event", ev.Name), zap.Error(err))
			}
		}
	}
}

func (j *Journal) record(ev events.Event, lookup SessionLookup) error {
	switch ev.Name {
	case events.TerminalCreated:
		id, ok := ev.Payload.(uint32)
		if !ok {
			return nil
		}
		info := pty.SessionInfo{ID: id, StartedAt: ev.At}
		if lookup != nil {
			if live, err := lookup(id); err == nil {
				info = live
			}
		}
		return j.SessionOpened(info)
	case events.TerminalClosed:
		id, ok := ev.Payload.(uint32)
		if !ok {
			return nil
		}
		return j.SessionClosed(id)
	case events.BackendSpawned:
		pid, _ := ev.Payload.(int)
		return j.Backend(BackendSpawned, pid, 0, nil)
	case events.BackendReady:
		port, _ := ev.Payload.(uint16)
		return j.Backend(BackendReady, 0, port, nil)
	case events.BackendTerminated:
		code, _ := ev.Payload.(*int)
		return j.Backend(BackendTerminated, 0, 0, code)
	}
	return nil
}

// Stop marks the run finished.
func (j *Journal) Stop() error {
	_, err := j.db.Exec(`UPDATE runs SET stopped_at = ? WHERE id = ?`, time.Now().UTC(), j.runID)
	return err
}
