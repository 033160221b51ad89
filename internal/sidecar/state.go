package sidecar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PortMarker prefixes the single stdout line a backend prints once its
// listener is bound.
const PortMarker = "MUX_SERVER_PORT:"

// State is the supervisor's view of the backend process.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{NotStarted, Starting, Running, Terminated} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown backend state %q", text)
}

// Status is a consistent snapshot of the supervisor.
type Status struct {
	State      State     `json:"state"`
	Port       uint16    `json:"port"`
	PID        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastExit   *int      `json:"last_exit_code"`
}

// ParsePort extracts the port from a marker line. Surrounding whitespace
// is ignored; port 0 and anything outside 1-65535 are rejected.
func ParsePort(line string) (uint16, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), PortMarker)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint16(n), true
}
