package preflight

import (
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/models"
)

// Report is the outcome of the startup checks.
type Report struct {
	Shell   models.ToolStatus `json:"shell"`
	Backend models.ToolStatus `json:"backend"`
}

// OK reports whether terminal sessions can be created. A missing backend
// only disables backend features.
func (r Report) OK() bool { return r.Shell.Installed }

func (r Report) Tools() []models.ToolStatus {
	return []models.ToolStatus{r.Shell, r.Backend}
}

// CheckAll resolves the shell and backend executables and logs the result.
func CheckAll(shell, backend string, log *zap.Logger) Report {
	if log == nil {
		log = zap.NewNop()
	}
	r := Report{
		Shell:   check("shell", shell),
		Backend: check("backend", backend),
	}
	for _, tool := range r.Tools() {
		switch {
		case tool.Command == "":
			log.Info("preflight: not configured", zap.String("tool", tool.Name))
		case tool.Installed:
			log.Info("preflight: found", zap.String("tool", tool.Name), zap.String("path", tool.Path))
		default:
			log.Warn("preflight: not found", zap.String("tool", tool.Name), zap.String("command", tool.Command))
		}
	}
	return r
}

func check(name, command string) models.ToolStatus {
	st := models.ToolStatus{Name: name, Command: command}
	if command == "" {
		return st
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return st
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	st.Installed = true
	st.Path = path
	return st
}
