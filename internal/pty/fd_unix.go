//go:build !windows

package pty

import (
	"os"
	"syscall"
)

// restoreNonblock puts the master back into non-blocking mode. creack/pty
// reaches the descriptor through (*os.File).Fd, which switches it to
// blocking and leaves read deadlines without effect.
func restoreNonblock(f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = syscall.SetNonblock(int(fd), true)
	}); err != nil {
		return err
	}
	return serr
}
