//go:build unix

package procmgr

import (
	"syscall"

	"golang.org/x/sys/unix"
)

var signals = map[Action]syscall.Signal{
	ActionLoad:   unix.SIGUSR1,
	ActionReload: unix.SIGUSR2,
	ActionUnload: unix.SIGHUP,
}
