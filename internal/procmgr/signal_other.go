//go:build !unix

package procmgr

import "syscall"

var signals = map[Action]syscall.Signal{}
