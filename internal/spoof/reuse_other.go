//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package spoof

import "syscall"

// No SO_REUSEPORT here; ReusePort.Send only succeeds when src is free.
func reuseControl(network, address string, c syscall.RawConn) error { return nil }
