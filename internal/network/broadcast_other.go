//go:build !unix

package network

import "syscall"

// Broadcast permission is left at the platform default here.
func enableBroadcast(_, _ string, _ syscall.RawConn) error { return nil }
