//go:build !unix

package sockopt

import "syscall"

// IsSupported reports whether relay sockets get their options applied.
const IsSupported = false

func control(_, _ string, _ syscall.RawConn) error {
	return nil
}
