//go:build !unix

package internal

import "syscall"

func broadcastControl(network, address string, c syscall.RawConn) error {
	return nil
}
