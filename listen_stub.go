//go:build !unix

package rpcbridge

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
