//go:build !unix

package proxy

import "syscall"

func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
