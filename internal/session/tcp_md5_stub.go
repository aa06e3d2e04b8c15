//go:build !linux
// +build !linux

package session

import (
	"net"

	"github.com/palantir/stacktrace"
)

// setTCPMD5Signature sets a TCP MD5 signature secret on a socket for the
// given peer address. Only supported on Linux.
// https://tools.ietf.org/html/rfc2385
func setTCPMD5Signature(fd int, address net.IP, prefixLen uint8, key string) error {
	return stacktrace.NewError("TCP MD5 signatures are only supported on linux")
}
