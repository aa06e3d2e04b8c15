//go:build linux
// +build linux

package session

import (
	"net"
	"unsafe"

	"github.com/palantir/stacktrace"
	"golang.org/x/sys/unix"
)

// tcpMD5Sig mirrors the kernel tcp_md5sig structure used by the
// TCP_MD5SIG_EXT socket option.
// https://github.com/torvalds/linux/blob/v5.11-rc7/include/uapi/linux/tcp.h#L326
type tcpMD5Sig struct {
	ssFamily  uint16
	ss        [126]byte
	flags     uint8
	prefixLen uint8
	keyLen    uint16
	ifIndex   uint32 // nolint: structcheck
	key       [80]byte
}

func newTCPMD5Sig(fd int, address net.IP, prefixLen uint8, key string) (tcpMD5Sig, error) {
	sig := tcpMD5Sig{
		flags: unix.TCP_MD5SIG_FLAG_PREFIX,
	}
	if len(key) > unix.TCP_MD5SIG_MAXKEYLEN {
		return sig, stacktrace.NewError("md5 secret longer than <%d> bytes", unix.TCP_MD5SIG_MAXKEYLEN)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return sig, stacktrace.Propagate(err, "fail to read socket name")
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		if address.To4() == nil {
			return sig, stacktrace.NewError("cannot set an md5 secret for <%s> on an ipv4 socket", address)
		}
		sig.ssFamily = unix.AF_INET
		copy(sig.ss[2:], address.To4())
	case *unix.SockaddrInet6:
		if address.To16() == nil {
			return sig, stacktrace.NewError("cannot set an md5 secret for <%s> on an ipv6 socket", address)
		}
		sig.ssFamily = unix.AF_INET6
		// ipv4-mapped ipv6 is valid on an AF_INET6 wildcard socket, so the
		// address is always carried as 16 bytes.
		copy(sig.ss[6:], address.To16())
	default:
		return sig, stacktrace.NewError("unknown socket type")
	}
	sig.prefixLen = prefixLen
	sig.keyLen = uint16(len(key))
	copy(sig.key[0:], []byte(key))
	return sig, nil
}

// setTCPMD5Signature sets a TCP MD5 signature secret on a socket for the
// given peer address. Prefix length is ignored on kernels < 4.13.
// https://tools.ietf.org/html/rfc2385
func setTCPMD5Signature(fd int, address net.IP, prefixLen uint8, key string) error {
	sig, err := newTCPMD5Sig(fd, address, prefixLen, key)
	if err != nil {
		return err
	}
	b := *(*[unsafe.Sizeof(sig)]byte)(unsafe.Pointer(&sig))
	err = unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_MD5SIG_EXT, string(b[:]))
	if err != nil {
		return stacktrace.Propagate(err, "fail to set TCP_MD5SIG_EXT")
	}
	return nil
}
