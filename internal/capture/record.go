/*
Package capture defines the on-disk record framing used by the rotating
message sink. Each record carries the receipt timestamp, the peer the
message came from and the raw message bytes, so that capture files can be
replayed sequentially without ambiguity.
*/
package capture

import (
	"encoding/binary"
	"io"
	"net/netip"
	"time"

	"github.com/palantir/stacktrace"
)

// recordHeadLen is the fixed part of a record: total length (4), receipt
// timestamp in unix microseconds (8) and peer address length (1).
const recordHeadLen = 13

// maxRecordLen bounds a record on read. A BGP message is at most 4096
// bytes; anything larger means a corrupt or foreign file.
const maxRecordLen = recordHeadLen + 255 + 4096

// Record is one captured BGP message queued for the sink. It is created the
// moment a session accepts a message and destroyed once durably written.
type Record struct {
	// ReceivedAt is the receipt time of the message.
	ReceivedAt time.Time
	// Peer is the remote address of the session that captured the message.
	Peer netip.Addr
	// Raw is the full wire frame of the message, header included.
	Raw []byte
}

// NewRecord returns a Record for a raw message frame received from peer at
// the given time.
func NewRecord(receivedAt time.Time, peer netip.Addr, raw []byte) Record {
	return Record{
		ReceivedAt: receivedAt,
		Peer:       peer,
		Raw:        raw,
	}
}

// Len returns the encoded size of the record in bytes.
func (r Record) Len() int {
	return recordHeadLen + len(r.Peer.AsSlice()) + len(r.Raw)
}

// Encode returns the wire form of the record:
// uint32 total length | int64 unix microseconds | uint8 addr length | addr | raw.
func (r Record) Encode() []byte {
	addr := r.Peer.AsSlice()
	b := make([]byte, 0, r.Len())
	b = binary.BigEndian.AppendUint32(b, uint32(r.Len()))
	b = binary.BigEndian.AppendUint64(b, uint64(r.ReceivedAt.UnixMicro()))
	b = append(b, uint8(len(addr)))
	b = append(b, addr...)
	return append(b, r.Raw...)
}

// ReadRecord reads the next record from rd. It returns io.EOF when the
// reader is exhausted on a record boundary.
func ReadRecord(rd io.Reader) (Record, error) {
	var head [recordHeadLen]byte
	if _, err := io.ReadFull(rd, head[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, stacktrace.Propagate(err, "fail to read record header")
	}
	total := int(binary.BigEndian.Uint32(head[:4]))
	addrLen := int(head[12])
	if total < recordHeadLen+addrLen || total > maxRecordLen {
		return Record{}, stacktrace.NewError("corrupt record: total length <%d> addr length <%d>", total, addrLen)
	}
	rest := make([]byte, total-recordHeadLen)
	if _, err := io.ReadFull(rd, rest); err != nil {
		return Record{}, stacktrace.Propagate(err, "fail to read record body")
	}
	addr, ok := netip.AddrFromSlice(rest[:addrLen])
	if !ok {
		return Record{}, stacktrace.NewError("corrupt record: invalid peer address of length <%d>", addrLen)
	}
	return Record{
		ReceivedAt: time.UnixMicro(int64(binary.BigEndian.Uint64(head[4:12]))),
		Peer:       addr,
		Raw:        rest[addrLen:],
	}, nil
}
