/*
Package message implements the BGP-4 wire format: the common header and the
OPEN, UPDATE, NOTIFICATION and KEEPALIVE messages, including the
multiprotocol extensions of RFC 4760. Encoding is the exact inverse of
decoding, so any well formed message round-trips byte for byte.
*/
package message

import (
	"encoding/binary"
	"errors"
)

// Message types.
const (
	TypeOpen         uint8 = 1
	TypeUpdate       uint8 = 2
	TypeNotification uint8 = 3
	TypeKeepAlive    uint8 = 4
)

const (
	// HeaderLength is the length of the common message header.
	HeaderLength = 19
	// MaxLength is the maximum length of a message, header included.
	MaxLength = 4096
)

// ErrTruncated is returned by Decode when b does not yet contain a complete
// message. Callers framing a byte stream should read more data and retry.
var ErrTruncated = errors.New("truncated message")

// Message is a decoded BGP message.
type Message interface {
	// Type returns the BGP message type code.
	Type() uint8
	// Encode returns the full wire representation, header included.
	Encode() []byte
}

// Decode decodes the first message contained in b and returns it along with
// the number of bytes consumed. A header violation (bad marker, out of range
// length, unknown type) yields an *Error carrying a MessageHeaderError
// notification; a malformed body yields an *Error with the matching open or
// update error code.
func Decode(b []byte) (Message, int, error) {
	if len(b) < HeaderLength {
		return nil, 0, ErrTruncated
	}
	for i := 0; i < 16; i++ {
		if b[i] != 0xFF {
			return nil, 0, newError(NotifCodeMessageHeaderErr, NotifSubcodeConnNotSynchronized, nil)
		}
	}
	length := int(binary.BigEndian.Uint16(b[16:18]))
	if length < HeaderLength || length > MaxLength {
		return nil, 0, newError(NotifCodeMessageHeaderErr, NotifSubcodeBadMessageLen, b[16:18])
	}
	if len(b) < length {
		return nil, 0, ErrTruncated
	}
	m, err := decodeBody(b[HeaderLength:length], b[18])
	if err != nil {
		return nil, 0, err
	}
	return m, length, nil
}

// decodeBody decodes a message body for the given type code. The body
// excludes the common header.
func decodeBody(body []byte, messageType uint8) (Message, error) {
	switch messageType {
	case TypeOpen:
		o := &Open{}
		if err := o.decode(body); err != nil {
			return nil, err
		}
		return o, nil
	case TypeUpdate:
		u := &Update{}
		if err := u.decode(body); err != nil {
			return nil, err
		}
		return u, nil
	case TypeNotification:
		n := &Notification{}
		if err := n.decode(body); err != nil {
			return nil, err
		}
		return n, nil
	case TypeKeepAlive:
		if len(body) != 0 {
			return nil, newError(NotifCodeMessageHeaderErr, NotifSubcodeBadMessageLen, nil)
		}
		return &KeepAlive{}, nil
	default:
		return nil, newError(NotifCodeMessageHeaderErr, NotifSubcodeBadMessageType, []byte{messageType})
	}
}

// prependHeader frames a message body with the common header: 16 octets of
// all-ones marker, the total length and the type code.
func prependHeader(body []byte, messageType uint8) []byte {
	b := make([]byte, HeaderLength, HeaderLength+len(body))
	for i := 0; i < 16; i++ {
		b[i] = 0xFF
	}
	binary.BigEndian.PutUint16(b[16:18], uint16(HeaderLength+len(body)))
	b[18] = messageType
	return append(b, body...)
}

// KeepAlive is a KEEPALIVE message. It consists of only the message header.
type KeepAlive struct{}

// Type implements Message.
func (k *KeepAlive) Type() uint8 {
	return TypeKeepAlive
}

// Encode implements Message.
func (k *KeepAlive) Encode() []byte {
	return prependHeader(nil, TypeKeepAlive)
}

func (k *KeepAlive) String() string {
	return "KEEPALIVE"
}
