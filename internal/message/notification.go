package message

import (
	"fmt"
)

// Notification is a NOTIFICATION message. Sending or receiving one is always
// terminal for the session. Unknown error codes are preserved as-is: per
// RFC 4271 they are logged, never rejected.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// NewNotification returns a Notification with the given code, subcode and
// data.
func NewNotification(code, subcode uint8, data []byte) *Notification {
	return &Notification{
		Code:    code,
		Subcode: subcode,
		Data:    data,
	}
}

// Type implements Message.
func (n *Notification) Type() uint8 {
	return TypeNotification
}

func (n *Notification) decode(b []byte) error {
	if len(b) < 2 {
		return newError(NotifCodeMessageHeaderErr, NotifSubcodeBadMessageLen, nil)
	}
	n.Code = b[0]
	n.Subcode = b[1]
	if len(b) > 2 {
		n.Data = make([]byte, len(b)-2)
		copy(n.Data, b[2:])
	}
	return nil
}

// Encode implements Message.
func (n *Notification) Encode() []byte {
	b := make([]byte, 2, 2+len(n.Data))
	b[0] = n.Code
	b[1] = n.Subcode
	b = append(b, n.Data...)
	return prependHeader(b, TypeNotification)
}

func (n *Notification) String() string {
	var codeDesc, subcodeDesc string
	if d, ok := notifCodesMap[n.Code]; ok {
		codeDesc = d.desc
		subcodeDesc = d.subcodes[n.Subcode]
	}
	return fmt.Sprintf("code:%d (%s) subcode:%d (%s)", n.Code, codeDesc, n.Subcode, subcodeDesc)
}
