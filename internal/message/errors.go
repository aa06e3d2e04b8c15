package message

import (
	"fmt"
)

// Error is returned by decode and validation functions when the input
// violates the protocol. It carries the Notification that the session should
// send to the peer before tearing the connection down. Out is false when the
// Notification was received from the peer rather than generated locally.
type Error struct {
	Notification *Notification
	Out          bool
}

func newError(code, subcode uint8, data []byte) *Error {
	return &Error{
		Notification: NewNotification(code, subcode, data),
		Out:          true,
	}
}

func (e *Error) Error() string {
	direction := "received"
	if e.Out {
		direction = "sent"
	}
	return fmt.Sprintf("notification %s %s", direction, e.Notification)
}
