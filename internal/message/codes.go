package message

import (
	"fmt"

	"github.com/palantir/stacktrace"
)

// Notification error codes.
// https://tools.ietf.org/html/rfc4271#section-4.5
const (
	NotifCodeMessageHeaderErr uint8 = 1
	NotifCodeOpenMessageErr   uint8 = 2
	NotifCodeUpdateMessageErr uint8 = 3
	NotifCodeHoldTimerExpired uint8 = 4
	NotifCodeFSMErr           uint8 = 5
	NotifCodeCease            uint8 = 6
)

// Message header error subcodes.
const (
	NotifSubcodeConnNotSynchronized uint8 = 1
	NotifSubcodeBadMessageLen       uint8 = 2
	NotifSubcodeBadMessageType      uint8 = 3
)

// Open message error subcodes.
const (
	NotifSubcodeUnsupportedVersionNum    uint8 = 1
	NotifSubcodeBadPeerAS                uint8 = 2
	NotifSubcodeBadBGPID                 uint8 = 3
	NotifSubcodeUnsupportedOptionalParam uint8 = 4
	NotifSubcodeUnacceptableHoldTime     uint8 = 6
	NotifSubcodeUnsupportedCapability    uint8 = 7
)

// FSM error subcodes.
// https://tools.ietf.org/html/rfc6608
const (
	NotifSubcodeRxUnexpectedMessageOpenSent    uint8 = 1
	NotifSubcodeRxUnexpectedMessageOpenConfirm uint8 = 2
	NotifSubcodeRxUnexpectedMessageEstablished uint8 = 3
)

// Update message error subcodes.
const (
	NotifSubcodeMalformedAttrList    uint8 = 1
	NotifSubcodeUnrecognizedAttr     uint8 = 2
	NotifSubcodeMissingWellKnownAttr uint8 = 3
	NotifSubcodeAttrFlagsErr         uint8 = 4
	NotifSubcodeAttrLenErr           uint8 = 5
	NotifSubcodeInvalidOriginAttr    uint8 = 6
	NotifSubcodeInvalidNextHopAttr   uint8 = 8
	NotifSubcodeOptionalAttrErr      uint8 = 9
	NotifSubcodeInvalidNetworkField  uint8 = 10
	NotifSubcodeMalformedASPath      uint8 = 11
)

type notifCodeDesc struct {
	desc     string
	subcodes map[uint8]string
}

var notifCodesMap = map[uint8]notifCodeDesc{
	NotifCodeMessageHeaderErr: {
		desc: "message header error",
		subcodes: map[uint8]string{
			NotifSubcodeConnNotSynchronized: "connection not synchronized",
			NotifSubcodeBadMessageLen:       "bad message length",
			NotifSubcodeBadMessageType:      "bad message type",
		},
	},
	NotifCodeOpenMessageErr: {
		desc: "open message error",
		subcodes: map[uint8]string{
			NotifSubcodeUnsupportedVersionNum:    "unsupported version number",
			NotifSubcodeBadPeerAS:                "bad peer AS",
			NotifSubcodeBadBGPID:                 "bad BGP identifier",
			NotifSubcodeUnsupportedOptionalParam: "unsupported optional parameter",
			NotifSubcodeUnacceptableHoldTime:     "unacceptable hold time",
			NotifSubcodeUnsupportedCapability:    "unsupported capability",
		},
	},
	NotifCodeUpdateMessageErr: {
		desc: "update message error",
		subcodes: map[uint8]string{
			NotifSubcodeMalformedAttrList:    "malformed attribute list",
			NotifSubcodeUnrecognizedAttr:     "unrecognized well-known attribute",
			NotifSubcodeMissingWellKnownAttr: "missing well-known attribute",
			NotifSubcodeAttrFlagsErr:         "attribute flags error",
			NotifSubcodeAttrLenErr:           "attribute length error",
			NotifSubcodeInvalidOriginAttr:    "invalid origin attribute",
			NotifSubcodeInvalidNextHopAttr:   "invalid next hop attribute",
			NotifSubcodeOptionalAttrErr:      "optional attribute error",
			NotifSubcodeInvalidNetworkField:  "invalid network field",
			NotifSubcodeMalformedASPath:      "malformed AS path",
		},
	},
	NotifCodeHoldTimerExpired: {desc: "hold timer expired"},
	NotifCodeFSMErr: {
		desc: "finite state machine error",
		subcodes: map[uint8]string{
			NotifSubcodeRxUnexpectedMessageOpenSent:    "receive unexpected message in OpenSent state",
			NotifSubcodeRxUnexpectedMessageOpenConfirm: "receive unexpected message in OpenConfirm state",
			NotifSubcodeRxUnexpectedMessageEstablished: "receive unexpected message in Established state",
		},
	},
	NotifCodeCease: {desc: "cease"},
}

// Capability codes.
// https://www.iana.org/assignments/capability-codes/
const (
	CapMPExtensions uint8 = 1
	CapRouteRefresh uint8 = 2
	CapFourOctetAS  uint8 = 65
	CapAddPath      uint8 = 69
)

// Path attribute type codes.
const (
	PathAttrOrigin          uint8 = 1
	PathAttrASPath          uint8 = 2
	PathAttrNextHop         uint8 = 3
	PathAttrMED             uint8 = 4
	PathAttrLocalPref       uint8 = 5
	PathAttrAtomicAggregate uint8 = 6
	PathAttrAggregator      uint8 = 7
	PathAttrCommunities     uint8 = 8
	PathAttrOriginatorID    uint8 = 9
	PathAttrClusterList     uint8 = 10
	PathAttrMPReachNLRI     uint8 = 14
	PathAttrMPUnreachNLRI   uint8 = 15
)

// AFI values.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI values.
const (
	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
	SAFIMPLSVPN   uint8 = 128
)

// Family identifies an <AFI, SAFI> pair carried by a session.
type Family struct {
	AFI  uint16
	SAFI uint8
}

func (f Family) String() string {
	for name, family := range familyNames {
		if family == f {
			return name
		}
	}
	return fmt.Sprintf("afi(%d)/safi(%d)", f.AFI, f.SAFI)
}

var familyNames = map[string]Family{
	"ipv4":           {AFI: AFIIPv4, SAFI: SAFIUnicast},
	"ipv6":           {AFI: AFIIPv6, SAFI: SAFIUnicast},
	"ipv4_multicast": {AFI: AFIIPv4, SAFI: SAFIMulticast},
	"ipv6_multicast": {AFI: AFIIPv6, SAFI: SAFIMulticast},
	"ipv4_mpls_vpn":  {AFI: AFIIPv4, SAFI: SAFIMPLSVPN},
	"ipv6_mpls_vpn":  {AFI: AFIIPv6, SAFI: SAFIMPLSVPN},
}

// ParseFamily maps a configured address family name such as "ipv4" to its
// <AFI, SAFI> pair.
func ParseFamily(name string) (Family, error) {
	f, ok := familyNames[name]
	if !ok {
		return Family{}, stacktrace.NewError("unknown address family <%s>", name)
	}
	return f, nil
}
