package message

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// PathAttrFlags is the attribute flags octet of a path attribute.
type PathAttrFlags uint8

// Optional returns true if the optional bit is set.
func (p PathAttrFlags) Optional() bool {
	return p&0x80 != 0
}

// Transitive returns true if the transitive bit is set.
func (p PathAttrFlags) Transitive() bool {
	return p&0x40 != 0
}

// Partial returns true if the partial bit is set.
func (p PathAttrFlags) Partial() bool {
	return p&0x20 != 0
}

// ExtendedLen returns true if the extended length bit is set.
func (p PathAttrFlags) ExtendedLen() bool {
	return p&0x10 != 0
}

// PathAttr is a single path attribute. The value is kept in wire form so
// that encoding reproduces the original bytes; typed accessors on Update
// interpret the attributes that the monitor itself cares about.
type PathAttr struct {
	Flags PathAttrFlags
	Code  uint8
	Value []byte
}

func (a PathAttr) encode() []byte {
	var b []byte
	if a.Flags.ExtendedLen() {
		b = make([]byte, 4, 4+len(a.Value))
		b[0] = uint8(a.Flags)
		b[1] = a.Code
		binary.BigEndian.PutUint16(b[2:4], uint16(len(a.Value)))
	} else {
		b = make([]byte, 3, 3+len(a.Value))
		b[0] = uint8(a.Flags)
		b[1] = a.Code
		b[2] = uint8(len(a.Value))
	}
	return append(b, a.Value...)
}

// wire returns the full wire form of the attribute, used as notification
// data for attribute level errors per RFC 4271 section 6.3.
func (a PathAttr) wire() []byte {
	return a.encode()
}

// Update is an UPDATE message: withdrawn routes, path attributes and NLRI.
// Non-IPv4-unicast families travel in the MP_REACH_NLRI / MP_UNREACH_NLRI
// attributes, see MPReach and MPUnreach.
type Update struct {
	Withdrawn []netip.Prefix
	Attrs     []PathAttr
	NLRI      []netip.Prefix
}

// Type implements Message.
func (u *Update) Type() uint8 {
	return TypeUpdate
}

// attrSpec describes the expected flags and fixed length of the attributes
// the codec validates. fixedLen < 0 means variable length.
var attrSpecs = map[uint8]struct {
	optional   bool
	transitive bool
	fixedLen   int
}{
	PathAttrOrigin:          {optional: false, transitive: true, fixedLen: 1},
	PathAttrASPath:          {optional: false, transitive: true, fixedLen: -1},
	PathAttrNextHop:         {optional: false, transitive: true, fixedLen: 4},
	PathAttrMED:             {optional: true, transitive: false, fixedLen: 4},
	PathAttrLocalPref:       {optional: false, transitive: true, fixedLen: 4},
	PathAttrAtomicAggregate: {optional: false, transitive: true, fixedLen: 0},
	PathAttrAggregator:      {optional: true, transitive: true, fixedLen: -1},
	PathAttrCommunities:     {optional: true, transitive: true, fixedLen: -1},
	PathAttrOriginatorID:    {optional: true, transitive: false, fixedLen: 4},
	PathAttrClusterList:     {optional: true, transitive: false, fixedLen: -1},
	PathAttrMPReachNLRI:     {optional: true, transitive: false, fixedLen: -1},
	PathAttrMPUnreachNLRI:   {optional: true, transitive: false, fixedLen: -1},
}

func (u *Update) decode(b []byte) error {
	// withdrawn routes length + total path attributes length
	if len(b) < 4 {
		return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedAttrList, nil)
	}
	wrl := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < wrl+2 {
		return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedAttrList, nil)
	}
	withdrawn, err := decodePrefixes(b[:wrl], false)
	if err != nil {
		return newError(NotifCodeUpdateMessageErr, NotifSubcodeInvalidNetworkField, nil)
	}
	u.Withdrawn = withdrawn
	pal := int(binary.BigEndian.Uint16(b[wrl : wrl+2]))
	b = b[wrl+2:]
	if len(b) < pal {
		return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedAttrList, nil)
	}
	if err := u.decodeAttrs(b[:pal]); err != nil {
		return err
	}
	nlri, err := decodePrefixes(b[pal:], false)
	if err != nil {
		return newError(NotifCodeUpdateMessageErr, NotifSubcodeInvalidNetworkField, nil)
	}
	u.NLRI = nlri
	return nil
}

func (u *Update) decodeAttrs(b []byte) error {
	var seen [256 / 8]uint8
	for len(b) > 0 {
		if len(b) < 3 {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedAttrList, nil)
		}
		a := PathAttr{
			Flags: PathAttrFlags(b[0]),
			Code:  b[1],
		}
		var attrLen int
		if a.Flags.ExtendedLen() {
			if len(b) < 4 {
				return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedAttrList, nil)
			}
			attrLen = int(binary.BigEndian.Uint16(b[2:4]))
			b = b[4:]
		} else {
			attrLen = int(b[2])
			b = b[3:]
		}
		if len(b) < attrLen {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedAttrList, nil)
		}
		a.Value = make([]byte, attrLen)
		copy(a.Value, b[:attrLen])
		b = b[attrLen:]
		// https://www.rfc-editor.org/rfc/rfc7606#page-7: a repeated MP
		// attribute is fatal, other repeats keep the first occurrence.
		if seen[a.Code/8]&(1<<(a.Code%8)) != 0 {
			if a.Code == PathAttrMPReachNLRI || a.Code == PathAttrMPUnreachNLRI {
				return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedAttrList, nil)
			}
			continue
		}
		seen[a.Code/8] |= 1 << (a.Code % 8)
		if err := validateAttr(a); err != nil {
			return err
		}
		u.Attrs = append(u.Attrs, a)
	}
	return nil
}

func validateAttr(a PathAttr) error {
	spec, known := attrSpecs[a.Code]
	if !known {
		// unknown attributes must be optional; a well-known code we do not
		// recognize cannot exist by definition.
		if !a.Flags.Optional() {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeUnrecognizedAttr, a.wire())
		}
		return nil
	}
	if a.Flags.Optional() != spec.optional || a.Flags.Transitive() != spec.transitive {
		return newError(NotifCodeUpdateMessageErr, NotifSubcodeAttrFlagsErr, a.wire())
	}
	if spec.fixedLen >= 0 && len(a.Value) != spec.fixedLen {
		return newError(NotifCodeUpdateMessageErr, NotifSubcodeAttrLenErr, a.wire())
	}
	switch a.Code {
	case PathAttrOrigin:
		if a.Value[0] > 2 {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeInvalidOriginAttr, a.wire())
		}
	case PathAttrASPath:
		if !validASPath(a.Value, 4) && !validASPath(a.Value, 2) {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeMalformedASPath, nil)
		}
	case PathAttrAggregator:
		if len(a.Value) != 6 && len(a.Value) != 8 {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeAttrLenErr, a.wire())
		}
	case PathAttrCommunities:
		if len(a.Value)%4 != 0 {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeAttrLenErr, a.wire())
		}
	case PathAttrClusterList:
		if len(a.Value)%4 != 0 {
			return newError(NotifCodeUpdateMessageErr, NotifSubcodeAttrLenErr, a.wire())
		}
	case PathAttrMPReachNLRI:
		if _, err := decodeMPReach(a.Value); err != nil {
			return err
		}
	case PathAttrMPUnreachNLRI:
		if _, err := decodeMPUnreach(a.Value); err != nil {
			return err
		}
	}
	return nil
}

// validASPath checks that the value is a consistent sequence of
// <type, count, count*asSize> segments. The ASN size on the wire depends on
// the four-octet AS negotiation, so both sizes are tried by the caller.
func validASPath(b []byte, asSize int) bool {
	for len(b) > 0 {
		if len(b) < 2 {
			return false
		}
		segType := b[0]
		count := int(b[1])
		if segType != 1 && segType != 2 {
			return false
		}
		if count == 0 || len(b) < 2+count*asSize {
			return false
		}
		b = b[2+count*asSize:]
	}
	return true
}

// Encode implements Message.
func (u *Update) Encode() []byte {
	withdrawn := encodePrefixes(u.Withdrawn)
	attrs := make([]byte, 0)
	for _, a := range u.Attrs {
		attrs = append(attrs, a.encode()...)
	}
	nlri := encodePrefixes(u.NLRI)
	b := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	b = binary.BigEndian.AppendUint16(b, uint16(len(withdrawn)))
	b = append(b, withdrawn...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(attrs)))
	b = append(b, attrs...)
	b = append(b, nlri...)
	return prependHeader(b, TypeUpdate)
}

// Attr returns the first attribute with the given code, or false.
func (u *Update) Attr(code uint8) (PathAttr, bool) {
	for _, a := range u.Attrs {
		if a.Code == code {
			return a, true
		}
	}
	return PathAttr{}, false
}

// MPReachNLRI is the decoded MP_REACH_NLRI attribute (RFC 4760).
type MPReachNLRI struct {
	Family  Family
	NextHop []byte
	NLRI    []netip.Prefix
}

// MPUnreachNLRI is the decoded MP_UNREACH_NLRI attribute (RFC 4760).
type MPUnreachNLRI struct {
	Family    Family
	Withdrawn []netip.Prefix
}

// MPReach decodes the MP_REACH_NLRI attribute if present.
func (u *Update) MPReach() (*MPReachNLRI, error) {
	a, ok := u.Attr(PathAttrMPReachNLRI)
	if !ok {
		return nil, nil
	}
	return decodeMPReach(a.Value)
}

// MPUnreach decodes the MP_UNREACH_NLRI attribute if present.
func (u *Update) MPUnreach() (*MPUnreachNLRI, error) {
	a, ok := u.Attr(PathAttrMPUnreachNLRI)
	if !ok {
		return nil, nil
	}
	return decodeMPUnreach(a.Value)
}

func decodeMPReach(b []byte) (*MPReachNLRI, error) {
	if len(b) < 5 {
		return nil, newError(NotifCodeUpdateMessageErr, NotifSubcodeOptionalAttrErr, nil)
	}
	m := &MPReachNLRI{
		Family: Family{
			AFI:  binary.BigEndian.Uint16(b[:2]),
			SAFI: b[2],
		},
	}
	nhLen := int(b[3])
	if len(b) < 4+nhLen+1 {
		return nil, newError(NotifCodeUpdateMessageErr, NotifSubcodeOptionalAttrErr, nil)
	}
	m.NextHop = make([]byte, nhLen)
	copy(m.NextHop, b[4:4+nhLen])
	// one reserved octet after the next hop
	b = b[4+nhLen+1:]
	nlri, err := decodePrefixes(b, m.Family.AFI == AFIIPv6)
	if err != nil {
		return nil, newError(NotifCodeUpdateMessageErr, NotifSubcodeInvalidNetworkField, nil)
	}
	m.NLRI = nlri
	return m, nil
}

func decodeMPUnreach(b []byte) (*MPUnreachNLRI, error) {
	if len(b) < 3 {
		return nil, newError(NotifCodeUpdateMessageErr, NotifSubcodeOptionalAttrErr, nil)
	}
	m := &MPUnreachNLRI{
		Family: Family{
			AFI:  binary.BigEndian.Uint16(b[:2]),
			SAFI: b[2],
		},
	}
	withdrawn, err := decodePrefixes(b[3:], m.Family.AFI == AFIIPv6)
	if err != nil {
		return nil, newError(NotifCodeUpdateMessageErr, NotifSubcodeInvalidNetworkField, nil)
	}
	m.Withdrawn = withdrawn
	return m, nil
}

// decodePrefix decodes one <length, prefix> tuple where length is in bits
// and prefix carries the minimum number of whole octets.
func decodePrefix(b []byte, ipv6 bool) (netip.Prefix, []byte, error) {
	if len(b) < 1 {
		return netip.Prefix{}, nil, fmt.Errorf("prefix must be at least 1 byte")
	}
	bits := b[0]
	if (!ipv6 && bits > 32) || (ipv6 && bits > 128) {
		return netip.Prefix{}, nil, fmt.Errorf("invalid bit len %d (ipv6=%v)", bits, ipv6)
	}
	b = b[1:]
	octets := int(bits+7) / 8
	if len(b) < octets {
		return netip.Prefix{}, nil, fmt.Errorf("short prefix: %d octets for bit len %d", len(b), bits)
	}
	var addr netip.Addr
	if ipv6 {
		var a16 [16]byte
		copy(a16[:], b[:octets])
		addr = netip.AddrFrom16(a16)
	} else {
		var a4 [4]byte
		copy(a4[:], b[:octets])
		addr = netip.AddrFrom4(a4)
	}
	return netip.PrefixFrom(addr, int(bits)), b[octets:], nil
}

func decodePrefixes(b []byte, ipv6 bool) ([]netip.Prefix, error) {
	if len(b) == 0 {
		return nil, nil
	}
	prefixes := make([]netip.Prefix, 0)
	for len(b) > 0 {
		var (
			p   netip.Prefix
			err error
		)
		p, b, err = decodePrefix(b, ipv6)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func encodePrefixes(prefixes []netip.Prefix) []byte {
	b := make([]byte, 0)
	for _, p := range prefixes {
		bits := p.Bits()
		b = append(b, uint8(bits))
		octets := (bits + 7) / 8
		addr := p.Addr().AsSlice()
		b = append(b, addr[:octets]...)
	}
	return b
}

func (u *Update) String() string {
	var sb strings.Builder
	if len(u.NLRI) > 0 {
		fmt.Fprintf(&sb, "nlri=%v", u.NLRI)
	}
	if len(u.Withdrawn) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "withdrawn=%v", u.Withdrawn)
	}
	if sb.Len() == 0 {
		if len(u.Attrs) == 0 {
			return "UPDATE (End-of-RIB)"
		}
		return fmt.Sprintf("UPDATE attrs=%d", len(u.Attrs))
	}
	return "UPDATE " + sb.String()
}
