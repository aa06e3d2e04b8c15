package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
)

// asTrans is the two-octet placeholder ASN used when the real ASN only fits
// in the four-octet AS capability. https://tools.ietf.org/html/rfc6793
const asTrans uint16 = 23456

// Capability is a BGP capability as defined by RFC 5492.
type Capability struct {
	Code  uint8
	Value []byte
}

// NewMPExtensionsCapability returns a multiprotocol extensions Capability for
// the provided family. https://tools.ietf.org/html/rfc4760#section-8
func NewMPExtensionsCapability(f Family) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, f.AFI)
	v[3] = f.SAFI
	return Capability{
		Code:  CapMPExtensions,
		Value: v,
	}
}

func newFourOctetASCap(asn uint32) Capability {
	c := Capability{
		Code:  CapFourOctetAS,
		Value: make([]byte, 4),
	}
	binary.BigEndian.PutUint32(c.Value, asn)
	return c
}

// Equal tests if both capabilities carry the same code and value.
func (c Capability) Equal(d Capability) bool {
	if c.Code != d.Code {
		return false
	}
	return bytes.Equal(c.Value, d.Value)
}

func (c Capability) encode() []byte {
	b := make([]byte, 2+len(c.Value))
	b[0] = c.Code
	b[1] = uint8(len(c.Value))
	copy(b[2:], c.Value)
	return b
}

const capabilityOptionalParamType uint8 = 2

// capabilityParam is a type-2 optional parameter holding one or more
// capabilities. Grouping is preserved as received so that encoding
// reproduces the original bytes.
type capabilityParam struct {
	capabilities []Capability
}

func (c *capabilityParam) decode(b []byte) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return newError(NotifCodeOpenMessageErr, 0, nil)
		}
		capLen := int(b[1])
		if len(b) < capLen+2 {
			return newError(NotifCodeOpenMessageErr, 0, nil)
		}
		capability := Capability{Code: b[0]}
		if capLen > 0 {
			capability.Value = make([]byte, capLen)
			copy(capability.Value, b[2:capLen+2])
		}
		c.capabilities = append(c.capabilities, capability)
		b = b[capLen+2:]
	}
	return nil
}

func (c *capabilityParam) encode() []byte {
	caps := make([]byte, 0)
	for _, capability := range c.capabilities {
		caps = append(caps, capability.encode()...)
	}
	b := make([]byte, 0, 2+len(caps))
	b = append(b, capabilityOptionalParamType, uint8(len(caps)))
	return append(b, caps...)
}

// Open is an OPEN message, the first message sent by each side once the
// transport is up.
type Open struct {
	Version  uint8
	AS       uint16
	HoldTime uint16
	ID       uint32

	params []*capabilityParam
}

// NewOpen returns an OPEN message for the given local ASN, hold time
// preference, BGP identifier and enabled address families. A four-octet AS
// capability is always advertised; ASNs beyond the two-octet range are
// carried as AS_TRANS in the fixed field.
func NewOpen(localAS uint32, holdTime uint16, bgpID uint32, families []Family) *Open {
	caps := make([]Capability, 0, len(families)+1)
	caps = append(caps, newFourOctetASCap(localAS))
	for _, f := range families {
		caps = append(caps, NewMPExtensionsCapability(f))
	}
	o := &Open{
		Version:  4,
		HoldTime: holdTime,
		ID:       bgpID,
		params:   []*capabilityParam{{capabilities: caps}},
	}
	if localAS > math.MaxUint16 {
		o.AS = asTrans
	} else {
		o.AS = uint16(localAS)
	}
	return o
}

// Type implements Message.
func (o *Open) Type() uint8 {
	return TypeOpen
}

func (o *Open) decode(b []byte) error {
	if len(b) < 10 {
		return newError(NotifCodeMessageHeaderErr, NotifSubcodeBadMessageLen, nil)
	}
	o.Version = b[0]
	o.AS = binary.BigEndian.Uint16(b[1:3])
	o.HoldTime = binary.BigEndian.Uint16(b[3:5])
	o.ID = binary.BigEndian.Uint32(b[5:9])
	if int(b[9]) != len(b)-10 {
		return newError(NotifCodeOpenMessageErr, 0, nil)
	}
	b = b[10:]
	for len(b) > 0 {
		if len(b) < 2 {
			return newError(NotifCodeOpenMessageErr, 0, nil)
		}
		paramCode := b[0]
		paramLen := int(b[1])
		if len(b) < paramLen+2 {
			return newError(NotifCodeOpenMessageErr, 0, nil)
		}
		// parameter type 1 (authentication) is deprecated by RFC 4271, only
		// type 2 (capabilities) is accepted.
		if paramCode != capabilityOptionalParamType {
			return newError(NotifCodeOpenMessageErr, NotifSubcodeUnsupportedOptionalParam, nil)
		}
		p := &capabilityParam{}
		if err := p.decode(b[2 : paramLen+2]); err != nil {
			return err
		}
		o.params = append(o.params, p)
		b = b[paramLen+2:]
	}
	return nil
}

// Encode implements Message.
func (o *Open) Encode() []byte {
	b := make([]byte, 9)
	b[0] = o.Version
	binary.BigEndian.PutUint16(b[1:3], o.AS)
	binary.BigEndian.PutUint16(b[3:5], o.HoldTime)
	binary.BigEndian.PutUint32(b[5:9], o.ID)
	params := make([]byte, 0)
	for _, p := range o.params {
		params = append(params, p.encode()...)
	}
	b = append(b, uint8(len(params)))
	b = append(b, params...)
	return prependHeader(b, TypeOpen)
}

// Capabilities returns all capabilities advertised in the message.
func (o *Open) Capabilities() []Capability {
	caps := make([]Capability, 0)
	for _, p := range o.params {
		caps = append(caps, p.capabilities...)
	}
	return caps
}

// EffectiveAS returns the peer ASN, preferring the four-octet AS capability
// over the two-octet fixed field.
func (o *Open) EffectiveAS() uint32 {
	for _, c := range o.Capabilities() {
		if c.Code == CapFourOctetAS && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value)
		}
	}
	return uint32(o.AS)
}

// Families returns the address families advertised through multiprotocol
// extensions capabilities.
func (o *Open) Families() []Family {
	families := make([]Family, 0)
	for _, c := range o.Capabilities() {
		if c.Code == CapMPExtensions && len(c.Value) == 4 {
			families = append(families, Family{
				AFI:  binary.BigEndian.Uint16(c.Value[:2]),
				SAFI: c.Value[3],
			})
		}
	}
	return families
}

// Validate checks the message against the local session parameters.
// https://tools.ietf.org/html/rfc4271#section-6.2
func (o *Open) Validate(localID uint32, localAS, remoteAS uint32) error {
	if o.Version != 4 {
		version := make([]byte, 2)
		binary.BigEndian.PutUint16(version, 4)
		return newError(NotifCodeOpenMessageErr, NotifSubcodeUnsupportedVersionNum, version)
	}
	effectiveAS := o.EffectiveAS()
	if o.AS == asTrans && effectiveAS == uint32(asTrans) {
		// AS_TRANS in the fixed field without a four-octet AS capability
		return newError(NotifCodeOpenMessageErr, NotifSubcodeBadPeerAS, nil)
	}
	if effectiveAS != remoteAS {
		return newError(NotifCodeOpenMessageErr, NotifSubcodeBadPeerAS, nil)
	}
	if o.HoldTime != 0 && o.HoldTime < 3 {
		return newError(NotifCodeOpenMessageErr, NotifSubcodeUnacceptableHoldTime, nil)
	}
	if o.ID == 0 || o.ID == math.MaxUint32 {
		return newError(NotifCodeOpenMessageErr, NotifSubcodeBadBGPID, nil)
	}
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], o.ID)
	if netip.AddrFrom4(id).IsMulticast() {
		return newError(NotifCodeOpenMessageErr, NotifSubcodeBadBGPID, nil)
	}
	// https://tools.ietf.org/html/rfc6286#section-2.2
	if localAS == remoteAS && localID == o.ID {
		return newError(NotifCodeOpenMessageErr, NotifSubcodeBadBGPID, nil)
	}
	return nil
}

func (o *Open) String() string {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], o.ID)
	return fmt.Sprintf("OPEN version=%d as=%d holdTime=%d id=%s families=%v",
		o.Version, o.EffectiveAS(), o.HoldTime, netip.AddrFrom4(id), o.Families())
}
