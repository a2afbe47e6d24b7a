// Package radius implements the client side of the RADIUS Dynamic
// Authorization extension (RFC 5176): encoding CoA-Request and
// Disconnect-Request packets, decoding their ACK/NAK responses, and a UDP
// transport with identifier-matched retransmission.
package radius

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/codelaboratoryltd/fupd/pkg/policy"
)

// Code is a RADIUS packet code (RFC 5176 Dynamic Authorization subset).
type Code uint8

const (
	CodeDisconnectRequest Code = 40
	CodeDisconnectACK     Code = 41
	CodeDisconnectNAK     Code = 42
	CodeCoARequest        Code = 43
	CodeCoAACK            Code = 44
	CodeCoANAK            Code = 45
)

// String returns the RFC name of the code.
func (c Code) String() string {
	switch c {
	case CodeDisconnectRequest:
		return "Disconnect-Request"
	case CodeDisconnectACK:
		return "Disconnect-ACK"
	case CodeDisconnectNAK:
		return "Disconnect-NAK"
	case CodeCoARequest:
		return "CoA-Request"
	case CodeCoAACK:
		return "CoA-ACK"
	case CodeCoANAK:
		return "CoA-NAK"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// RADIUS attribute types (RFC 2865 / RFC 5176)
const (
	AttrUserName       = 1
	AttrNASIPAddress   = 4
	AttrReplyMessage   = 18
	AttrVendorSpecific = 26
	AttrAcctSessionID  = 44
	AttrErrorCause     = 101
)

// Error-Cause attribute values (RFC 5176 section 3.5)
const (
	ErrorCauseResidualSessionContextRemoved = 201
	ErrorCauseMissingAttribute              = 402
	ErrorCauseNASIdentificationMismatch     = 403
	ErrorCauseInvalidRequest                = 404
	ErrorCauseUnsupportedService            = 405
	ErrorCauseUnsupportedExtension          = 406
	ErrorCauseAdministrativelyProhibited    = 501
	ErrorCauseSessionContextNotFound        = 503
	ErrorCauseSessionContextNotRemovable    = 504
	ErrorCauseResourcesUnavailable          = 506
)

// Rate-limit vendor-specific attribute. The VSA payload is the vendor ID
// followed by one sub-attribute carrying the download and upload caps as
// two big-endian 32-bit kbps values.
const (
	RateLimitVendorID   = 52627
	VendorAttrRateLimit = 1
)

const (
	headerLen    = 20
	maxPacketLen = 4096
	maxAttrLen   = 255
)

var (
	// ErrMalformedPacket indicates inconsistent length fields or truncated
	// attributes.
	ErrMalformedPacket = errors.New("radius: malformed packet")

	// ErrAuthenticatorMismatch indicates the packet authenticator does not
	// verify against the shared secret.
	ErrAuthenticatorMismatch = errors.New("radius: authenticator mismatch")
)

// Attribute is a single type-length-value attribute.
type Attribute struct {
	Type  uint8
	Value []byte
}

// Packet is a decoded RADIUS packet.
type Packet struct {
	Code          Code
	Identifier    uint8
	Authenticator [16]byte
	Attributes    []Attribute
}

// IsACK reports whether the packet is a positive response.
func (p *Packet) IsACK() bool {
	return p.Code == CodeCoAACK || p.Code == CodeDisconnectACK
}

// ErrorCause returns the Error-Cause attribute value, if present.
func (p *Packet) ErrorCause() (uint32, bool) {
	for _, a := range p.Attributes {
		if a.Type == AttrErrorCause && len(a.Value) == 4 {
			return binary.BigEndian.Uint32(a.Value), true
		}
	}
	return 0, false
}

// ReplyMessage returns the Reply-Message attribute, if present.
func (p *Packet) ReplyMessage() string {
	for _, a := range p.Attributes {
		if a.Type == AttrReplyMessage {
			return string(a.Value)
		}
	}
	return ""
}

// Encode serializes a CoA-Request or Disconnect-Request. The Request
// Authenticator is MD5(Code + Identifier + Length + 16 zero bytes +
// Attributes + Secret) per RFC 5176; NAS hardware silently drops packets
// whose authenticator does not verify, so this must be bit-exact.
func Encode(code Code, identifier uint8, secret string, attrs []Attribute) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("radius: shared secret required")
	}

	body, err := encodeAttributes(attrs)
	if err != nil {
		return nil, err
	}

	length := headerLen + len(body)
	if length > maxPacketLen {
		return nil, fmt.Errorf("radius: packet too large (%d bytes)", length)
	}

	packet := make([]byte, length)
	packet[0] = uint8(code)
	packet[1] = identifier
	binary.BigEndian.PutUint16(packet[2:4], uint16(length))
	copy(packet[headerLen:], body)

	// Authenticator field is zero at this point, which is exactly what the
	// request hash requires.
	hash := md5.New()
	hash.Write(packet)
	hash.Write([]byte(secret))
	copy(packet[4:headerLen], hash.Sum(nil))

	return packet, nil
}

// EncodeResponse serializes an ACK/NAK for the request carrying
// requestAuth. Response Authenticator is MD5(Code + Identifier + Length +
// RequestAuth + Attributes + Secret).
func EncodeResponse(code Code, identifier uint8, requestAuth [16]byte, secret string, attrs []Attribute) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("radius: shared secret required")
	}

	body, err := encodeAttributes(attrs)
	if err != nil {
		return nil, err
	}

	length := headerLen + len(body)
	if length > maxPacketLen {
		return nil, fmt.Errorf("radius: packet too large (%d bytes)", length)
	}

	packet := make([]byte, length)
	packet[0] = uint8(code)
	packet[1] = identifier
	binary.BigEndian.PutUint16(packet[2:4], uint16(length))
	copy(packet[headerLen:], body)

	hash := md5.New()
	hash.Write(packet[:4])
	hash.Write(requestAuth[:])
	hash.Write(packet[headerLen:])
	hash.Write([]byte(secret))
	copy(packet[4:headerLen], hash.Sum(nil))

	return packet, nil
}

// Decode parses and verifies a packet. For request codes the Request
// Authenticator is verified against the zero-authenticator hash; for
// response codes the Response Authenticator is verified against
// requestAuth, the authenticator of the request being answered.
func Decode(b []byte, secret string, requestAuth [16]byte) (*Packet, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), headerLen)
	}

	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < headerLen || length > len(b) {
		return nil, fmt.Errorf("%w: length field %d outside [%d, %d]", ErrMalformedPacket, length, headerLen, len(b))
	}

	p := &Packet{
		Code:       Code(b[0]),
		Identifier: b[1],
	}
	copy(p.Authenticator[:], b[4:headerLen])

	var err error
	p.Attributes, err = parseAttributes(b[headerLen:length])
	if err != nil {
		return nil, err
	}

	hash := md5.New()
	hash.Write(b[:4])
	switch p.Code {
	case CodeCoARequest, CodeDisconnectRequest:
		hash.Write(make([]byte, 16))
	default:
		hash.Write(requestAuth[:])
	}
	hash.Write(b[headerLen:length])
	hash.Write([]byte(secret))

	if subtle.ConstantTimeCompare(hash.Sum(nil), p.Authenticator[:]) != 1 {
		return nil, ErrAuthenticatorMismatch
	}

	return p, nil
}

func encodeAttributes(attrs []Attribute) ([]byte, error) {
	var out []byte
	for _, a := range attrs {
		if len(a.Value) > maxAttrLen-2 {
			return nil, fmt.Errorf("radius: attribute %d value too long (%d bytes)", a.Type, len(a.Value))
		}
		out = append(out, a.Type, uint8(2+len(a.Value)))
		out = append(out, a.Value...)
	}
	return out, nil
}

func parseAttributes(data []byte) ([]Attribute, error) {
	var attrs []Attribute
	offset := 0

	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated attribute header", ErrMalformedPacket)
		}
		attrType := data[offset]
		attrLen := int(data[offset+1])

		if attrLen < 2 || offset+attrLen > len(data) {
			return nil, fmt.Errorf("%w: attribute %d with length %d", ErrMalformedPacket, attrType, attrLen)
		}

		attr := Attribute{
			Type:  attrType,
			Value: make([]byte, attrLen-2),
		}
		copy(attr.Value, data[offset+2:offset+attrLen])
		attrs = append(attrs, attr)

		offset += attrLen
	}

	return attrs, nil
}

// UserName builds a User-Name attribute.
func UserName(name string) Attribute {
	return Attribute{Type: AttrUserName, Value: []byte(name)}
}

// AcctSessionID builds an Acct-Session-Id attribute.
func AcctSessionID(id string) Attribute {
	return Attribute{Type: AttrAcctSessionID, Value: []byte(id)}
}

// NASIPAddress builds a NAS-IP-Address attribute from an IPv4 address.
func NASIPAddress(ip net.IP) (Attribute, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Attribute{}, fmt.Errorf("radius: NAS-IP-Address requires IPv4, got %s", ip)
	}
	return Attribute{Type: AttrNASIPAddress, Value: []byte(v4)}, nil
}

// RateLimit builds the vendor-specific rate-limit attribute for a speed.
func RateLimit(speed policy.Speed) Attribute {
	value := make([]byte, 14)
	binary.BigEndian.PutUint32(value[0:4], RateLimitVendorID)
	value[4] = VendorAttrRateLimit
	value[5] = 10 // vendor type + vendor length + two uint32s
	binary.BigEndian.PutUint32(value[6:10], speed.DownKbps)
	binary.BigEndian.PutUint32(value[10:14], speed.UpKbps)
	return Attribute{Type: AttrVendorSpecific, Value: value}
}

// ParseRateLimit extracts the rate-limit speed from a vendor-specific
// attribute, reporting false when the attribute is not our rate-limit VSA.
func ParseRateLimit(a Attribute) (policy.Speed, bool) {
	if a.Type != AttrVendorSpecific || len(a.Value) != 14 {
		return policy.Speed{}, false
	}
	if binary.BigEndian.Uint32(a.Value[0:4]) != RateLimitVendorID {
		return policy.Speed{}, false
	}
	if a.Value[4] != VendorAttrRateLimit || a.Value[5] != 10 {
		return policy.Speed{}, false
	}
	return policy.Speed{
		DownKbps: binary.BigEndian.Uint32(a.Value[6:10]),
		UpKbps:   binary.BigEndian.Uint32(a.Value[10:14]),
	}, true
}
