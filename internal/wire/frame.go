// Package wire implements the bit-for-bit datagram frame format carried
// over the outbound WebTransport-equivalent session between the
// supervisor's network bridge and the network proxy. Every guest
// socket fd's traffic is multiplexed onto one connection by tagging
// each frame with the fd, the same way a relay message might be tagged
// with a type discriminant — except here the framing is a fixed binary
// header instead of a JSON envelope, since the proxy boundary needs to
// move raw socket bytes, not structured messages.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Kind identifies a frame's purpose.
type Kind uint8

const (
	KindOpen Kind = 1
	KindOpenOK Kind = 2
	KindOpenErr Kind = 3
	KindData Kind = 4
	KindEOF Kind = 5
	KindClose Kind = 6
	KindErr Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindOpenOK:
		return "OPEN_OK"
	case KindOpenErr:
		return "OPEN_ERR"
	case KindData:
		return "DATA"
	case KindEOF:
		return "EOF"
	case KindClose:
		return "CLOSE"
	case KindErr:
		return "ERR"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// headerLen is the fixed 7-byte prefix: 1-byte kind, 4-byte fd, 2-byte
// payload length.
const headerLen = 7

// MaxPayload bounds a single frame's payload so payloadLen (a uint16)
// never overflows.
const MaxPayload = 65535

// Frame is one datagram on the multiplexed session.
type Frame struct {
	Kind Kind
	FD int32
	Payload []byte
}

// Encode renders f as kind, fd, payloadLen, payload, all network byte
// order.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[1:5], uint32(f.FD))
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)
	return buf, nil
}

// Decode parses one frame from the start of buf. It does not require
// buf to contain exactly one frame's worth of bytes — trailing bytes
// past the frame are ignored, since each wire datagram carries exactly
// one frame in this protocol.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerLen {
		return Frame{}, fmt.Errorf("wire: short frame: %d bytes", len(buf))
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[5:7]))
	if len(buf) < headerLen+payloadLen {
		return Frame{}, fmt.Errorf("wire: truncated payload: have %d, want %d", len(buf)-headerLen, payloadLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[headerLen:headerLen+payloadLen])
	return Frame{
		Kind: Kind(buf[0]),
		FD: int32(binary.BigEndian.Uint32(buf[1:5])),
		Payload: payload,
	}, nil
}

// Family identifies the address family encoded in an OPEN frame's payload.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// Addr is the address an OPEN frame asks the proxy to dial or bind.
type Addr struct {
	Family Family
	Port uint16
	IP net.IP // 4 bytes for FamilyIPv4, 16 for FamilyIPv6
	Hostname string // optional; set when the guest wants name resolution done proxy-side
}

// EncodeAddr renders an Addr as 1-byte family, 2-byte port,
// 4 or 16 bytes of IP, 1-byte hostname length + up to 255 bytes hostname.
func EncodeAddr(a Addr) ([]byte, error) {
	if len(a.Hostname) > 255 {
		return nil, fmt.Errorf("wire: hostname too long: %d bytes", len(a.Hostname))
	}
	var ipLen int
	switch a.Family {
	case FamilyIPv4:
		ipLen = 4
	case FamilyIPv6:
		ipLen = 16
	default:
		return nil, fmt.Errorf("wire: unknown address family: %d", a.Family)
	}

	buf := make([]byte, 0, 1+2+ipLen+1+len(a.Hostname))
	buf = append(buf, byte(a.Family))
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	buf = append(buf, portBuf[:]...)

	ip := a.IP
	if ipLen == 4 {
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
	}
	if len(ip) != ipLen {
		padded := make(net.IP, ipLen)
		copy(padded[ipLen-len(ip):], ip)
		ip = padded
	}
	buf = append(buf, ip...)
	buf = append(buf, byte(len(a.Hostname)))
	buf = append(buf, []byte(a.Hostname)...)
	return buf, nil
}

// DecodeAddr is EncodeAddr's inverse.
func DecodeAddr(buf []byte) (Addr, error) {
	if len(buf) < 3 {
		return Addr{}, fmt.Errorf("wire: short address: %d bytes", len(buf))
	}
	family := Family(buf[0])
	port := binary.BigEndian.Uint16(buf[1:3])
	var ipLen int
	switch family {
	case FamilyIPv4:
		ipLen = 4
	case FamilyIPv6:
		ipLen = 16
	default:
		return Addr{}, fmt.Errorf("wire: unknown address family: %d", family)
	}
	off := 3
	if len(buf) < off+ipLen+1 {
		return Addr{}, fmt.Errorf("wire: short address: %d bytes", len(buf))
	}
	ip := make(net.IP, ipLen)
	copy(ip, buf[off:off+ipLen])
	off += ipLen
	hostLen := int(buf[off])
	off++
	if len(buf) < off+hostLen {
		return Addr{}, fmt.Errorf("wire: truncated hostname: want %d bytes", hostLen)
	}
	hostname := string(buf[off : off+hostLen])
	return Addr{Family: family, Port: port, IP: ip, Hostname: hostname}, nil
}
