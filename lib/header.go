package lib

import (
	"fmt"
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
)

// BuildIPHeader returns the 20-byte IPv4 header for a UDP datagram of
// payloadLen bytes from src to dst, with its header checksum filled in.
func BuildIPHeader(src, dst netip.Addr, payloadLen int) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("ip header: %s -> %s is not an IPv4 pair", src, dst)
	}
	if payloadLen < 0 || IpHeaderLength+payloadLen > MaxIPv4Datagram {
		return nil, fmt.Errorf("ip header: payload length %d out of range", payloadLen)
	}

	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      IpHeaderLength,
		TOS:      0,
		TotalLen: IpHeaderLength + payloadLen,
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      DefaultTTL,
		Protocol: ProtocolUDP,
		Checksum: 0,
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	b, err := hdr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ip header: %w", err)
	}
	putChecksum(b[:IpHeaderLength], ipChecksumOffset)
	return b, nil
}

// ParseIPHeader parses and validates the IPv4 header at the start of frame.
// It returns the header and the header length in bytes.
func ParseIPHeader(frame []byte) (*ipv4header.IPv4Header, int, error) {
	if len(frame) < IpHeaderLength {
		return nil, 0, fmt.Errorf("%w: %d bytes is shorter than an IPv4 header", ErrMalformed, len(frame))
	}
	hdr, err := ipv4header.ParseHeader(frame)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if hdr.Version != 4 || hdr.Len < IpHeaderLength || hdr.Len > len(frame) {
		return nil, 0, fmt.Errorf("%w: version %d, header length %d", ErrMalformed, hdr.Version, hdr.Len)
	}
	if !VerifyChecksum(frame[:hdr.Len], ipChecksumOffset) {
		return nil, 0, fmt.Errorf("%w: ip header", ErrCorrupt)
	}
	return hdr, hdr.Len, nil
}

// UDPHeader holds the fields of the 8-byte UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16 // zero: the IP header checksum and the SRFT checksum cover the frame
}

// BuildUDPHeader returns the UDP header for payloadLen bytes of payload.
func BuildUDPHeader(srcPort, dstPort uint16, payloadLen int) ([]byte, error) {
	if payloadLen < 0 || UdpHeaderLength+payloadLen > 0xffff {
		return nil, fmt.Errorf("udp header: payload length %d out of range", payloadLen)
	}
	b := make(header.UDP, header.UDPMinimumSize)
	b.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(UdpHeaderLength + payloadLen),
	})
	return b, nil
}

// ParseUDPHeader decodes the UDP header at the start of datagram and returns
// it with the payload it frames.
func ParseUDPHeader(datagram []byte) (UDPHeader, []byte, error) {
	if len(datagram) < header.UDPMinimumSize {
		return UDPHeader{}, nil, fmt.Errorf("%w: %d bytes is shorter than a UDP header", ErrMalformed, len(datagram))
	}
	u := header.UDP(datagram)
	h := UDPHeader{
		SrcPort:  u.SourcePort(),
		DstPort:  u.DestinationPort(),
		Length:   u.Length(),
		Checksum: u.Checksum(),
	}
	if int(h.Length) < UdpHeaderLength || int(h.Length) > len(datagram) {
		return UDPHeader{}, nil, fmt.Errorf("%w: udp length %d with %d bytes available", ErrMalformed, h.Length, len(datagram))
	}
	return h, datagram[UdpHeaderLength:h.Length], nil
}
