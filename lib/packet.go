package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// Segment is one SRFT application-layer segment.
type Segment struct {
	SequenceNumber    uint32 // SequenceNumber of this segment
	AcknowledgmentNum uint32 // AcknowledgmentNum is cumulative: everything below it arrived
	Flags             uint8  // Flags is a combination of DATAFlag, ACKFlag, FINFlag, REQFlag, SYNFlag, GETFlag
	Checksum          uint16 // Checksum over header (checksum zeroed) and payload
	Payload           []byte // Payload is file bytes, a file name, a Hello, or AEAD ciphertext
}

// Has reports whether all bits of flag are set.
func (s *Segment) Has(flag uint8) bool {
	return s.Flags&flag == flag
}

func (s *Segment) String() string {
	return fmt.Sprintf("seq=%d ack=%d flags=%s len=%d", s.SequenceNumber, s.AcknowledgmentNum, FlagString(s.Flags), len(s.Payload))
}

// FlagString renders flags as e.g. "SYN|ACK".
func FlagString(flags uint8) string {
	names := []struct {
		flag uint8
		name string
	}{{SYNFlag, "SYN"}, {GETFlag, "GET"}, {REQFlag, "REQ"}, {DATAFlag, "DATA"}, {FINFlag, "FIN"}, {ACKFlag, "ACK"}}
	parts := make([]string, 0, 2)
	for _, n := range names {
		if flags&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Marshal writes the segment into buffer and returns the number of bytes
// written. The checksum is computed and stored in both buffer and s.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	frameLength := SrftHeaderLength + len(s.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the segment (%d)", len(buffer), frameLength)
	}
	frame := buffer[:frameLength]

	binary.BigEndian.PutUint32(frame[0:4], s.SequenceNumber)
	binary.BigEndian.PutUint32(frame[4:8], s.AcknowledgmentNum)
	frame[8] = s.Flags
	copy(frame[SrftHeaderLength:], s.Payload)

	s.Checksum = putChecksum(frame, srftChecksumOffset)
	return frameLength, nil
}

// Unmarshal decodes data into s. It only checks framing; call
// VerifySegment to detect corruption. Payload aliases data.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < SrftHeaderLength {
		return fmt.Errorf("%w: %d bytes is shorter than the SRFT header", ErrMalformed, len(data))
	}
	s.SequenceNumber = binary.BigEndian.Uint32(data[0:4])
	s.AcknowledgmentNum = binary.BigEndian.Uint32(data[4:8])
	s.Flags = data[8]
	s.Checksum = binary.BigEndian.Uint16(data[9:11])
	if len(data) > SrftHeaderLength {
		s.Payload = data[SrftHeaderLength:]
	} else {
		s.Payload = nil
	}
	return nil
}

// VerifySegment checks the SRFT checksum of a serialized segment.
func VerifySegment(data []byte) error {
	if len(data) < SrftHeaderLength {
		return fmt.Errorf("%w: %d bytes is shorter than the SRFT header", ErrMalformed, len(data))
	}
	if !VerifyChecksum(data, srftChecksumOffset) {
		return fmt.Errorf("%w: srft segment", ErrCorrupt)
	}
	return nil
}

// DecodeSegment unmarshals data and verifies its checksum. Malformed framing
// and corruption are reported with distinct error kinds.
func DecodeSegment(data []byte) (*Segment, error) {
	seg := &Segment{}
	if err := seg.Unmarshal(data); err != nil {
		return nil, err
	}
	if err := VerifySegment(data); err != nil {
		return nil, err
	}
	return seg, nil
}

// GenerateISN returns a random initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}

// Endpoint is an IPv4 address and port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Framer assembles outbound segments into IP+UDP+SRFT frames and strips
// inbound UDP datagrams back to segments. The remote endpoint may be learned
// from the first inbound datagram when it is not configured.
type Framer struct {
	mu         sync.RWMutex
	local      Endpoint
	remote     Endpoint
	maxPayload int
}

func NewFramer(local, remote Endpoint, maxPayload int) *Framer {
	return &Framer{local: local, remote: remote, maxPayload: maxPayload}
}

func (f *Framer) Remote() Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.remote
}

// Matches reports whether a datagram from peer may belong to this session:
// the remote is still unknown or it is peer.
func (f *Framer) Matches(peer Endpoint) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	addrKnown := f.remote.Addr.IsValid() && !f.remote.Addr.IsUnspecified()
	if addrKnown && f.remote.Addr != peer.Addr {
		return false
	}
	return f.remote.Port == 0 || f.remote.Port == peer.Port
}

// Learn pins the remote endpoint if it is still unknown. It returns false if
// a different peer is already pinned.
func (f *Framer) Learn(peer Endpoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.remote.Addr.IsValid() || f.remote.Addr.IsUnspecified() {
		f.remote.Addr = peer.Addr
	}
	if f.remote.Port == 0 {
		f.remote.Port = peer.Port
	}
	return f.remote == peer
}

// Frame serializes seg into a complete IPv4 frame addressed to the remote
// endpoint.
func (f *Framer) Frame(seg *Segment) ([]byte, error) {
	return f.FrameTo(seg, f.Remote())
}

// FrameTo serializes seg into a frame addressed to remote, which need not be
// the pinned endpoint.
func (f *Framer) FrameTo(seg *Segment, remote Endpoint) ([]byte, error) {
	if !remote.Addr.IsValid() || remote.Port == 0 {
		return nil, fmt.Errorf("frame: remote endpoint unknown")
	}
	if len(seg.Payload) > f.maxPayload {
		return nil, fmt.Errorf("frame: payload %d exceeds limit %d", len(seg.Payload), f.maxPayload)
	}

	udpLength := UdpHeaderLength + SrftHeaderLength + len(seg.Payload)
	frame := make([]byte, IpHeaderLength+udpLength)

	ipHdr, err := BuildIPHeader(f.local.Addr, remote.Addr, udpLength)
	if err != nil {
		return nil, err
	}
	udpHdr, err := BuildUDPHeader(f.local.Port, remote.Port, SrftHeaderLength+len(seg.Payload))
	if err != nil {
		return nil, err
	}
	copy(frame, ipHdr)
	copy(frame[IpHeaderLength:], udpHdr)
	if _, err := seg.Marshal(frame[IpHeaderLength+UdpHeaderLength:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Unframe decodes a UDP datagram (IP header already removed by the
// transport) into a segment and the sender's port. Datagrams for other
// ports are reported as malformed.
func (f *Framer) Unframe(datagram []byte) (*Segment, uint16, error) {
	udp, payload, err := ParseUDPHeader(datagram)
	if err != nil {
		return nil, 0, err
	}
	if udp.DstPort != f.local.Port {
		return nil, 0, fmt.Errorf("%w: datagram for port %d", ErrMalformed, udp.DstPort)
	}
	seg, err := DecodeSegment(payload)
	if err != nil {
		return nil, udp.SrcPort, err
	}
	return seg, udp.SrcPort, nil
}
