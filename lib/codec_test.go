package lib

import (
	"encoding/hex"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestCalculateChecksum(t *testing.T) {
	testCases := []struct {
		name     string
		input    string // hex
		expected uint16
	}{
		{"empty", "", 0xFFFF},
		{"zero word", "0000", 0xFFFF},
		{"all ones", "ffff", 0x0000},
		{"odd length", "abcdef", 0x6531},
		{"ipv4 header", "4500001cc0010000041100000a0c0e050c060709", 0xCBB0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input, err := hex.DecodeString(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, CalculateChecksum(input))
			// netstack returns the folded sum before complementing
			assert.Equal(t, tc.expected, ^header.Checksum(input, 0))
		})
	}
}

func TestVerifyChecksumDetectsBitFlips(t *testing.T) {
	seg := &Segment{SequenceNumber: 77, AcknowledgmentNum: 12, Flags: DATAFlag, Payload: []byte("some file bytes")}
	buf := make([]byte, 64)
	n, err := seg.Marshal(buf)
	require.NoError(t, err)
	frame := buf[:n]
	require.True(t, VerifyChecksum(frame, srftChecksumOffset))

	for i := 0; i < len(frame)*8; i++ {
		if i/8 == srftChecksumOffset || i/8 == srftChecksumOffset+1 {
			continue
		}
		frame[i/8] ^= 1 << (i % 8)
		assert.False(t, VerifyChecksum(frame, srftChecksumOffset), "bit %d", i)
		frame[i/8] ^= 1 << (i % 8)
	}
	assert.True(t, VerifyChecksum(frame, srftChecksumOffset), "frame restored")
}

func TestSegmentRoundTrip(t *testing.T) {
	seg := &Segment{SequenceNumber: 0xFFFFFFFF, AcknowledgmentNum: 3, Flags: FINFlag | ACKFlag}
	buf := make([]byte, SrftHeaderLength)
	n, err := seg.Marshal(buf)
	require.NoError(t, err)
	assert.Equal(t, SrftHeaderLength, n)

	decoded, err := DecodeSegment(buf)
	require.NoError(t, err)
	assert.Equal(t, seg.SequenceNumber, decoded.SequenceNumber)
	assert.Equal(t, seg.AcknowledgmentNum, decoded.AcknowledgmentNum)
	assert.Equal(t, seg.Flags, decoded.Flags)
	assert.Equal(t, seg.Checksum, decoded.Checksum)
	assert.Nil(t, decoded.Payload)
	assert.Equal(t, "FIN|ACK", FlagString(decoded.Flags))
}

func TestDecodeSegmentErrors(t *testing.T) {
	_, err := DecodeSegment(make([]byte, SrftHeaderLength-1))
	assert.ErrorIs(t, err, ErrMalformed)

	seg := &Segment{SequenceNumber: 1, Flags: DATAFlag, Payload: []byte("x")}
	buf := make([]byte, 32)
	n, err := seg.Marshal(buf)
	require.NoError(t, err)
	buf[n-1] ^= 0x80
	_, err = DecodeSegment(buf[:n])
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = seg.Marshal(make([]byte, SrftHeaderLength))
	assert.Error(t, err)
}

func TestIPHeaderAgainstStdParsers(t *testing.T) {
	src := netip.MustParseAddr("10.12.14.5")
	dst := netip.MustParseAddr("12.6.7.9")
	hdr, err := BuildIPHeader(src, dst, 100)
	require.NoError(t, err)
	require.Len(t, hdr, IpHeaderLength)

	parsed, err := ipv4.ParseHeader(hdr)
	require.NoError(t, err)
	assert.Equal(t, 4, parsed.Version)
	assert.Equal(t, IpHeaderLength, parsed.Len)
	assert.Equal(t, IpHeaderLength+100, parsed.TotalLen)
	assert.Equal(t, DefaultTTL, parsed.TTL)
	assert.Equal(t, ProtocolUDP, parsed.Protocol)
	assert.Equal(t, src.AsSlice(), []byte(parsed.Src.To4()))
	assert.Equal(t, dst.AsSlice(), []byte(parsed.Dst.To4()))
	assert.Equal(t, uint16(0), CalculateChecksum(hdr), "checksum over a valid header folds to zero")

	own, hlen, err := ParseIPHeader(hdr)
	require.NoError(t, err)
	assert.Equal(t, IpHeaderLength, hlen)
	assert.Equal(t, src, own.Src)

	hdr[8] = 1 // TTL changed without fixing the checksum
	_, _, err = ParseIPHeader(hdr)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = BuildIPHeader(netip.MustParseAddr("::1"), dst, 10)
	assert.Error(t, err)
}

func TestFramerBuildsDecodableFrame(t *testing.T) {
	framer := NewFramer(clientEndpoint, serverEndpoint, 64)
	seg := &Segment{SequenceNumber: 42, Flags: DATAFlag, Payload: []byte("hello srft")}
	frame, err := framer.Frame(seg)
	require.NoError(t, err)
	assert.Len(t, frame, FrameOverhead+len(seg.Payload))

	packet := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, packet.ErrorLayer())
	ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, clientEndpoint.Addr.AsSlice(), []byte(ip.SrcIP.To4()))
	assert.Equal(t, serverEndpoint.Addr.AsSlice(), []byte(ip.DstIP.To4()))
	udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	assert.Equal(t, layers.UDPPort(clientEndpoint.Port), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(serverEndpoint.Port), udp.DstPort)
	assert.Equal(t, uint16(UdpHeaderLength+SrftHeaderLength+len(seg.Payload)), udp.Length)

	receiving := NewFramer(serverEndpoint, Endpoint{}, 64)
	decoded, srcPort, err := receiving.Unframe(frame[IpHeaderLength:])
	require.NoError(t, err)
	assert.Equal(t, clientEndpoint.Port, srcPort)
	assert.Equal(t, seg.Payload, decoded.Payload)
	stray := Endpoint{Addr: netip.MustParseAddr("10.9.9.9"), Port: srcPort}
	assert.True(t, receiving.Matches(stray), "anything matches before a peer is pinned")
	assert.False(t, receiving.Remote().Addr.IsValid(), "Matches does not pin")
	assert.True(t, receiving.Learn(Endpoint{Addr: ip4(ip.SrcIP), Port: srcPort}))
	assert.Equal(t, clientEndpoint, receiving.Remote())
	assert.False(t, receiving.Learn(stray))
	assert.False(t, receiving.Matches(stray))
	assert.True(t, receiving.Matches(clientEndpoint))

	toStray, err := receiving.FrameTo(&Segment{Flags: SYNFlag | ACKFlag}, stray)
	require.NoError(t, err)
	hdr, _, err := ParseIPHeader(toStray)
	require.NoError(t, err)
	assert.Equal(t, stray.Addr, hdr.Dst)
	assert.Equal(t, clientEndpoint, receiving.Remote(), "FrameTo leaves the pinned peer alone")

	_, _, err = framer.Unframe(frame[IpHeaderLength:]) // addressed to the other port
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFramerLimits(t *testing.T) {
	framer := NewFramer(clientEndpoint, Endpoint{}, 8)
	_, err := framer.Frame(&Segment{Flags: DATAFlag, Payload: []byte("x")})
	assert.Error(t, err, "remote unknown")

	framer = NewFramer(clientEndpoint, serverEndpoint, 8)
	_, err = framer.Frame(&Segment{Flags: DATAFlag, Payload: make([]byte, 9)})
	assert.Error(t, err)

	_, _, err = framer.Unframe([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func ip4(ip []byte) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

func TestStateName(t *testing.T) {
	assert.Equal(t, "TRANSFERRING", StateName("sender", SenderTransferring))
	assert.Equal(t, "FIN_RECEIVED", StateName("receiver", ReceiverFinReceived))
	assert.Equal(t, "ESTABLISHED", StateName("handshake", HandshakeEstablished))
	assert.Equal(t, "UNKNOWN", StateName("sender", 99))
}
