//go:build linux
// +build linux

package lib

import (
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// RawTransport owns one raw IPv4 socket with IP_HDRINCL set, so frames are
// written with the IP header built by this package.
type RawTransport struct {
	config *RawTransportConfig
	fd     int
	buffer []byte
	mu     sync.Mutex
	closed bool
	log    *zap.Logger
}

// NewRawTransport opens the raw socket. It needs CAP_NET_RAW; failure here is
// reported before any session starts.
func NewRawTransport(config *RawTransportConfig, logger *zap.Logger) (*RawTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_UDP)
	if err != nil {
		return nil, errors.Wrap(err, "open raw socket (root or CAP_NET_RAW required)")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set IP_HDRINCL")
	}
	tv := unix.NsecToTimeval(config.PollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set SO_RCVTIMEO")
	}

	logger.Info("raw socket opened",
		zap.Stringer("local", config.LocalAddr),
		zap.Uint16("port", config.LocalPort))

	return &RawTransport{
		config: config,
		fd:     fd,
		buffer: make([]byte, config.BufferSize),
		log:    logger,
	}, nil
}

// Send writes a complete frame. The destination is taken from the frame's
// IP header.
func (t *RawTransport) Send(frame []byte) error {
	if len(frame) < IpHeaderLength {
		return errors.Errorf("frame of %d bytes has no IP header", len(frame))
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	dst := &unix.SockaddrInet4{}
	copy(dst.Addr[:], frame[16:20])
	if err := unix.Sendto(t.fd, frame, 0, dst); err != nil {
		return errors.Wrap(err, "raw sendto")
	}
	return nil
}

// Receive blocks for at most the poll interval and returns the first frame
// addressed to the local port.
func (t *RawTransport) Receive() (netip.Addr, []byte, error) {
	for {
		n, _, err := unix.Recvfrom(t.fd, t.buffer, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return netip.Addr{}, nil, &TimeoutError{msg: "raw socket receive timeout"}
			}
			return netip.Addr{}, nil, errors.Wrap(err, "raw recvfrom")
		}

		src, datagram, ok := t.accept(t.buffer[:n])
		if !ok {
			continue
		}
		out := make([]byte, len(datagram))
		copy(out, datagram)
		return src, out, nil
	}
}

// accept filters a received frame down to the configured (source, port) pair.
func (t *RawTransport) accept(frame []byte) (netip.Addr, []byte, bool) {
	ipHdr, hdrLen, err := ParseIPHeader(frame)
	if err != nil || ipHdr.Protocol != ProtocolUDP {
		return netip.Addr{}, nil, false
	}
	if t.config.LocalAddr.IsValid() && !t.config.LocalAddr.IsUnspecified() && ipHdr.Dst != t.config.LocalAddr {
		return netip.Addr{}, nil, false
	}
	if t.config.PeerAddr.IsValid() && !t.config.PeerAddr.IsUnspecified() && ipHdr.Src != t.config.PeerAddr {
		return netip.Addr{}, nil, false
	}

	end := ipHdr.TotalLen
	if end < hdrLen || end > len(frame) {
		end = len(frame)
	}
	datagram := frame[hdrLen:end]

	var udp layers.UDP
	if err := udp.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
		return netip.Addr{}, nil, false
	}
	if uint16(udp.DstPort) != t.config.LocalPort {
		return netip.Addr{}, nil, false
	}
	return ipHdr.Src, datagram, true
}

// Close releases the socket. The caller stops its receive loop first.
func (t *RawTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := unix.Close(t.fd); err != nil {
		return errors.Wrap(err, "close raw socket")
	}
	t.log.Info("raw socket closed")
	return nil
}
