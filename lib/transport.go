package lib

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FrameTransport moves complete IPv4 frames. Receive returns the source
// address and the datagram that followed the IP header; when nothing arrives
// within the poll interval it returns a *TimeoutError so callers can check
// for shutdown.
type FrameTransport interface {
	Send(frame []byte) error
	Receive() (netip.Addr, []byte, error)
	Close() error
}

// RawTransportConfig configures the raw socket transport.
type RawTransportConfig struct {
	LocalAddr    netip.Addr    // frames must be addressed here; unspecified accepts any
	LocalPort    uint16        // UDP destination port to accept
	PeerAddr     netip.Addr    // if valid, only frames from this source are accepted
	PollInterval time.Duration // receive deadline used to poll for shutdown
	BufferSize   int           // largest frame accepted
}

func DefaultRawTransportConfig() *RawTransportConfig {
	return &RawTransportConfig{
		PollInterval: 500 * time.Millisecond,
		BufferSize:   MaxIPv4Datagram,
	}
}

// lossyTransport drops one outbound frame at a random position in every
// ten, to exercise retransmission on a clean link.
type lossyTransport struct {
	FrameTransport
	mu        sync.Mutex
	rng       *rand.Rand
	count     int
	lostCount int
	log       *zap.Logger
}

// NewLossyTransport wraps t with outbound packet loss simulation.
func NewLossyTransport(t FrameTransport, seed int64, logger *zap.Logger) FrameTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &lossyTransport{FrameTransport: t, rng: rand.New(rand.NewSource(seed)), log: logger}
}

func (l *lossyTransport) Send(frame []byte) error {
	l.mu.Lock()
	if l.count == 0 {
		l.lostCount = l.rng.Intn(10)
	}
	lost := l.count == l.lostCount
	position := l.count
	l.count = (l.count + 1) % 10
	l.mu.Unlock()

	if lost {
		l.log.Debug("simulated frame loss", zap.Int("position", position))
		return nil
	}
	return l.FrameTransport.Send(frame)
}
