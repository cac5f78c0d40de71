package lib

import (
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// SrftCoreConfig holds every tunable of a transfer session.
type SrftCoreConfig struct {
	ServerPort           uint16        // port the receiving endpoint binds
	ClientPort           uint16        // port the sending endpoint binds
	MaxPayloadSize       int           // plaintext bytes per DATA segment
	WindowSize           int           // fixed send/receive window in segments
	RetransmitTimeout    time.Duration // per-window retransmission timeout
	MaxRetries           int           // retransmissions of one segment before giving up
	IdleTimeout          time.Duration // no progress for this long fails the session
	CompletionTimeout    time.Duration // receiving endpoint's overall wait for one transfer
	LingerTimeout        time.Duration // receiver keeps answering FIN retransmissions this long
	PollInterval         time.Duration // transport receive deadline
	PSK                  []byte        // pre-shared key; nil selects a plain session
	PacketLostSimulation bool          // drop one outbound frame in ten
	Debug                bool          // global debug setting
	PoolDebug            bool          // Ring Pool debug setting
}

func DefaultSrftCoreConfig() *SrftCoreConfig {
	return &SrftCoreConfig{
		ServerPort:        12345,
		ClientPort:        12346,
		MaxPayloadSize:    1024,
		WindowSize:        4,
		RetransmitTimeout: 500 * time.Millisecond,
		MaxRetries:        10,
		IdleTimeout:       30 * time.Second,
		CompletionTimeout: 60 * time.Second,
		LingerTimeout:     2 * time.Second,
		PollInterval:      500 * time.Millisecond,
	}
}

const minPSKLength = 16

// Validate checks the configuration for values the protocol cannot run with.
func (c *SrftCoreConfig) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	case c.MaxPayloadSize <= 0:
		return fmt.Errorf("max payload size must be positive, got %d", c.MaxPayloadSize)
	case c.MaxPayloadSize+chacha20poly1305.Overhead+FrameOverhead > MaxIPv4Datagram:
		return fmt.Errorf("max payload size %d does not fit in one IPv4 datagram", c.MaxPayloadSize)
	case c.RetransmitTimeout <= 0:
		return fmt.Errorf("retransmit timeout must be positive")
	case c.MaxRetries <= 0:
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("idle timeout must be positive")
	case c.CompletionTimeout <= 0:
		return fmt.Errorf("completion timeout must be positive")
	case c.LingerTimeout <= 0:
		return fmt.Errorf("linger timeout must be positive")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.PSK != nil && len(c.PSK) < minPSKLength:
		return fmt.Errorf("pre-shared key must be at least %d bytes, got %d", minPSKLength, len(c.PSK))
	case c.PSK != nil && c.WindowSize > replayWindowWidth:
		return fmt.Errorf("window size %d exceeds the replay window of %d in secure mode", c.WindowSize, replayWindowWidth)
	}
	return nil
}

// Secure reports whether sessions built from this config run the handshake
// and seal every segment.
func (c *SrftCoreConfig) Secure() bool {
	return c.PSK != nil
}

func (c *SrftCoreConfig) sweepInterval() time.Duration {
	interval := c.RetransmitTimeout / 10
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	return interval
}

// wirePayloadLimit is the largest payload a frame may carry, ciphertext
// tag included.
func (c *SrftCoreConfig) wirePayloadLimit() int {
	return c.MaxPayloadSize + chacha20poly1305.Overhead
}
