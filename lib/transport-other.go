//go:build !linux
// +build !linux

package lib

import (
	"fmt"
	"net/netip"
	"runtime"

	"go.uber.org/zap"
)

// RawTransport is only available on Linux.
type RawTransport struct{}

func NewRawTransport(config *RawTransportConfig, logger *zap.Logger) (*RawTransport, error) {
	return nil, fmt.Errorf("%w: raw IP_HDRINCL transport is not supported on %s", ErrIO, runtime.GOOS)
}

func (t *RawTransport) Send(frame []byte) error { return ErrSessionClosed }

func (t *RawTransport) Receive() (netip.Addr, []byte, error) {
	return netip.Addr{}, nil, ErrSessionClosed
}

func (t *RawTransport) Close() error { return nil }
