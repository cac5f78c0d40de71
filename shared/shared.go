// Package shared holds what the server and client binaries have in common:
// logger construction, endpoint setup and report output.
package shared

import (
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/Clouded-Sabre/srft/filter"
	"github.com/Clouded-Sabre/srft/lib"
	"go.uber.org/zap"
)

const FilterIdentifier = "SRFT"

// NewLogger returns a development logger when debug is set, a production
// logger otherwise.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Endpoint holds the raw transport of one binary and the port filter that
// keeps the kernel quiet about it.
type Endpoint struct {
	Local     lib.Endpoint
	Transport *lib.RawTransport
	filter    filter.Filter
	log       *zap.Logger
}

// OpenEndpoint installs the port filter for local and opens the raw
// transport bound to it. peer, when valid, restricts accepted sources.
func OpenEndpoint(local lib.Endpoint, peer netip.Addr, filterKind string, base lib.RawTransportConfig, logger *zap.Logger) (*Endpoint, error) {
	pf, err := filter.NewFilter(filterKind, FilterIdentifier, logger)
	if err != nil {
		return nil, err
	}
	if err := pf.AddPortFiltering(local.Addr.String(), int(local.Port)); err != nil {
		return nil, fmt.Errorf("add port filtering: %w", err)
	}

	config := base
	config.LocalAddr = local.Addr
	config.LocalPort = local.Port
	config.PeerAddr = peer
	transport, err := lib.NewRawTransport(&config, logger)
	if err != nil {
		pf.FinishFiltering()
		return nil, err
	}
	return &Endpoint{Local: local, Transport: transport, filter: pf, log: logger}, nil
}

// Close removes the port filter. The transport is owned and closed by the
// session built on it.
func (e *Endpoint) Close() {
	if err := e.filter.RemovePortFiltering(e.Local.Addr.String(), int(e.Local.Port)); err != nil {
		e.log.Warn("remove port filtering", zap.Error(err))
	}
	if err := e.filter.FinishFiltering(); err != nil {
		e.log.Warn("finish filtering", zap.Error(err))
	}
}

// WriteReport renders report to path, or to stdout when path is empty.
func WriteReport(report *lib.Report, path string) error {
	if report == nil {
		return nil
	}
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err := report.WriteTo(w)
	return err
}
