package filter

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Filter keeps the host stack from answering raw SRFT traffic. A UDP
// datagram to a port no socket is bound to makes the kernel send ICMP port
// unreachable back to the peer; every backend suppresses that for one
// address and port.
type Filter interface {
	AddPortFiltering(addr string, port int) error    // suppresses port-unreachable replies for traffic to addr:port
	RemovePortFiltering(addr string, port int) error // undoes AddPortFiltering
	FinishFiltering() error                          // removes every rule this filter added
}

// NewFilter returns the backend named by kind: "listener", "iptables",
// "nftables" or "none". identifier tags firewall rules so FinishFiltering
// can find them again.
func NewFilter(kind, identifier string, logger *zap.Logger) (Filter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("filter", kind))
	switch kind {
	case "listener":
		return newListenerFilter(logger), nil
	case "iptables":
		return newIptablesFilter(identifier, logger)
	case "nftables":
		return newNftablesFilter(identifier, logger)
	case "none", "":
		return noopFilter{}, nil
	}
	return nil, fmt.Errorf("unknown filter %q", kind)
}

// runCommand executes a firewall tool and returns its combined output.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

type noopFilter struct{}

func (noopFilter) AddPortFiltering(string, int) error    { return nil }
func (noopFilter) RemovePortFiltering(string, int) error { return nil }
func (noopFilter) FinishFiltering() error                { return nil }

// listenerFilter binds a dummy UDP socket on the port, so the kernel has a
// socket to deliver to and stays quiet. The socket is never read; raw
// socket receivers get their own copy of each datagram.
type listenerFilter struct {
	udpSrcMap sync.Map // "ip:port" -> *net.UDPConn
	log       *zap.Logger
}

func newListenerFilter(logger *zap.Logger) *listenerFilter {
	return &listenerFilter{log: logger}
}

func (l *listenerFilter) AddPortFiltering(addr string, port int) error {
	key := net.JoinHostPort(addr, strconv.Itoa(port))
	if _, exists := l.udpSrcMap.Load(key); exists {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", key)
	if err != nil {
		return fmt.Errorf("invalid UDP address: %v", err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to start dummy UDP listener: %v", err)
	}
	l.udpSrcMap.Store(key, conn)

	l.log.Info("started dummy UDP listener", zap.String("addr", key))
	return nil
}

func (l *listenerFilter) RemovePortFiltering(addr string, port int) error {
	key := net.JoinHostPort(addr, strconv.Itoa(port))
	conn, exists := l.udpSrcMap.LoadAndDelete(key)
	if !exists {
		return nil
	}
	if err := conn.(*net.UDPConn).Close(); err != nil {
		return err
	}
	l.log.Info("stopped dummy UDP listener", zap.String("addr", key))
	return nil
}

func (l *listenerFilter) FinishFiltering() error {
	var firstErr error
	l.udpSrcMap.Range(func(key, conn any) bool {
		l.udpSrcMap.Delete(key)
		if err := conn.(*net.UDPConn).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
