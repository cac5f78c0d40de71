package lib

import (
	"fmt"
	"net"
	"net/netip"
)

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo operation included
}

// SEQ compare functions with SEQ wraparound in mind (serial number
// arithmetic: seq1 is greater when it lies less than 2^31 ahead of seq2).
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return isGreater(seq1, seq2) || (seq1 == seq2)
}

func isLess(seq1, seq2 uint32) bool {
	return !isGreaterOrEqual(seq1, seq2)
}

// seqInRange reports whether lo <= seq < lo+size.
func seqInRange(seq, lo uint32, size int) bool {
	return seq-lo < uint32(size)
}

// FindLocalIP selects a local IPv4 address in the same /24 as target, or
// falls back to the first non-loopback IPv4 address that is up.
func FindLocalIP(target netip.Addr) (netip.Addr, error) {
	if !target.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid target IP: %s", target)
	}
	if target.IsLoopback() {
		return target, nil
	}
	targetNet := netip.PrefixFrom(target, 24).Masked()

	interfaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to get network interfaces: %v", err)
	}

	var fallback netip.Addr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue // Skip down or loopback interfaces
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok {
				continue // Skip IPv6
			}
			if targetNet.Contains(ip) {
				return ip, nil
			}
			if !fallback.IsValid() {
				fallback = ip
			}
		}
	}

	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, fmt.Errorf("no suitable local IP found for target %s", target)
}
