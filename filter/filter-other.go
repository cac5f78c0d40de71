//go:build !linux
// +build !linux

package filter

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

func newIptablesFilter(string, *zap.Logger) (Filter, error) {
	return nil, fmt.Errorf("iptables filter is not supported on %s", runtime.GOOS)
}

func newNftablesFilter(string, *zap.Logger) (Filter, error) {
	return nil, fmt.Errorf("nftables filter is not supported on %s", runtime.GOOS)
}
