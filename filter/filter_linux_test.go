//go:build linux
// +build linux

package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFirewall stands in for the iptables and nft binaries.
type fakeFirewall struct {
	calls   []string
	outputs map[string]string // command prefix -> output
	fail    map[string]bool   // command prefix -> exit with error
}

func (f *fakeFirewall) run(name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	for prefix := range f.fail {
		if strings.HasPrefix(cmd, prefix) {
			return []byte("failed"), errors.New("exit status 1")
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(cmd, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func useFakeFirewall(t *testing.T, fw *fakeFirewall) {
	saved := runCommand
	runCommand = fw.run
	t.Cleanup(func() { runCommand = saved })
}

func TestIptablesFilter(t *testing.T) {
	fw := &fakeFirewall{
		fail: map[string]bool{"iptables -C": true},
		outputs: map[string]string{"iptables -S OUTPUT": `-P OUTPUT ACCEPT
-A OUTPUT -s 10.0.0.2/32 -p icmp -m icmp --icmp-type 3/3 -m comment --comment SRFT:12345 -j DROP
-A OUTPUT -p tcp -j ACCEPT
`},
	}
	useFakeFirewall(t, fw)

	f, err := NewFilter("iptables", "SRFT", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.AddPortFiltering("10.0.0.2", 12345))
	assert.Contains(t, fw.calls, "iptables -A OUTPUT -s 10.0.0.2 -p icmp --icmp-type 3/3 -m comment --comment SRFT:12345 -j DROP")

	require.NoError(t, f.RemovePortFiltering("10.0.0.2", 12345))
	assert.Contains(t, fw.calls, "iptables -D OUTPUT -s 10.0.0.2 -p icmp --icmp-type 3/3 -m comment --comment SRFT:12345 -j DROP")

	fw.calls = nil
	require.NoError(t, f.FinishFiltering())
	assert.Equal(t, []string{
		"iptables -S OUTPUT",
		"iptables -D OUTPUT -s 10.0.0.2/32 -p icmp -m icmp --icmp-type 3/3 -m comment --comment SRFT:12345 -j DROP",
	}, fw.calls)
}

func TestIptablesFilterUnavailable(t *testing.T) {
	useFakeFirewall(t, &fakeFirewall{fail: map[string]bool{"iptables": true}})
	_, err := NewFilter("iptables", "SRFT", nil)
	assert.Error(t, err)
}

func TestNftablesFilter(t *testing.T) {
	fw := &fakeFirewall{
		outputs: map[string]string{"nft -a list chain inet srft_anchor output": `table inet srft_anchor {
	chain output { # handle 1
		type filter hook output priority filter; policy accept;
		ip saddr 10.0.0.2 icmp type destination-unreachable icmp code port-unreachable drop comment "srft_anchor:12345" # handle 4
	}
}`},
	}
	useFakeFirewall(t, fw)

	f, err := NewFilter("nftables", "SRFT-anchor", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "nft add table inet srft_anchor", fw.calls[0])

	fw.calls = nil
	require.NoError(t, f.AddPortFiltering("10.0.0.2", 12345))
	assert.Len(t, fw.calls, 1, "rule already present")

	require.NoError(t, f.AddPortFiltering("10.0.0.2", 12346))
	assert.Contains(t, fw.calls[len(fw.calls)-1], `drop comment "srft_anchor:12346"`)

	require.NoError(t, f.RemovePortFiltering("10.0.0.2", 12345))
	assert.Equal(t, "nft delete rule inet srft_anchor output handle 4", fw.calls[len(fw.calls)-1])

	require.NoError(t, f.FinishFiltering())
	assert.Equal(t, "nft delete table inet srft_anchor", fw.calls[len(fw.calls)-1])
}
