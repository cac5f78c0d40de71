//go:build linux
// +build linux

package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type iptablesFilter struct {
	comment string
	log     *zap.Logger
}

func newIptablesFilter(identifier string, logger *zap.Logger) (Filter, error) {
	if out, err := runCommand("iptables", "-S", "OUTPUT"); err != nil {
		return nil, fmt.Errorf("iptables is not enabled or available: %v\nOutput: %s", err, out)
	}
	return &iptablesFilter{comment: identifier, log: logger}, nil
}

func (f *iptablesFilter) ruleArgs(op, addr string, port int) []string {
	return []string{op, "OUTPUT",
		"-s", addr,
		"-p", "icmp", "--icmp-type", "3/3",
		"-m", "comment", "--comment", f.comment + ":" + strconv.Itoa(port),
		"-j", "DROP"}
}

// AddPortFiltering drops outbound port-unreachable messages sent by addr.
// The rule is tagged with the port so it can be removed per port.
func (f *iptablesFilter) AddPortFiltering(addr string, port int) error {
	if _, err := runCommand("iptables", f.ruleArgs("-C", addr, port)...); err == nil {
		f.log.Debug("iptables rule already exists", zap.String("addr", addr), zap.Int("port", port))
		return nil
	}
	if out, err := runCommand("iptables", f.ruleArgs("-A", addr, port)...); err != nil {
		return fmt.Errorf("failed to add iptables rule: %v\nOutput: %s", err, out)
	}
	f.log.Info("added iptables rule", zap.String("addr", addr), zap.Int("port", port))
	return nil
}

func (f *iptablesFilter) RemovePortFiltering(addr string, port int) error {
	if out, err := runCommand("iptables", f.ruleArgs("-D", addr, port)...); err != nil {
		return fmt.Errorf("failed to remove iptables rule: %v\nOutput: %s", err, out)
	}
	f.log.Info("removed iptables rule", zap.String("addr", addr), zap.Int("port", port))
	return nil
}

// FinishFiltering deletes every OUTPUT rule carrying this filter's comment.
func (f *iptablesFilter) FinishFiltering() error {
	output, err := runCommand("iptables", "-S", "OUTPUT")
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %v\nOutput: %s", err, output)
	}

	var deleteErrors []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "-A ") || !strings.Contains(line, "--comment "+f.comment+":") &&
			!strings.Contains(line, "--comment \""+f.comment+":") {
			continue
		}
		args := strings.Fields(strings.Replace(line, "-A", "-D", 1))
		for i := range args {
			args[i] = strings.Trim(args[i], "\"")
		}
		if out, err := runCommand("iptables", args...); err != nil {
			deleteErrors = append(deleteErrors, fmt.Sprintf("%s\nError: %s", line, out))
		}
	}
	if len(deleteErrors) > 0 {
		return fmt.Errorf("some rules failed to delete:\n%s", strings.Join(deleteErrors, "\n"))
	}
	return nil
}

// nftablesFilter keeps its rules in a table of its own, so FinishFiltering
// is a single table delete.
type nftablesFilter struct {
	table string
	log   *zap.Logger
}

func newNftablesFilter(identifier string, logger *zap.Logger) (Filter, error) {
	f := &nftablesFilter{table: nftTableName(identifier), log: logger}
	if err := f.ensureTableAndChain(); err != nil {
		return nil, err
	}
	return f, nil
}

// nftTableName turns an identifier into a valid nft table name.
func nftTableName(identifier string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, identifier)
	if name == "" {
		name = "srft"
	}
	return strings.ToLower(name)
}

func (f *nftablesFilter) ensureTableAndChain() error {
	if out, err := runCommand("nft", "add", "table", "inet", f.table); err != nil {
		return fmt.Errorf("failed to create nftables table: %v\nOutput: %s", err, out)
	}
	if out, err := runCommand("nft", "add", "chain", "inet", f.table, "output",
		"{", "type", "filter", "hook", "output", "priority", "0", ";", "}"); err != nil {
		return fmt.Errorf("failed to create nftables output chain: %v\nOutput: %s", err, out)
	}
	return nil
}

func (f *nftablesFilter) comment(port int) string {
	return fmt.Sprintf("%s:%d", f.table, port)
}

func (f *nftablesFilter) AddPortFiltering(addr string, port int) error {
	if handle, err := f.ruleHandle(port); err == nil && handle != "" {
		return nil
	}
	out, err := runCommand("nft", "add", "rule", "inet", f.table, "output",
		"ip", "saddr", addr, "icmp", "type", "destination-unreachable", "icmp", "code", "port-unreachable",
		"drop", "comment", strconv.Quote(f.comment(port)))
	if err != nil {
		return fmt.Errorf("failed to add nftables rule: %v\nOutput: %s", err, out)
	}
	f.log.Info("added nftables rule", zap.String("addr", addr), zap.Int("port", port))
	return nil
}

func (f *nftablesFilter) RemovePortFiltering(addr string, port int) error {
	handle, err := f.ruleHandle(port)
	if err != nil {
		return err
	}
	if handle == "" {
		return nil
	}
	if out, err := runCommand("nft", "delete", "rule", "inet", f.table, "output", "handle", handle); err != nil {
		return fmt.Errorf("failed to remove nftables rule: %v\nOutput: %s", err, out)
	}
	f.log.Info("removed nftables rule", zap.String("addr", addr), zap.Int("port", port))
	return nil
}

// ruleHandle finds the handle of the rule for port, "" if there is none.
func (f *nftablesFilter) ruleHandle(port int) (string, error) {
	output, err := runCommand("nft", "-a", "list", "chain", "inet", f.table, "output")
	if err != nil {
		return "", fmt.Errorf("failed to list nftables rules: %v\nOutput: %s", err, output)
	}
	tag := strconv.Quote(f.comment(port))
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, tag) {
			continue
		}
		if i := strings.LastIndex(line, "# handle "); i >= 0 {
			return strings.TrimSpace(line[i+len("# handle "):]), nil
		}
	}
	return "", nil
}

func (f *nftablesFilter) FinishFiltering() error {
	if out, err := runCommand("nft", "delete", "table", "inet", f.table); err != nil {
		return fmt.Errorf("failed to delete nftables table: %v\nOutput: %s", err, out)
	}
	f.log.Info("deleted nftables table", zap.String("table", f.table))
	return nil
}
