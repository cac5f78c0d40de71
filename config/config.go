package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Clouded-Sabre/srft/lib"
	"gopkg.in/yaml.v3"
)

// AppConfig is what the binaries need beyond the protocol tunables.
type AppConfig struct {
	ServerIP  string // receiving endpoint address
	ClientIP  string // sending endpoint address, empty selects one by route
	Filter    string // listener, iptables, nftables or none
	OutputDir string // where the server writes received files
	StatsFile string // transfer report destination, empty for stdout
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		ServerIP:  "127.0.0.1",
		Filter:    "listener",
		OutputDir: "received",
	}
}

// fileConfig mirrors config.yaml. Durations are Go duration strings
// ("500ms", "30s").
type fileConfig struct {
	ServerIP             string        `yaml:"server_ip"`
	ClientIP             string        `yaml:"client_ip"`
	ServerPort           uint16        `yaml:"server_port"`
	ClientPort           uint16        `yaml:"client_port"`
	MaxPayloadSize       int           `yaml:"max_payload_size"`
	WindowSize           int           `yaml:"window_size"`
	RetransmitTimeout    time.Duration `yaml:"retransmit_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	CompletionTimeout    time.Duration `yaml:"completion_timeout"`
	LingerTimeout        time.Duration `yaml:"linger_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	PSKHex               string        `yaml:"psk_hex"`
	PSKEnv               string        `yaml:"psk_env"`
	PacketLostSimulation bool          `yaml:"packet_lost_simulation"`
	Debug                bool          `yaml:"debug"`
	PoolDebug            bool          `yaml:"pool_debug"`
	Filter               string        `yaml:"filter"`
	OutputDir            string        `yaml:"output_dir"`
	StatsFile            string        `yaml:"stats_file"`
}

func defaultFileConfig() fileConfig {
	core := lib.DefaultSrftCoreConfig()
	app := DefaultAppConfig()
	return fileConfig{
		ServerIP:          app.ServerIP,
		ClientIP:          app.ClientIP,
		ServerPort:        core.ServerPort,
		ClientPort:        core.ClientPort,
		MaxPayloadSize:    core.MaxPayloadSize,
		WindowSize:        core.WindowSize,
		RetransmitTimeout: core.RetransmitTimeout,
		MaxRetries:        core.MaxRetries,
		IdleTimeout:       core.IdleTimeout,
		CompletionTimeout: core.CompletionTimeout,
		LingerTimeout:     core.LingerTimeout,
		PollInterval:      core.PollInterval,
		Filter:            app.Filter,
		OutputDir:         app.OutputDir,
	}
}

// LoadConfig reads the YAML file at path over the defaults. A missing file
// is not an error: the defaults are returned.
func LoadConfig(path string) (*lib.SrftCoreConfig, *AppConfig, error) {
	fc := defaultFileConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return fc.resolve()
}

// ParseConfig decodes YAML bytes over the defaults.
func ParseConfig(data []byte) (*lib.SrftCoreConfig, *AppConfig, error) {
	fc := defaultFileConfig()
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	return fc.resolve()
}

func (fc *fileConfig) resolve() (*lib.SrftCoreConfig, *AppConfig, error) {
	psk, err := fc.psk()
	if err != nil {
		return nil, nil, err
	}
	core := &lib.SrftCoreConfig{
		ServerPort:           fc.ServerPort,
		ClientPort:           fc.ClientPort,
		MaxPayloadSize:       fc.MaxPayloadSize,
		WindowSize:           fc.WindowSize,
		RetransmitTimeout:    fc.RetransmitTimeout,
		MaxRetries:           fc.MaxRetries,
		IdleTimeout:          fc.IdleTimeout,
		CompletionTimeout:    fc.CompletionTimeout,
		LingerTimeout:        fc.LingerTimeout,
		PollInterval:         fc.PollInterval,
		PSK:                  psk,
		PacketLostSimulation: fc.PacketLostSimulation,
		Debug:                fc.Debug,
		PoolDebug:            fc.PoolDebug,
	}
	if err := core.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	switch fc.Filter {
	case "listener", "iptables", "nftables", "none":
	default:
		return nil, nil, fmt.Errorf("config: unknown filter %q", fc.Filter)
	}
	app := &AppConfig{
		ServerIP:  fc.ServerIP,
		ClientIP:  fc.ClientIP,
		Filter:    fc.Filter,
		OutputDir: fc.OutputDir,
		StatsFile: fc.StatsFile,
	}
	return core, app, nil
}

// psk returns the pre-shared key, nil when none is configured. psk_env names
// an environment variable holding the key in hex and wins over psk_hex.
func (fc *fileConfig) psk() ([]byte, error) {
	encoded := fc.PSKHex
	source := "psk_hex"
	if fc.PSKEnv != "" {
		encoded = os.Getenv(fc.PSKEnv)
		source = "$" + fc.PSKEnv
		if encoded == "" {
			return nil, fmt.Errorf("config: environment variable %s is empty", fc.PSKEnv)
		}
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	psk, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not hex: %w", source, err)
	}
	return psk, nil
}
