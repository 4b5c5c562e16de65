package node

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agsys/loramesher/internal/radio"
	"github.com/agsys/loramesher/internal/scheduler"
)

// Config is the YAML-loadable node configuration (spec.md §6.3's
// protocol options plus the gateway/persistence/admin ambient
// surfaces), loaded the way cmd/agsys-controller/main.go loads its
// config file.
type Config struct {
	NodeAddress uint16 `yaml:"node_address"`

	Superframe struct {
		TotalSlots     uint16 `yaml:"total_slots"`
		DataSlots      uint16 `yaml:"data_slots"`
		DiscoverySlots uint16 `yaml:"discovery_slots"`
		ControlSlots   uint16 `yaml:"control_slots"`
		SlotDurationMs uint32 `yaml:"slot_duration_ms"`
	} `yaml:"superframe"`

	Radio struct {
		FrequencyMHz    float64 `yaml:"frequency_mhz"`
		SpreadingFactor uint8   `yaml:"spreading_factor"`
		BandwidthKHz    float64 `yaml:"bandwidth_khz"`
		CodingRate      uint8   `yaml:"coding_rate"`
		PowerDBm        int8    `yaml:"power_dbm"`
		SyncWord        uint8   `yaml:"sync_word"`
		CRCEnabled      bool    `yaml:"crc_enabled"`
		PreambleLength  uint16  `yaml:"preamble_length"`
	} `yaml:"radio"`

	Protocol struct {
		HelloIntervalMs     uint32 `yaml:"hello_interval_ms"`
		RouteTimeoutMs      uint32 `yaml:"route_timeout_ms"`
		MaxHops             uint8  `yaml:"max_hops"`
		DiscoveryTimeoutMs  uint32 `yaml:"discovery_timeout_ms"`
		MaxNetworkNodes     int    `yaml:"max_network_nodes"`
		PingTimeoutMs       uint32 `yaml:"ping_timeout_ms"`
	} `yaml:"protocol"`

	Gateway struct {
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
	} `yaml:"gateway"`

	Persistence struct {
		DatabasePath string `yaml:"database_path"`
	} `yaml:"persistence"`

	Admin struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"admin"`
}

// DefaultConfig returns spec.md §6.2/§6.3's defaults plus the ambient
// gateway/admin endpoints, with persistence left disabled (empty path).
func DefaultConfig() Config {
	var cfg Config
	cfg.NodeAddress = 0
	cfg.Superframe.TotalSlots = 100
	cfg.Superframe.DataSlots = 60
	cfg.Superframe.DiscoverySlots = 20
	cfg.Superframe.ControlSlots = 20
	cfg.Superframe.SlotDurationMs = 1000

	radioDefaults := radio.DefaultConfig()
	cfg.Radio.FrequencyMHz = radioDefaults.FrequencyMHz
	cfg.Radio.SpreadingFactor = radioDefaults.SpreadingFactor
	cfg.Radio.BandwidthKHz = radioDefaults.BandwidthKHz
	cfg.Radio.CodingRate = radioDefaults.CodingRate
	cfg.Radio.PowerDBm = radioDefaults.PowerDBm
	cfg.Radio.SyncWord = radioDefaults.SyncWord
	cfg.Radio.CRCEnabled = radioDefaults.CRCEnabled
	cfg.Radio.PreambleLength = radioDefaults.PreambleLength

	cfg.Protocol.HelloIntervalMs = 60000
	cfg.Protocol.RouteTimeoutMs = 180000
	cfg.Protocol.MaxHops = 10
	cfg.Protocol.DiscoveryTimeoutMs = 30000
	cfg.Protocol.MaxNetworkNodes = 64
	cfg.Protocol.PingTimeoutMs = 1000

	gw := radio.DefaultGatewayConfig()
	cfg.Gateway.EventURL = gw.EventURL
	cfg.Gateway.CommandURL = gw.CommandURL

	cfg.Admin.ListenAddr = ":7200"
	return cfg
}

// LoadConfig reads and parses a YAML node configuration file on top of
// DefaultConfig: keys absent from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read node config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse node config: %w", err)
	}
	return cfg, nil
}

func (c Config) superframe() scheduler.Superframe {
	return scheduler.Superframe{
		TotalSlots:     c.Superframe.TotalSlots,
		DataSlots:      c.Superframe.DataSlots,
		DiscoverySlots: c.Superframe.DiscoverySlots,
		ControlSlots:   c.Superframe.ControlSlots,
		SlotDurationMs: c.Superframe.SlotDurationMs,
	}
}

func (c Config) radioConfig() radio.Config {
	return radio.Config{
		FrequencyMHz:    c.Radio.FrequencyMHz,
		SpreadingFactor: c.Radio.SpreadingFactor,
		BandwidthKHz:    c.Radio.BandwidthKHz,
		CodingRate:      c.Radio.CodingRate,
		PowerDBm:        c.Radio.PowerDBm,
		SyncWord:        c.Radio.SyncWord,
		CRCEnabled:      c.Radio.CRCEnabled,
		PreambleLength:  c.Radio.PreambleLength,
	}
}
