package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Trading modes. Paper is the default; live requires a separate explicit
// opt-in beyond normal configuration loading.
const (
	ModePaper = "paper"
	ModeLive  = "live"

	// LiveConfirmEnv must be set to "yes" in the environment before the
	// engine will submit real-money orders, independent of the config file.
	LiveConfirmEnv = "EQUITRADER_CONFIRM_LIVE"
)

// Config is the complete engine configuration.
type Config struct {
	Mode   string       `yaml:"mode"`
	Broker BrokerConfig `yaml:"broker"`
	Bridge BridgeConfig `yaml:"bridge"`
	Risk   RiskConfig   `yaml:"risk"`
	Routes []Route      `yaml:"routes"`
	Engine EngineConfig `yaml:"engine"`

	Journal JournalConfig `yaml:"journal"`
	Log     LogConfig     `yaml:"log"`
}

// BrokerConfig selects and configures the broker adapter. Credentials come
// from the environment (.env supported), never from the config file.
type BrokerConfig struct {
	Name      string `yaml:"name"` // "alpaca" or "sim"
	BaseURL   string `yaml:"base_url,omitempty"`
	StreamURL string `yaml:"stream_url,omitempty"`
	KeyEnv    string `yaml:"key_env"`    // env var holding the API key id
	SecretEnv string `yaml:"secret_env"` // env var holding the API secret
}

// BridgeConfig tunes the concurrency bridge.
type BridgeConfig struct {
	BarQueueSize      int    `yaml:"bar_queue_size"`
	Workers           int    `yaml:"workers"`
	DisconnectTimeout string `yaml:"disconnect_timeout"` // e.g. "5s"
}

// RiskConfig holds the risk-gate limits.
type RiskConfig struct {
	RiskPct          float64 `yaml:"risk_pct"`           // e.g. 0.01
	DailyLossLimit   float64 `yaml:"daily_loss_limit"`   // account currency
	EmergencyStopPct float64 `yaml:"emergency_stop_pct"` // e.g. 0.05
}

// Route binds scanner-produced symbols to one strategy. One symbol maps to
// exactly one active strategy instance.
type Route struct {
	Symbols       []string       `yaml:"symbols"`
	Strategy      string         `yaml:"strategy"`
	Params        map[string]any `yaml:"params,omitempty"`
	ForceCloseEOD *bool          `yaml:"force_close_eod,omitempty"` // default true
}

// EngineConfig tunes the control loop.
type EngineConfig struct {
	ShutdownTimeout string `yaml:"shutdown_timeout"` // bound on cancel confirmations
}

// JournalConfig locates the sqlite journal.
type JournalConfig struct {
	DBPath string `yaml:"db_path"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// LoadFromFile loads and validates a YAML config. A .env file next to the
// process, if present, is loaded into the environment first so KeyEnv /
// SecretEnv resolve.
func LoadFromFile(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration, including the live-capital gate.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePaper:
	case ModeLive:
		if !LiveConfirmed() {
			return fmt.Errorf("mode is live but %s is not set to yes", LiveConfirmEnv)
		}
	default:
		return fmt.Errorf("mode must be %q or %q", ModePaper, ModeLive)
	}

	switch c.Broker.Name {
	case "alpaca":
		if c.Broker.KeyEnv == "" || c.Broker.SecretEnv == "" {
			return fmt.Errorf("broker.key_env and broker.secret_env are required for alpaca")
		}
		if os.Getenv(c.Broker.KeyEnv) == "" {
			return fmt.Errorf("broker credentials: %s is empty", c.Broker.KeyEnv)
		}
		if os.Getenv(c.Broker.SecretEnv) == "" {
			return fmt.Errorf("broker credentials: %s is empty", c.Broker.SecretEnv)
		}
	case "sim":
		if c.Mode == ModeLive {
			return fmt.Errorf("broker sim cannot run in live mode")
		}
	default:
		return fmt.Errorf("unknown broker: %s", c.Broker.Name)
	}

	if c.Risk.RiskPct <= 0 || c.Risk.RiskPct > 0.05 {
		return fmt.Errorf("risk.risk_pct must be in (0, 0.05]")
	}
	if c.Risk.DailyLossLimit <= 0 {
		return fmt.Errorf("risk.daily_loss_limit must be positive")
	}
	if c.Risk.EmergencyStopPct <= 0 || c.Risk.EmergencyStopPct >= 1 {
		return fmt.Errorf("risk.emergency_stop_pct must be in (0, 1)")
	}

	seen := make(map[string]bool)
	for _, route := range c.Routes {
		if route.Strategy == "" {
			return fmt.Errorf("route missing strategy")
		}
		for _, sym := range route.Symbols {
			if seen[sym] {
				return fmt.Errorf("symbol %s routed to more than one strategy", sym)
			}
			seen[sym] = true
		}
	}

	if c.Journal.DBPath == "" {
		return fmt.Errorf("journal.db_path is required")
	}

	if _, err := c.ShutdownTimeout(); err != nil {
		return err
	}
	if _, err := c.DisconnectTimeout(); err != nil {
		return err
	}
	return nil
}

// Live reports whether the engine trades real capital. Both the config
// mode and the confirmation env var must agree.
func (c *Config) Live() bool {
	return c.Mode == ModeLive && LiveConfirmed()
}

// LiveConfirmed reports the out-of-band opt-in.
func LiveConfirmed() bool {
	return strings.EqualFold(os.Getenv(LiveConfirmEnv), "yes")
}

// ShutdownTimeout parses engine.shutdown_timeout.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	return parseDuration(c.Engine.ShutdownTimeout, 30*time.Second, "engine.shutdown_timeout")
}

// DisconnectTimeout parses bridge.disconnect_timeout.
func (c *Config) DisconnectTimeout() (time.Duration, error) {
	return parseDuration(c.Bridge.DisconnectTimeout, 5*time.Second, "bridge.disconnect_timeout")
}

func parseDuration(s string, def time.Duration, field string) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// Default returns a paper-mode configuration with conservative limits.
func Default() *Config {
	return &Config{
		Mode: ModePaper,
		Broker: BrokerConfig{
			Name: "sim",
		},
		Bridge: BridgeConfig{
			BarQueueSize: 10000,
			Workers:      4,
		},
		Risk: RiskConfig{
			RiskPct:          0.01,
			DailyLossLimit:   1000,
			EmergencyStopPct: 0.05,
		},
		Journal: JournalConfig{
			DBPath: "./equitrader.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
