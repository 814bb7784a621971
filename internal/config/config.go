package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prefix for environment variables overriding configuration. `VEHICLEMON_LOG_LEVEL=debug`
const EnvPrefix = "VEHICLEMON"

// Frame sources
const (
	SourceSocketCAN = "socketcan"
	SourceSLCAN     = "slcan"
	SourceCandump   = "candump"
)

// Dump formats
const (
	DumpFormatText = "text"
	DumpFormatCSV  = "csv"
)

// ErrInvalidConfig is returned when loaded configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	// Vehicle is code of embedded vehicle profile
	Vehicle string `mapstructure:"vehicle"`
	// Table is path to additional YAML decoding table merged over vehicle profile
	Table        string        `mapstructure:"table"`
	CycleTimeout time.Duration `mapstructure:"cycle-timeout"`

	Source string `mapstructure:"source"`
	Bus    uint8  `mapstructure:"bus"`
	// Interface is SocketCAN network interface name
	Interface string `mapstructure:"interface"`

	SerialPort  string `mapstructure:"serial-port"`
	SerialBaud  int    `mapstructure:"serial-baud"`
	Bitrate     int    `mapstructure:"bitrate"`
	ListenOnly  bool   `mapstructure:"listen-only"`
	LogRawBytes bool   `mapstructure:"log-raw-bytes"`

	ReplayFile  string `mapstructure:"replay-file"`
	ReplayPaced bool   `mapstructure:"replay-paced"`

	ListenAddress  string `mapstructure:"listen-address"`
	MetricsPath    string `mapstructure:"metrics-path"`
	RuntimeMetrics bool   `mapstructure:"runtime-metrics"`

	DumpInterval time.Duration `mapstructure:"dump-interval"`
	DumpFormat   string        `mapstructure:"dump-format"`
	// DumpFile is CSV file dump rows are appended to. Empty means stdout
	DumpFile string `mapstructure:"dump-file"`
	// DumpMetrics is comma separated list of metric name prefixes included in dump
	DumpMetrics string `mapstructure:"dump-metrics"`
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.String("config", "", "path to configuration file (yaml, toml, json)")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "auto", "log output format (auto, console, json)")

	fs.String("vehicle", "STD", "vehicle profile code")
	fs.String("table", "", "path to additional YAML decoding table")
	fs.Duration("cycle-timeout", 5*time.Second, "time after unfinished multi-frame cycle is abandoned, negative disables")

	fs.String("source", SourceSocketCAN, "frame source (socketcan, slcan, candump)")
	fs.Uint8("bus", 1, "bus number frames from single bus source are tagged with")
	fs.String("interface", "can0", "SocketCAN interface name")

	fs.String("serial-port", "/dev/ttyUSB0", "path to SLCAN serial device")
	fs.Int("serial-baud", 115200, "serial device baud rate")
	fs.Int("bitrate", 500000, "CAN bus bitrate set on SLCAN adapter, 0 keeps adapter setting")
	fs.Bool("listen-only", true, "open SLCAN channel in listen only mode")
	fs.Bool("log-raw-bytes", false, "log raw bytes read from serial device")

	fs.String("replay-file", "", "path to candump log file replayed with candump source")
	fs.Bool("replay-paced", false, "replay candump log with recorded timing")

	fs.String("listen-address", ":9464", "Prometheus exporter listen address, empty disables exporter")
	fs.String("metrics-path", "/metrics", "Prometheus exporter HTTP path")
	fs.Bool("runtime-metrics", false, "export Go runtime and process metrics")

	fs.Duration("dump-interval", 0, "interval of metric dump, 0 disables dump")
	fs.String("dump-format", DumpFormatText, "metric dump format (text, csv)")
	fs.String("dump-file", "", "file dump is appended to, empty writes to stdout")
	fs.String("dump-metrics", "", "comma separated list of metric name prefixes to dump, empty dumps all")

	return fs
}

// Load parses command line arguments, configuration file and environment variables. Flags override environment
// variables and environment variables override configuration file values.
func Load(args []string) (*Config, error) {
	fs := newFlagSet("vehiclemon")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks configuration for invalid values and missing source specific options.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		return fmt.Errorf("log level %q: %w", c.LogLevel, ErrInvalidConfig)
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log format %q: %w", c.LogFormat, ErrInvalidConfig)
	}
	if c.Bus == 0 {
		return fmt.Errorf("bus must be greater than 0: %w", ErrInvalidConfig)
	}

	switch c.Source {
	case SourceSocketCAN:
		if c.Interface == "" {
			return fmt.Errorf("socketcan source requires interface: %w", ErrInvalidConfig)
		}
	case SourceSLCAN:
		if c.SerialPort == "" {
			return fmt.Errorf("slcan source requires serial port: %w", ErrInvalidConfig)
		}
		if c.SerialBaud <= 0 {
			return fmt.Errorf("serial baud %v: %w", c.SerialBaud, ErrInvalidConfig)
		}
	case SourceCandump:
		if c.ReplayFile == "" {
			return fmt.Errorf("candump source requires replay file: %w", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("source %q: %w", c.Source, ErrInvalidConfig)
	}

	if c.DumpInterval < 0 {
		return fmt.Errorf("dump interval %v: %w", c.DumpInterval, ErrInvalidConfig)
	}
	switch c.DumpFormat {
	case DumpFormatText, DumpFormatCSV:
	default:
		return fmt.Errorf("dump format %q: %w", c.DumpFormat, ErrInvalidConfig)
	}
	return nil
}
