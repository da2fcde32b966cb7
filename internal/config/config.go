package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CYCLING_GATT_RIDER_FTP
const EnvPrefix = "CYCLING_GATT"

// Source kinds
const (
	SourceSimulator = "simulator"
	SourceSerial    = "serial"
)

type DeviceConfig struct {
	Name string `mapstructure:"name"`
}

type SourceConfig struct {
	Kind        string `mapstructure:"kind"`
	Profile     string `mapstructure:"profile"`
	ProfileFile string `mapstructure:"profile_file"`
	AutoStart   bool   `mapstructure:"auto_start"`
}

type RiderConfig struct {
	FTP    int     `mapstructure:"ftp"`
	MassKg float64 `mapstructure:"mass_kg"`
}

type WheelConfig struct {
	CircumferenceMm float64 `mapstructure:"circumference_mm"`
}

type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type LoopConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

type MockConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	HTTPPort int  `mapstructure:"http_port"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type StateConfig struct {
	File string `mapstructure:"file"`
}

type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// Enabled reports whether telemetry export is configured
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

type UIConfig struct {
	Headless bool `mapstructure:"headless"`
}

// Config is the full application configuration
type Config struct {
	Device DeviceConfig `mapstructure:"device"`
	Source SourceConfig `mapstructure:"source"`
	Rider  RiderConfig  `mapstructure:"rider"`
	Wheel  WheelConfig  `mapstructure:"wheel"`
	Serial SerialConfig `mapstructure:"serial"`
	Loop   LoopConfig   `mapstructure:"loop"`
	Mock   MockConfig   `mapstructure:"mock"`
	Log    LogConfig    `mapstructure:"log"`
	State  StateConfig  `mapstructure:"state"`
	Influx InfluxConfig `mapstructure:"influx"`
	UI     UIConfig     `mapstructure:"ui"`

	// ConfigFile is the file that was read, if any
	ConfigFile string `mapstructure:"-"`
}

// flagBinding maps a command-line flag to its config key
type flagBinding struct {
	flag string
	key  string
}

var flagBindings = []flagBinding{
	{"device-name", "device.name"},
	{"source", "source.kind"},
	{"profile", "source.profile"},
	{"profile-file", "source.profile_file"},
	{"auto-start", "source.auto_start"},
	{"ftp", "rider.ftp"},
	{"rider-mass", "rider.mass_kg"},
	{"wheel-circumference", "wheel.circumference_mm"},
	{"serial-port", "serial.port"},
	{"serial-baud", "serial.baud"},
	{"tick", "loop.tick"},
	{"mock", "mock.enabled"},
	{"mock-port", "mock.http_port"},
	{"log-file", "log.file"},
	{"state-file", "state.file"},
	{"influx-url", "influx.url"},
	{"influx-token", "influx.token"},
	{"influx-org", "influx.org"},
	{"influx-bucket", "influx.bucket"},
	{"headless", "ui.headless"},
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cycling-gatt"
	}
	return filepath.Join(home, ".cycling-gatt")
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()
	v.SetDefault("device.name", "PeloMon")
	v.SetDefault("source.kind", SourceSimulator)
	v.SetDefault("source.profile", "Steady Endurance")
	v.SetDefault("source.profile_file", "")
	v.SetDefault("source.auto_start", false)
	v.SetDefault("rider.ftp", 220)
	v.SetDefault("rider.mass_kg", 80.0)
	v.SetDefault("wheel.circumference_mm", 2096.0)
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 19200)
	v.SetDefault("serial.read_timeout", 100*time.Millisecond)
	v.SetDefault("loop.tick", 250*time.Millisecond)
	v.SetDefault("mock.enabled", false)
	v.SetDefault("mock.http_port", 8090)
	v.SetDefault("log.file", filepath.Join(dataDir, "cycling-gatt.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("state.file", filepath.Join(dataDir, "state.json"))
	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "cycling")
	v.SetDefault("influx.measurement", "cycling")
	v.SetDefault("ui.headless", false)
}

// NewFlagSet declares the command-line flags. Defaults shown in usage come from the config
// defaults; the flag defaults themselves only apply when nothing else sets the key.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.String("device-name", "PeloMon", "BLE local name to advertise")
	fs.String("source", SourceSimulator, "measurement source: simulator or serial")
	fs.String("profile", "Steady Endurance", "built-in or file profile to ride in the simulator")
	fs.String("profile-file", "", "YAML file with additional ride profiles")
	fs.Bool("auto-start", false, "start the ride as soon as the peripheral is up")
	fs.Int("ftp", 220, "rider functional threshold power in watts")
	fs.Float64("rider-mass", 80, "rider plus bike mass in kg, used by the speed model")
	fs.Float64("wheel-circumference", 2096, "wheel circumference in mm")
	fs.String("serial-port", "", "serial device of the bike, e.g. /dev/ttyUSB0")
	fs.Int("serial-baud", 19200, "serial baud rate")
	fs.Duration("tick", 250*time.Millisecond, "measurement update period")
	fs.Bool("mock", false, "use the mock peripheral instead of the Bluetooth adapter")
	fs.Int("mock-port", 8090, "HTTP port of the mock peripheral inspection API")
	fs.String("log-file", "", "log file path (rotated)")
	fs.String("state-file", "", "persistent state file path")
	fs.String("influx-url", "", "InfluxDB URL; telemetry is disabled when empty")
	fs.String("influx-token", "", "InfluxDB token")
	fs.String("influx-org", "", "InfluxDB organisation")
	fs.String("influx-bucket", "cycling", "InfluxDB bucket")
	fs.Bool("headless", false, "run without the terminal dashboard")
	return fs
}

// Load builds the configuration from defaults, an optional config file, environment
// variables and command-line args, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("cycling-gatt")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	return LoadFlags(fs)
}

// LoadFlags is Load for an already parsed flag set
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, b := range flagBindings {
		f := fs.Lookup(b.flag)
		if f == nil {
			continue
		}
		// Only explicit flags override; unset flags must not mask file or env values
		if !f.Changed {
			continue
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", b.flag, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the rest of the program relies on
func (c *Config) Validate() error {
	var errs []error
	switch c.Source.Kind {
	case SourceSimulator:
	case SourceSerial:
		if c.Serial.Port == "" {
			errs = append(errs, errors.New("serial.port is required when source.kind is serial"))
		}
		if c.Serial.Baud <= 0 {
			errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
		}
		// A zero timeout makes reads block until the bike answers
		if c.Serial.ReadTimeout <= 0 {
			errs = append(errs, fmt.Errorf("serial.read_timeout must be positive, got %v", c.Serial.ReadTimeout))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q (want %s or %s)", c.Source.Kind, SourceSimulator, SourceSerial))
	}
	if c.Loop.Tick <= 0 {
		errs = append(errs, fmt.Errorf("loop.tick must be positive, got %v", c.Loop.Tick))
	}
	if c.Rider.FTP <= 0 {
		errs = append(errs, fmt.Errorf("rider.ftp must be positive, got %d", c.Rider.FTP))
	}
	if c.Rider.MassKg <= 0 {
		errs = append(errs, fmt.Errorf("rider.mass_kg must be positive, got %v", c.Rider.MassKg))
	}
	if c.Wheel.CircumferenceMm <= 0 {
		errs = append(errs, fmt.Errorf("wheel.circumference_mm must be positive, got %v", c.Wheel.CircumferenceMm))
	}
	if c.Device.Name == "" {
		errs = append(errs, errors.New("device.name cannot be empty"))
	}
	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs = append(errs, errors.New("influx.org and influx.bucket are required when influx.url is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
