// Package config loads the sensorlink configuration from a TOML file,
// SENSORLINK_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/sensorlink/internal/buffer"
	"github.com/1ureka/sensorlink/internal/meshenc"
	"github.com/1ureka/sensorlink/internal/sensor"
)

const (
	configName = "sensorlink"
	configType = "toml"
	envPrefix  = "SENSORLINK"
)

// Config stores every setting of the client and the development server.
type Config struct {
	Device     DeviceConfig                      `mapstructure:"device"`
	Server     ServerConfig                      `mapstructure:"server"`
	Time       TimeConfig                        `mapstructure:"time"`
	Stream     StreamConfig                      `mapstructure:"stream"`
	Mesh       MeshConfig                        `mapstructure:"mesh"`
	Serve      ServeConfig                       `mapstructure:"serve"`
	Log        LogConfig                         `mapstructure:"log"`
	Modalities map[string]sensor.ModalityOptions `mapstructure:"modalities"`
}

type DeviceConfig struct {
	// ID is sent with registrations; empty means a random id per run.
	ID string `mapstructure:"id"`
}

type ServerConfig struct {
	Address          string        `mapstructure:"address"`
	DataChannel      bool          `mapstructure:"data_channel"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type TimeConfig struct {
	Server  string        `mapstructure:"server"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Resync is the background re-synchronization interval, 0 disables it.
	Resync time.Duration `mapstructure:"resync"`
}

type StreamConfig struct {
	TickRate         int           `mapstructure:"tick_rate"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
	// Transforms maps a modality to a payload transform name (raw, lz4).
	Transforms map[string]string `mapstructure:"transforms"`
}

type MeshConfig struct {
	Quantization float32 `mapstructure:"quantization"`
	Compression  string  `mapstructure:"compression"`
	Level        int     `mapstructure:"level"`
	ChunkSize    int     `mapstructure:"chunk_size"`
}

type ServeConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
}

// defaults is the full default tree. It seeds viper and is what
// `config init` writes out.
func defaults() map[string]any {
	mods := make(map[string]any)
	for m, o := range sensor.DefaultOptions() {
		mods[string(m)] = map[string]any{
			"enabled":     o.Enabled,
			"width":       o.Width,
			"height":      o.Height,
			"sample_rate": o.SampleRate,
			"capacity":    o.Capacity,
			"policy":      o.Policy,
		}
	}

	mesh := meshenc.DefaultConfig()
	return map[string]any{
		"device": map[string]any{"id": ""},
		"server": map[string]any{
			"address":           "localhost:8500",
			"data_channel":      false,
			"ice_servers":       []string{},
			"handshake_timeout": 10 * time.Second,
		},
		"time": map[string]any{
			"server":  "pool.ntp.org:123",
			"timeout": 3 * time.Second,
			"resync":  10 * time.Minute,
		},
		"stream": map[string]any{
			"tick_rate":         30,
			"failure_threshold": 5,
			"send_timeout":      2 * time.Second,
			"stats_interval":    10 * time.Second,
			"transforms":        map[string]any{string(sensor.Depth): "lz4"},
		},
		"mesh": map[string]any{
			"quantization": mesh.Quantization,
			"compression":  mesh.Compression.String(),
			"level":        mesh.Level,
			"chunk_size":   mesh.ChunkSize,
		},
		"serve":      map[string]any{"listen": ":8500"},
		"log":        map[string]any{"level": "info"},
		"modalities": mods,
	}
}

// Loader reads a Config. Flags bound with BindFlag override file and
// environment values when they were set on the command line.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, value := range flatten("", defaults()) {
		v.SetDefault(key, value)
	}
	return &Loader{v: v}
}

// BindFlag ties a config key to a command-line flag. Unknown flags are ignored.
func (l *Loader) BindFlag(key string, flags *pflag.FlagSet, name string) error {
	f := flags.Lookup(name)
	if f == nil {
		return nil
	}
	return l.v.BindPFlag(key, f)
}

// Load reads the config file at path, or searches ./sensorlink.toml and
// the user config directory when path is empty. A missing file is not an
// error; a malformed one is.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}

	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(configName)
		l.v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(dir, configName))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File is the config file that was read, if any.
func (l *Loader) File() string { return l.v.ConfigFileUsed() }

// Load is a convenience for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Validate checks settings that would otherwise fail much later.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("config: server.address is empty")
	}
	if c.Stream.TickRate <= 0 {
		return fmt.Errorf("config: stream.tick_rate must be positive, got %d", c.Stream.TickRate)
	}
	if c.Time.Timeout <= 0 {
		return fmt.Errorf("config: time.timeout must be positive, got %s", c.Time.Timeout)
	}
	if _, err := c.MeshConfig(); err != nil {
		return fmt.Errorf("config: mesh: %w", err)
	}
	opts, err := c.Options()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := buffer.NewSet(opts); err != nil {
		return fmt.Errorf("config: modalities: %w", err)
	}
	return nil
}

// Options converts the modality table to sensor options.
func (c *Config) Options() (sensor.Options, error) {
	opts := make(sensor.Options, len(c.Modalities))
	for name, o := range c.Modalities {
		m, err := sensor.Parse(name)
		if err != nil {
			return nil, err
		}
		opts[m] = o
	}
	return opts, nil
}

// MeshConfig converts the mesh section to an encoder config.
func (c *Config) MeshConfig() (meshenc.Config, error) {
	comp, err := meshenc.ParseCompression(c.Mesh.Compression)
	if err != nil {
		return meshenc.Config{}, err
	}
	return meshenc.Config{
		Quantization: c.Mesh.Quantization,
		Compression:  comp,
		Level:        c.Mesh.Level,
		ChunkSize:    c.Mesh.ChunkSize,
	}, nil
}

// TickInterval is the time between streaming ticks.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Stream.TickRate)
}

// WriteDefault writes the default configuration as TOML.
func WriteDefault(w io.Writer) error {
	data, err := toml.Marshal(printable(defaults()))
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// flatten turns the nested default tree into dotted viper keys.
func flatten(prefix string, tree map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for fk, fv := range flatten(key, sub) {
				out[fk] = fv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// printable renders durations as strings so the written file reads "3s"
// instead of nanoseconds.
func printable(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		switch val := v.(type) {
		case map[string]any:
			out[k] = printable(val)
		case time.Duration:
			out[k] = val.String()
		default:
			out[k] = val
		}
	}
	return out
}

// Keys lists every known config key, sorted.
func Keys() []string {
	flat := flatten("", defaults())
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
