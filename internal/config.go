package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SenderConfig holds the knobs for the "send" role. The protocol constants
// (ports, MTU, backoff bounds) default to the values the Ruida boards expect.
type SenderConfig struct {
	DeviceAddr        string `mapstructure:"device_addr"`
	DevicePort        int    `mapstructure:"device_port"`
	LocalPort         int    `mapstructure:"local_port"`
	MTU               int    `mapstructure:"mtu"`
	AckTimeoutMs      int    `mapstructure:"ack_timeout_ms"`
	RetryBackoffMs    int    `mapstructure:"retry_backoff_ms"`
	RetryBackoffMaxMs int    `mapstructure:"retry_backoff_max_ms"`
	ChunkPauseMs      int    `mapstructure:"chunk_pause_ms"`
	SocketBufferSize  int    `mapstructure:"socket_buffer_size"`
	LogLevel          string `mapstructure:"log_level"`
}

// RelayConfig holds the knobs for the "relay" role.
type RelayConfig struct {
	DeviceAddr         string `mapstructure:"device_addr"`
	DevicePort         int    `mapstructure:"device_port"`
	ListenPort         int    `mapstructure:"listen_port"`
	DeviceSourcePort   int    `mapstructure:"device_source_port"`
	BusyTimeoutMs      int    `mapstructure:"busy_timeout_ms"`
	CaptureDir         string `mapstructure:"capture_dir"`
	MetricsAddr        string `mapstructure:"metrics_addr"`
	UDPReadBufferSize  int    `mapstructure:"udp_read_buffer_size"`
	UDPWriteBufferSize int    `mapstructure:"udp_write_buffer_size"`
	LogLevel           string `mapstructure:"log_level"`
}

func LoadSenderConfig(configPath string) (*SenderConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v, err := initViper(configPath, filepath.Join(home, ".ruida"), "sender_config", "toml", "RUIDA_SEND")
	if err != nil {
		return nil, err
	}

	v.SetDefault("device_addr", "")
	v.SetDefault("device_port", 50200)
	v.SetDefault("local_port", 40200)
	v.SetDefault("mtu", 1470)
	v.SetDefault("ack_timeout_ms", 3000)
	v.SetDefault("retry_backoff_ms", 200)
	v.SetDefault("retry_backoff_max_ms", 5000)
	v.SetDefault("chunk_pause_ms", 0)
	v.SetDefault("socket_buffer_size", 64*1024)
	v.SetDefault("log_level", "info")

	var cfg SenderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Create-on-first-run ONLY (no config file was read)
	if v.ConfigFileUsed() == "" {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(home, ".ruida", "sender_config.toml")
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default sender config: %w", err)
			}
			Info("sender config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

func LoadRelayConfig(configPath string) (*RelayConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v, err := initViper(configPath, filepath.Join(home, ".ruida"), "relay_config", "toml", "RUIDA_RELAY")
	if err != nil {
		return nil, err
	}

	v.SetDefault("device_addr", "")
	v.SetDefault("device_port", 50200)
	v.SetDefault("listen_port", 50200)
	v.SetDefault("device_source_port", 40200)
	v.SetDefault("busy_timeout_ms", 10_000)
	v.SetDefault("capture_dir", filepath.Join(home, ".ruida", "captures"))
	v.SetDefault("metrics_addr", "")
	v.SetDefault("udp_read_buffer_size", 64*1024)
	v.SetDefault("udp_write_buffer_size", 64*1024)
	v.SetDefault("log_level", "info")

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CaptureDir = expandPath(cfg.CaptureDir)

	if v.ConfigFileUsed() == "" {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(home, ".ruida", "relay_config.toml")
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default relay config: %w", err)
			}
			Info("relay config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

func (cfg *SenderConfig) Save(path string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(home, ".ruida", "sender_config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("device_addr", cfg.DeviceAddr)
	v.Set("device_port", cfg.DevicePort)
	v.Set("local_port", cfg.LocalPort)
	v.Set("mtu", cfg.MTU)
	v.Set("ack_timeout_ms", cfg.AckTimeoutMs)
	v.Set("retry_backoff_ms", cfg.RetryBackoffMs)
	v.Set("retry_backoff_max_ms", cfg.RetryBackoffMaxMs)
	v.Set("chunk_pause_ms", cfg.ChunkPauseMs)
	v.Set("socket_buffer_size", cfg.SocketBufferSize)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write sender config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func (cfg *RelayConfig) Save(path string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(home, ".ruida", "relay_config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("device_addr", cfg.DeviceAddr)
	v.Set("device_port", cfg.DevicePort)
	v.Set("listen_port", cfg.ListenPort)
	v.Set("device_source_port", cfg.DeviceSourcePort)
	v.Set("busy_timeout_ms", cfg.BusyTimeoutMs)
	v.Set("capture_dir", cfg.CaptureDir)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("udp_read_buffer_size", cfg.UDPReadBufferSize)
	v.Set("udp_write_buffer_size", cfg.UDPWriteBufferSize)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write relay config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
