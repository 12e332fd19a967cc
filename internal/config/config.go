package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Data      DataConfig      `mapstructure:"data"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	IPC       IPCConfig       `mapstructure:"ipc"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DataConfig struct {
	// Dir holds the primary store, the analytical store and the log
	// directory. Empty means the per-user application data directory.
	Dir string `mapstructure:"dir"`
}

type VaultConfig struct {
	// Headless forces the file-backed secret store instead of the OS
	// keychain (servers, CI).
	Headless bool `mapstructure:"headless"`
}

type AdmissionConfig struct {
	StrikeThreshold  int     `mapstructure:"strike_threshold"`
	StrikeWindowHrs  int     `mapstructure:"strike_window_hours"`
	TempBanHours     int     `mapstructure:"temp_ban_hours"`
	APIRate          float64 `mapstructure:"api_rate"`
	OrderRate        float64 `mapstructure:"order_rate"`
	SmartOrderRate   float64 `mapstructure:"smart_order_rate"`
	TrafficRetention int     `mapstructure:"traffic_retention_days"`
}

type BrokerConfig struct {
	RPCTimeoutSeconds      int `mapstructure:"rpc_timeout_seconds"`
	DownloadTimeoutSeconds int `mapstructure:"download_timeout_seconds"`
	RevokeTimeoutSeconds   int `mapstructure:"revoke_timeout_seconds"`
}

type SandboxConfig struct {
	StartingCapital float64 `mapstructure:"starting_capital"`
	// ResetCron is a cron spec evaluated in the regulatory time zone.
	ResetCron string `mapstructure:"reset_cron"`
}

type IPCConfig struct {
	// Addr the local websocket command channel binds to.
	Addr string `mapstructure:"addr"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. ALGODESK_ADMISSION_STRIKE_THRESHOLD
	viper.SetEnvPrefix("algodesk")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("data.dir", "")
	viper.SetDefault("vault.headless", false)
	viper.SetDefault("admission.strike_threshold", 5)
	viper.SetDefault("admission.strike_window_hours", 24)
	viper.SetDefault("admission.temp_ban_hours", 24)
	viper.SetDefault("admission.api_rate", 100)
	viper.SetDefault("admission.order_rate", 10)
	viper.SetDefault("admission.smart_order_rate", 2)
	viper.SetDefault("admission.traffic_retention_days", 30)
	viper.SetDefault("broker.rpc_timeout_seconds", 15)
	viper.SetDefault("broker.download_timeout_seconds", 30)
	viper.SetDefault("broker.revoke_timeout_seconds", 5)
	viper.SetDefault("sandbox.starting_capital", 1000000)
	viper.SetDefault("sandbox.reset_cron", "0 0 * * 0")
	viper.SetDefault("ipc.addr", "127.0.0.1:5999")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DataDir resolves the application data directory, creating it if needed.
func (c *Config) DataDir() (string, error) {
	dir := c.Data.Dir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(base, "algodesk")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// LogDir is the rolling log directory inside the data directory.
func (c *Config) LogDir() string {
	dir, err := c.DataDir()
	if err != nil {
		return "logs"
	}
	return filepath.Join(dir, "logs")
}
