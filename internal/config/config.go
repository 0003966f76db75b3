package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the station.
type Config struct {
	Station StationConfig `mapstructure:"station"`
	Server  ServerConfig  `mapstructure:"server"`
	Sensors SensorsConfig `mapstructure:"sensors"`
	Camera  CameraConfig  `mapstructure:"camera"`
	Push    PushConfig    `mapstructure:"push"`
	DuckDNS DuckDNSConfig `mapstructure:"duckdns"`
	Updater UpdaterConfig `mapstructure:"updater"`
	Tunnel  TunnelConfig  `mapstructure:"tunnel"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type StationConfig struct {
	Name    string `mapstructure:"name"`
	DataDir string `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	AdminUser      string  `mapstructure:"admin_user"`
	AdminPass      string  `mapstructure:"admin_pass"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	CacheSize      int     `mapstructure:"cache_size"`
}

type SensorsConfig struct {
	TrigPin        int           `mapstructure:"trig_pin"`
	EchoPin        int           `mapstructure:"echo_pin"`
	Samples        int           `mapstructure:"samples"`
	FastSamples    int           `mapstructure:"fast_samples"`
	EchoTimeout    time.Duration `mapstructure:"echo_timeout"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	W1Dir          string        `mapstructure:"w1_dir"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type CameraConfig struct {
	Device      string  `mapstructure:"device"`
	Width       int     `mapstructure:"width"`
	Height      int     `mapstructure:"height"`
	JPEGQuality int     `mapstructure:"jpeg_quality"`
	TargetFPS   float64 `mapstructure:"target_fps"`
}

type PushConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	UploadTimeout     time.Duration `mapstructure:"upload_timeout"`
	MaxUploadBatch    int           `mapstructure:"max_upload_batch"`
	Interval          string        `mapstructure:"interval"`
	RetainUploaded    time.Duration `mapstructure:"retain_uploaded"`
	FallbackLatitude  float64       `mapstructure:"fallback_latitude"`
	FallbackLongitude float64       `mapstructure:"fallback_longitude"`
	FallbackElevation float64       `mapstructure:"fallback_elevation"`
}

type DuckDNSConfig struct {
	ConfPath string        `mapstructure:"conf_path"`
	LockDir  string        `mapstructure:"lock_dir"`
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type UpdaterConfig struct {
	RepoURL     string `mapstructure:"repo_url"`
	AppRoot     string `mapstructure:"app_root"`
	ServiceName string `mapstructure:"service_name"`
	HealthURL   string `mapstructure:"health_url"`
}

type TunnelConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerURL string `mapstructure:"server_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a YAML file. ${VAR} references in the
// file are expanded from the environment before parsing, so secrets can
// stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("station.name", "keuka-station")
	v.SetDefault("station.data_dir", "/var/lib/keuka-station")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.cache_size", 128)

	v.SetDefault("sensors.trig_pin", 23)
	v.SetDefault("sensors.echo_pin", 24)
	v.SetDefault("sensors.samples", 11)
	v.SetDefault("sensors.fast_samples", 5)
	v.SetDefault("sensors.echo_timeout", 40*time.Millisecond)
	v.SetDefault("sensors.sample_interval", 75*time.Millisecond)
	v.SetDefault("sensors.w1_dir", "/sys/bus/w1/devices")
	v.SetDefault("sensors.cache_ttl", 1500*time.Millisecond)

	v.SetDefault("camera.device", "/dev/video0")
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.jpeg_quality", 70)
	v.SetDefault("camera.target_fps", 10.0)

	v.SetDefault("push.server_url", "https://keuka.org/api/sensors/data")
	v.SetDefault("push.upload_timeout", 30*time.Second)
	v.SetDefault("push.max_upload_batch", 50)
	v.SetDefault("push.interval", "*/5 * * * *")
	v.SetDefault("push.retain_uploaded", 7*24*time.Hour)
	v.SetDefault("push.fallback_latitude", 42.606)
	v.SetDefault("push.fallback_longitude", -77.091)
	v.SetDefault("push.fallback_elevation", 710)

	v.SetDefault("duckdns.conf_path", "/var/lib/keuka-station/duckdns.conf")
	v.SetDefault("duckdns.lock_dir", "/tmp/duckdns-update.lock")
	v.SetDefault("duckdns.url", "https://www.duckdns.org/update")
	v.SetDefault("duckdns.timeout", 20*time.Second)

	v.SetDefault("updater.repo_url", "https://github.com/keukaworks/keuka-station.git")
	v.SetDefault("updater.app_root", "/home/pi/keuka-station")
	v.SetDefault("updater.service_name", "keuka-station")
	v.SetDefault("updater.health_url", "http://127.0.0.1:8080/health.json")

	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.server_url", "https://keuka.org")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
