package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DeviceConfig selects and parameterizes the input/capture channel.
type DeviceConfig struct {
	// Backend is "adb" or "serial".
	Backend string `mapstructure:"backend"`

	// ADB settings (emulator control).
	AdbPath  string `mapstructure:"adb_path"`
	DeviceID string `mapstructure:"device_id"`

	// Serial settings (Arduino HID pass-through).
	SerialPort string `mapstructure:"serial_port"`
	BaudRate   int    `mapstructure:"baud_rate"`

	// Desktop capture rectangle, used when the backend has no screenshot
	// channel of its own (serial).
	CaptureLeft   int `mapstructure:"capture_left"`
	CaptureTop    int `mapstructure:"capture_top"`
	CaptureWidth  int `mapstructure:"capture_width"`
	CaptureHeight int `mapstructure:"capture_height"`

	// CommandTimeoutMS bounds every tap/key/capture call.
	CommandTimeoutMS int `mapstructure:"command_timeout_ms"`
}

// VisionConfig locates the template library and idle reference.
type VisionConfig struct {
	TemplatesDir  string  `mapstructure:"templates_dir"`
	IdleReference string  `mapstructure:"idle_reference"`
	IdleThreshold float64 `mapstructure:"idle_threshold"`
}

// OCRConfig parameterizes the tesseract engine.
type OCRConfig struct {
	TessdataDir  string `mapstructure:"tessdata_dir"`
	Languages    string `mapstructure:"languages"`
	CacheTTLSecs int    `mapstructure:"cache_ttl_secs"`
}

// APIConfig points at the stats hub the bot reports to.
type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	AccessKey     string `mapstructure:"access_key"`
	KingdomNumber int    `mapstructure:"kingdom_number"`
	TimeoutSecs   int    `mapstructure:"timeout_secs"`
}

// TrackerConfig parameterizes title-request deduplication and persistence.
type TrackerConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	SeenTTLSecs   int    `mapstructure:"seen_ttl_secs"`
	SaveBatchSize int    `mapstructure:"save_batch_size"`
}

// BotConfig parameterizes the control loop.
type BotConfig struct {
	PollIntervalMS   int `mapstructure:"poll_interval_ms"`
	ChatScanDelayMS  int `mapstructure:"chat_scan_delay_ms"`
	RecoveryAttempts int `mapstructure:"recovery_attempts"`
}

// Config is the root configuration, loaded once at startup from config.yaml.
type Config struct {
	LogFilePath string `mapstructure:"log_file_path"`

	// MySQLDSN enables the optional request-history sink when non-empty.
	MySQLDSN string `mapstructure:"mysql_dsn"`

	Device  DeviceConfig  `mapstructure:"device"`
	Vision  VisionConfig  `mapstructure:"vision"`
	OCR     OCRConfig     `mapstructure:"ocr"`
	API     APIConfig     `mapstructure:"api"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Bot     BotConfig     `mapstructure:"bot"`
}

// CommandTimeout returns the device command timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	if c.Device.CommandTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Device.CommandTimeoutMS) * time.Millisecond
}

// PollInterval returns the remote-command poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.Bot.PollIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Bot.PollIntervalMS) * time.Millisecond
}

// InitConfig reads config.yaml from the working directory and unmarshals it.
var InitConfig = func() (Config, error) {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")

	setDefaults()

	var config Config
	if err := viper.ReadInConfig(); err != nil {
		return config, fmt.Errorf("read config file: %w", err)
	}
	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func setDefaults() {
	viper.SetDefault("log_file_path", "logs/rokbot.log")
	viper.SetDefault("device.backend", "adb")
	viper.SetDefault("device.adb_path", "adb")
	viper.SetDefault("device.device_id", "emulator-5554")
	viper.SetDefault("device.baud_rate", 9600)
	viper.SetDefault("device.capture_width", 1600)
	viper.SetDefault("device.capture_height", 900)
	viper.SetDefault("device.command_timeout_ms", 10000)
	viper.SetDefault("vision.templates_dir", "vision/templates")
	viper.SetDefault("vision.idle_reference", "vision/idle_reference.png")
	viper.SetDefault("vision.idle_threshold", 0.85)
	viper.SetDefault("ocr.languages", "eng+chi_sim+kor+jpn+ara")
	viper.SetDefault("ocr.cache_ttl_secs", 5)
	viper.SetDefault("api.base_url", "http://localhost:8000")
	viper.SetDefault("api.timeout_secs", 10)
	viper.SetDefault("tracker.data_dir", "data/title_tracking")
	viper.SetDefault("tracker.seen_ttl_secs", 3600)
	viper.SetDefault("tracker.save_batch_size", 10)
	viper.SetDefault("bot.poll_interval_ms", 2000)
	viper.SetDefault("bot.chat_scan_delay_ms", 5000)
	viper.SetDefault("bot.recovery_attempts", 5)
}
