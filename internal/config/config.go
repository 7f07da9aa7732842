package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Serial struct {
	Device    string `json:"device"`
	BaudRate  int    `json:"baud_rate"`
	Parity    string `json:"parity"`
	SlaveID   int    `json:"slave_id"`
	TimeoutMs int    `json:"timeout_ms"`
}

type Relay struct {
	ResetOnInit         bool `json:"reset_on_init"`
	SkipStateRead       bool `json:"skip_state_read"`
	QueueDepth          int  `json:"queue_depth"`
	MinSwitchIntervalMs int  `json:"min_switch_interval_ms"`
	MaxTogglesPerMinute int  `json:"max_toggles_per_minute"`
	ConfirmTimeoutMs    int  `json:"confirm_timeout_ms"`
}

type Observer struct {
	PollIntervalSeconds     int `json:"poll_interval_seconds"`
	MaxPollIntervalSeconds  int `json:"max_poll_interval_seconds"`
	ActivityIntervalSeconds int `json:"activity_interval_seconds"`
	BackoffAfterPolls       int `json:"backoff_after_polls"`
}

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level

	Serial   Serial   `json:"serial"`
	Relay    Relay    `json:"relay"`
	Observer Observer `json:"observer"`

	HTTPListenAddr string `json:"http_listen_addr"`
	DBPath         string `json:"db_path"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`

	// SafeMode skips the relay OFF sweep on shutdown, for bench debugging
	// where losing outputs mid-session is worse than leaving them energized.
	SafeMode bool `json:"safe_mode"`

	BootScriptFilePath string `json:"boot_script_file_path"`
	OSServicePath      string `json:"os_service_path"`
	MainServicePath    string `json:"main_service_path"`
	ServiceUser        string `json:"service_user"`
	ServiceWorkDir     string `json:"service_work_dir"`
}

var validBauds = map[int]bool{9600: true, 19200: true, 38400: true, 115200: true}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 9600
	}
	if cfg.Serial.Parity == "" {
		cfg.Serial.Parity = "none"
	}
	if cfg.Serial.TimeoutMs == 0 {
		cfg.Serial.TimeoutMs = 1000
	}
	if cfg.Relay.QueueDepth == 0 {
		cfg.Relay.QueueDepth = 30
	}
	if cfg.Relay.MinSwitchIntervalMs == 0 {
		cfg.Relay.MinSwitchIntervalMs = 500
	}
	if cfg.Relay.MaxTogglesPerMinute == 0 {
		cfg.Relay.MaxTogglesPerMinute = 30
	}
	if cfg.Relay.ConfirmTimeoutMs == 0 {
		cfg.Relay.ConfirmTimeoutMs = 300
	}
	if cfg.Observer.PollIntervalSeconds == 0 {
		cfg.Observer.PollIntervalSeconds = 120
	}
	if cfg.Observer.MaxPollIntervalSeconds == 0 {
		cfg.Observer.MaxPollIntervalSeconds = 600
	}
	if cfg.Observer.ActivityIntervalSeconds == 0 {
		cfg.Observer.ActivityIntervalSeconds = 60
	}
	if cfg.Observer.BackoffAfterPolls == 0 {
		cfg.Observer.BackoffAfterPolls = 5
	}
	if cfg.HTTPListenAddr == "" {
		cfg.HTTPListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/relay-controller.db"
	}
	if cfg.BootScriptFilePath == "" {
		cfg.BootScriptFilePath = "/usr/local/bin/relay-serial-setup.sh"
	}
	if cfg.OSServicePath == "" {
		cfg.OSServicePath = "/etc/systemd/system/relay-serial-setup.service"
	}
	if cfg.MainServicePath == "" {
		cfg.MainServicePath = "/etc/systemd/system/relay-controller.service"
	}
	if cfg.ServiceUser == "" {
		cfg.ServiceUser = "oebus"
	}
	if cfg.ServiceWorkDir == "" {
		cfg.ServiceWorkDir = "/home/oebus/relay-controller"
	}
}

func (cfg *Config) validate() {
	var problems []string

	if cfg.Serial.Device == "" {
		problems = append(problems, "serial.device is required")
	}
	if !validBauds[cfg.Serial.BaudRate] {
		problems = append(problems, fmt.Sprintf("serial.baud_rate %d is not one of 9600, 19200, 38400, 115200", cfg.Serial.BaudRate))
	}
	switch cfg.Serial.Parity {
	case "none", "even", "odd":
	default:
		problems = append(problems, fmt.Sprintf("serial.parity %q must be none, even, or odd", cfg.Serial.Parity))
	}
	if cfg.Serial.SlaveID < 1 || cfg.Serial.SlaveID > 0x3F {
		problems = append(problems, fmt.Sprintf("serial.slave_id %d must be between 1 and 63", cfg.Serial.SlaveID))
	}
	if cfg.Serial.TimeoutMs < 0 {
		problems = append(problems, "serial.timeout_ms must not be negative")
	}

	if cfg.Relay.QueueDepth < 1 {
		problems = append(problems, "relay.queue_depth must be at least 1")
	}
	if cfg.Relay.MinSwitchIntervalMs < 0 {
		problems = append(problems, "relay.min_switch_interval_ms must not be negative")
	}
	if cfg.Relay.MaxTogglesPerMinute < 1 {
		problems = append(problems, "relay.max_toggles_per_minute must be at least 1")
	}

	if cfg.Observer.PollIntervalSeconds < 1 {
		problems = append(problems, "observer.poll_interval_seconds must be at least 1")
	}
	if cfg.Observer.MaxPollIntervalSeconds < cfg.Observer.PollIntervalSeconds {
		problems = append(problems, "observer.max_poll_interval_seconds must not be below the initial interval")
	}

	if cfg.EnableDatadog && cfg.DDAgentAddr == "" {
		problems = append(problems, "dd_agent_addr is required when datadog is enabled")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}
