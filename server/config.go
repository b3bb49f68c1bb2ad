package server

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pixil98/go-errors"
)

// Config 服务配置；JSON 文件可选，未填写的字段使用默认值
type Config struct {
	Addr      string      `json:"addr"`
	SharedKey string      `json:"shared_key"`
	MaxWorlds int         `json:"max_worlds"`
	Log       LogConfig   `json:"log"`
	Nats      NatsConfig  `json:"nats"`
	World     WorldConfig `json:"world"`
}

// WorldConfig 每个世界实例的可调参数
type WorldConfig struct {
	TickInterval   string  `json:"tick_interval"`
	ViewRadius     float64 `json:"view_radius"`
	LookRadius     float64 `json:"look_radius"`
	HearingRadius  float64 `json:"hearing_radius"`
	TalkRadius     float64 `json:"talk_radius"`
	TalkTimeout    string  `json:"talk_timeout"`
	CommandTimeout string  `json:"command_timeout"`
	CommandQueue   int     `json:"command_queue"`
	HeardHistory   int     `json:"heard_history"`
	HeardTTL       string  `json:"heard_ttl"`
	OutboxSize     int     `json:"outbox_size"`
	GridCell       float64 `json:"grid_cell"`
	MaxConnections int     `json:"max_connections"`
	RatePerMinute  int     `json:"rate_per_minute"`
	RateBurst      int     `json:"rate_burst"`
}

type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Console    bool   `json:"console"`
}

type NatsConfig struct {
	Enabled       bool   `json:"enabled"`
	Embedded      bool   `json:"embedded"`
	URL           string `json:"url"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	SubjectPrefix string `json:"subject_prefix"`
	StartTimeout  string `json:"start_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr:      ":8080",
		MaxWorlds: 8,
		Log: LogConfig{
			File:       "relay.log",
			Level:      "debug",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Console:    true,
		},
		Nats: NatsConfig{
			Host:          "127.0.0.1",
			SubjectPrefix: "relay",
			StartTimeout:  "10s",
		},
		World: DefaultWorldConfig(),
	}
}

func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		TickInterval:   "250ms",
		ViewRadius:     320,
		LookRadius:     200,
		HearingRadius:  96,
		TalkTimeout:    "15s",
		CommandTimeout: "30s",
		CommandQueue:   64,
		HeardHistory:   20,
		HeardTTL:       "60s",
		OutboxSize:     256,
		MaxConnections: 50,
		RatePerMinute:  120,
		RateBurst:      20,
	}
}

// LoadConfig 在默认值之上叠加 JSON 文件；path 为空时只返回默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	el := errors.NewErrorList()

	if c.Addr == "" {
		el.Add(fmt.Errorf("addr is required"))
	}
	if c.MaxWorlds <= 0 {
		el.Add(fmt.Errorf("max_worlds must be positive"))
	}
	el.Add(c.Log.validate())
	el.Add(c.Nats.validate())
	el.Add(c.World.Validate())

	return el.Err()
}

func (c *LogConfig) validate() error {
	el := errors.NewErrorList()

	switch c.Level {
	case "", "debug", "info", "warn", "error":
	default:
		el.Add(fmt.Errorf("log: unknown level %q", c.Level))
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		el.Add(fmt.Errorf("log: rotation limits must not be negative"))
	}

	return el.Err()
}

func (c *NatsConfig) validate() error {
	el := errors.NewErrorList()

	if !c.Enabled {
		return nil
	}
	if !c.Embedded && c.URL == "" {
		el.Add(fmt.Errorf("nats: url is required unless embedded"))
	}
	if c.SubjectPrefix == "" {
		el.Add(fmt.Errorf("nats: subject_prefix is required"))
	}
	if c.StartTimeout != "" {
		if _, err := time.ParseDuration(c.StartTimeout); err != nil {
			el.Add(fmt.Errorf("nats: parsing start_timeout: %w", err))
		}
	}

	return el.Err()
}

// Validate 校验世界参数，聚合全部问题一次性返回
func (c *WorldConfig) Validate() error {
	el := errors.NewErrorList()

	for name, v := range map[string]string{
		"tick_interval":   c.TickInterval,
		"talk_timeout":    c.TalkTimeout,
		"command_timeout": c.CommandTimeout,
		"heard_ttl":       c.HeardTTL,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			el.Add(fmt.Errorf("world: parsing %s: %w", name, err))
		} else if d <= 0 {
			el.Add(fmt.Errorf("world: %s must be positive", name))
		}
	}
	if c.ViewRadius <= 0 || c.LookRadius <= 0 || c.HearingRadius <= 0 {
		el.Add(fmt.Errorf("world: view_radius, look_radius and hearing_radius must be positive"))
	}
	if c.TalkRadius < 0 || c.GridCell < 0 {
		el.Add(fmt.Errorf("world: talk_radius and grid_cell must not be negative"))
	}
	if c.CommandQueue <= 0 || c.HeardHistory <= 0 || c.OutboxSize <= 0 {
		el.Add(fmt.Errorf("world: command_queue, heard_history and outbox_size must be positive"))
	}
	if c.MaxConnections <= 0 {
		el.Add(fmt.Errorf("world: max_connections must be positive"))
	}
	if c.RatePerMinute < 0 || c.RateBurst < 0 {
		el.Add(fmt.Errorf("world: rate limits must not be negative"))
	}

	return el.Err()
}

func (c WorldConfig) tickInterval() time.Duration   { return mustDuration(c.TickInterval, 250*time.Millisecond) }
func (c WorldConfig) talkTimeout() time.Duration    { return mustDuration(c.TalkTimeout, 15*time.Second) }
func (c WorldConfig) commandTimeout() time.Duration { return mustDuration(c.CommandTimeout, 30*time.Second) }
func (c WorldConfig) heardTTL() time.Duration       { return mustDuration(c.HeardTTL, time.Minute) }

// mustDuration 已校验过的配置解析失败时回落到默认值
func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
