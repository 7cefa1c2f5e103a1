package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Journal  JournalConfig  `yaml:"journal"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Paths    PathsConfig    `yaml:"paths"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Profile 是 /healthz 上报的当前配置档名。
	Profile string `yaml:"profile"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RealtimeConfig WebSocket 会话参数
type RealtimeConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	MaxAckRetries   int           `yaml:"max_ack_retries"`
	HelloTimeout    time.Duration `yaml:"hello_timeout"`
	TransportTickHz float64       `yaml:"transport_tick_hz"`
	WriteWait       time.Duration `yaml:"write_wait"`
}

// JournalConfig 变更日志后端
type JournalConfig struct {
	// Backend: memory | sqlite | redis
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// AuthConfig 控制端密钥；为空时信任客户端自报的角色。
type AuthConfig struct {
	ControllerKeyHash string `yaml:"controller_key_hash"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Debug 是否输出逐条消息级别的日志。
func (l LoggingConfig) Debug() bool {
	return strings.EqualFold(l.Level, "debug")
}

type PathsConfig struct {
	Profiles string `yaml:"profiles"`
	GLSL     string `yaml:"glsl"`
	MP4      string `yaml:"mp4"`
}

// Default 返回无配置文件时可直接运行的默认值。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			Profile:      "default",
		},
		Realtime: RealtimeConfig{
			QueueSize:       256,
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			AckTimeout:      5 * time.Second,
			MaxAckRetries:   3,
			HelloTimeout:    5 * time.Second,
			TransportTickHz: 30,
			WriteWait:       10 * time.Second,
		},
		Journal: JournalConfig{
			Backend:     "memory",
			SQLitePath:  "data/journal.db",
			RedisPrefix: "muloom:journal",
		},
		Logging: LoggingConfig{Level: "info"},
		Paths: PathsConfig{
			Profiles: "server/configs/profiles.yaml",
			GLSL:     "glsl",
			MP4:      "mp4",
		},
	}
}

// Load 从文件加载配置；path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		fmt.Printf("✅ Config parsed successfully (%d bytes)\n", len(data))
	}

	cfg.applyEnv()

	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s (profile=%s)\n", cfg.Server.Addr(), cfg.Server.Profile)
	fmt.Printf("   Journal: %s\n", cfg.Journal.Backend)
	fmt.Printf("   Transport tick: %.0f Hz\n", cfg.Realtime.TransportTickHz)
	if cfg.Auth.ControllerKeyHash != "" {
		fmt.Printf("   Controller key: enabled\n")
	}
	fmt.Printf("\n")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖部署相关配置。
func (c *Config) applyEnv() {
	if addr := os.Getenv("MULOOM_ADDR"); addr != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				c.Server.Host = host
				c.Server.Port = p
			}
		}
	}
	if redisAddr := os.Getenv("MULOOM_REDIS_ADDR"); redisAddr != "" {
		c.Journal.RedisAddr = redisAddr
	}
	if hash := os.Getenv("MULOOM_CONTROLLER_KEY_HASH"); hash != "" {
		fmt.Printf("🔑 Using MULOOM_CONTROLLER_KEY_HASH from environment variable\n")
		c.Auth.ControllerKeyHash = hash
	}
	if backend := os.Getenv("MULOOM_JOURNAL"); backend != "" {
		c.Journal.Backend = backend
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Realtime.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("realtime.queue_size must be >= 1"))
	}
	if c.Realtime.PingInterval < 0 || c.Realtime.AckTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime intervals must not be negative"))
	}
	if c.Realtime.MaxAckRetries < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_ack_retries must not be negative"))
	}
	switch c.Journal.Backend {
	case "memory", "":
	case "sqlite":
		if c.Journal.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("journal.sqlite_path is required for sqlite backend"))
		}
	case "redis":
		if c.Journal.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("journal.redis_addr is required for redis backend (or set MULOOM_REDIS_ADDR)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported journal.backend %q", c.Journal.Backend))
	}
	if h := c.Auth.ControllerKeyHash; h != "" && !strings.HasPrefix(h, "$2") {
		errs = append(errs, fmt.Errorf("auth.controller_key_hash must be a bcrypt hash"))
	}
	return errors.Join(errs...)
}
