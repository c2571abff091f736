package config

import (
	"fmt"
	"time"

	"ezreply/pkg/config"
	"ezreply/pkg/otel"
)

type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Server   config.ServerConfig `yaml:"server"`
	DB       config.DBConfig     `yaml:"db"`
	MQ       config.MQConfig     `yaml:"mq"`
	Redis    config.RedisConfig  `yaml:"redis"`
	JWT      config.JWTConfig    `yaml:"jwt"`
	AI       config.AIConfig     `yaml:"ai"`
	Notifier config.SMTPConfig   `yaml:"notifier"`
	Secret   config.SecretConfig `yaml:"secret"`
	Otel     otel.Config         `yaml:"otel"`

	Poller     PollerConfig     `yaml:"poller"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Reminders  RemindersConfig  `yaml:"reminders"`
	Outbox     OutboxConfig     `yaml:"outbox"`
}

type PollerConfig struct {
	IntervalSec    int `yaml:"interval_sec"`
	Concurrency    int `yaml:"concurrency"`
	BatchSize      int `yaml:"batch_size"`
	IMAPTimeoutSec int `yaml:"imap_timeout_sec"`
}

type DispatcherConfig struct {
	IntervalSec    int `yaml:"interval_sec"`
	BatchSize      int `yaml:"batch_size"`
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffSec     int `yaml:"backoff_sec"`
	SMTPTimeoutSec int `yaml:"smtp_timeout_sec"`
	// send-once key 的保留时间
	SendOnceTTLHours int `yaml:"send_once_ttl_hours"`
}

type RemindersConfig struct {
	Cron                  string `yaml:"cron"`
	BatchSize             int    `yaml:"batch_size"`
	ReplyReminderAfterMin int    `yaml:"reply_reminder_after_min"`
	FollowUpAfterHours    int    `yaml:"follow_up_after_hours"`
}

type OutboxConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	BatchSize   int `yaml:"batch_size"`
	MaxRetries  int `yaml:"max_retries"`
}

// Load 读取 config/<env>.yaml 等并应用环境变量覆盖
func Load() (*Config, error) {
	// 使用统一配置中心
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideAIFromEnv(&cfg.AI)
	config.OverrideSMTPFromEnv(&cfg.Notifier)
	config.OverrideSecretFromEnv(&cfg.Secret)

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Poller.IntervalSec <= 0 {
		c.Poller.IntervalSec = 60
	}
	if c.Poller.IMAPTimeoutSec <= 0 {
		c.Poller.IMAPTimeoutSec = 30
	}
	if c.Dispatcher.IntervalSec <= 0 {
		c.Dispatcher.IntervalSec = 30
	}
	if c.Dispatcher.SMTPTimeoutSec <= 0 {
		c.Dispatcher.SMTPTimeoutSec = 30
	}
	if c.Dispatcher.SendOnceTTLHours <= 0 {
		c.Dispatcher.SendOnceTTLHours = 72
	}
	if c.Reminders.ReplyReminderAfterMin <= 0 {
		c.Reminders.ReplyReminderAfterMin = 240
	}
	if c.Reminders.FollowUpAfterHours <= 0 {
		c.Reminders.FollowUpAfterHours = 18
	}
	if c.Outbox.IntervalSec <= 0 {
		c.Outbox.IntervalSec = 1
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c PollerConfig) Interval() time.Duration    { return seconds(c.IntervalSec) }
func (c PollerConfig) IMAPTimeout() time.Duration { return seconds(c.IMAPTimeoutSec) }

func (c DispatcherConfig) Interval() time.Duration    { return seconds(c.IntervalSec) }
func (c DispatcherConfig) Backoff() time.Duration     { return seconds(c.BackoffSec) }
func (c DispatcherConfig) SMTPTimeout() time.Duration { return seconds(c.SMTPTimeoutSec) }
func (c DispatcherConfig) SendOnceTTL() time.Duration {
	return time.Duration(c.SendOnceTTLHours) * time.Hour
}

func (c RemindersConfig) ReplyReminderAfter() time.Duration {
	return time.Duration(c.ReplyReminderAfterMin) * time.Minute
}

func (c RemindersConfig) FollowUpAfter() time.Duration {
	return time.Duration(c.FollowUpAfterHours) * time.Hour
}

func (c OutboxConfig) Interval() time.Duration { return seconds(c.IntervalSec) }

// Addr 兼容 "8080" 与 ":8080"
func (c *Config) Addr() string {
	if c.Server.Port != "" && c.Server.Port[0] == ':' {
		return c.Server.Port
	}
	return ":" + c.Server.Port
}
