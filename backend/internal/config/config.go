// Package config 服务配置：yaml 文件 + DOCSYNC_ 前缀环境变量覆盖。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"Port"`
		// WsConcurrency 同时处理的编辑请求上限
		WsConcurrency int `mapstructure:"wsConcurrency"`
	} `mapstructure:"Running"`
	Store struct {
		// Driver: memory / mysql / postgres
		Driver string `mapstructure:"driver"`
		// CacheState 用 redis 缓存最新状态
		CacheState bool `mapstructure:"cacheState"`
	} `mapstructure:"Store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Postgres"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	Sync struct {
		PersistDebounce time.Duration `mapstructure:"persistDebounce"`
	} `mapstructure:"Sync"`
	Checkpoint struct {
		Interval    time.Duration `mapstructure:"interval"`
		OpThreshold int           `mapstructure:"opThreshold"`
	} `mapstructure:"Checkpoint"`
	History struct {
		AutosaveDelay time.Duration `mapstructure:"autosaveDelay"`
	} `mapstructure:"History"`
	Presence struct {
		TypingIdle    time.Duration `mapstructure:"typingIdle"`
		TypingTimeout time.Duration `mapstructure:"typingTimeout"`
		EntryTTL      time.Duration `mapstructure:"entryTTL"`
		IndexTTL      time.Duration `mapstructure:"indexTTL"`
	} `mapstructure:"Presence"`
	Offline struct {
		// Path 为空时不启用离线缓存
		Path string `mapstructure:"path"`
	} `mapstructure:"Offline"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"Log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8082)
	v.SetDefault("Running.wsConcurrency", 64)
	v.SetDefault("Store.driver", "memory")
	v.SetDefault("Kafka.topic", "docsync.events")
	v.SetDefault("Sync.persistDebounce", 5*time.Second)
	v.SetDefault("Checkpoint.interval", 5*time.Minute)
	v.SetDefault("Checkpoint.opThreshold", 1000)
	v.SetDefault("History.autosaveDelay", 3*time.Minute)
	v.SetDefault("Presence.typingIdle", 500*time.Millisecond)
	v.SetDefault("Presence.typingTimeout", 3*time.Second)
	v.SetDefault("Presence.entryTTL", 30*time.Second)
	v.SetDefault("Presence.indexTTL", 60*time.Second)
	v.SetDefault("Log.level", "info")
	v.SetDefault("Log.format", "text")
}

// Load 读取配置。path 为空时按约定目录查找 docsyncConfig.yaml，找不到就只用默认值和环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docsyncConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// AutomaticEnv 对切片不生效，这里单独处理逗号分隔的地址
	if s := v.GetString("Redis.addrs"); s != "" && len(cfg.Redis.Addrs) == 0 {
		cfg.Redis.Addrs = strings.Split(s, ",")
	}
	if s := v.GetString("Kafka.brokers"); s != "" && len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = strings.Split(s, ",")
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("config: Mysql.dsn is required for mysql store")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("config: Postgres.dsn is required for postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.CacheState && len(c.Redis.Addrs) == 0 {
		return errors.New("config: Store.cacheState requires Redis.addrs")
	}
	if c.Running.Port <= 0 {
		return fmt.Errorf("config: invalid port %d", c.Running.Port)
	}
	return nil
}
