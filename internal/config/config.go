package config

import (
	"strings"
	"time"

	"github.com/blingmoon/audit-workflow/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "AUDITWF"

// Config workflowd 的配置, 来源优先级: 环境变量 > 配置文件 > 默认值
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	} `mapstructure:"server"`
	Engine struct {
		MaxChainDepth int           `mapstructure:"max_chain_depth" validate:"gte=1"`
		LockTTL       time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
		EventBuffer   int           `mapstructure:"event_buffer" validate:"gte=0"`
		AdminActors   []string      `mapstructure:"admin_actors"`
	} `mapstructure:"engine"`
	// actor -> 角色
	Roles map[string][]string `mapstructure:"roles"`
	Lock  struct {
		Backend       string `mapstructure:"backend" validate:"oneof=local redis"`
		RedisAddr     string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
		RedisPassword string `mapstructure:"redis_password"`
		RedisDB       int    `mapstructure:"redis_db"`
	} `mapstructure:"lock"`
	Archive struct {
		Enable bool   `mapstructure:"enable"`
		DSN    string `mapstructure:"dsn" validate:"required_if=Enable true"`
	} `mapstructure:"archive"`
	Templates struct {
		Builtin bool   `mapstructure:"builtin"`
		Dir     string `mapstructure:"dir"`
	} `mapstructure:"templates"`
	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=json text"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	engine := workflow.DefaultEngineConfig()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("engine.max_chain_depth", engine.MaxChainDepth)
	v.SetDefault("engine.lock_ttl", engine.LockTTL.String())
	v.SetDefault("engine.event_buffer", engine.EventBuffer)
	v.SetDefault("engine.admin_actors", []string{})
	v.SetDefault("roles", map[string][]string{})
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("archive.enable", false)
	v.SetDefault("archive.dsn", "")
	v.SetDefault("templates.builtin", true)
	v.SetDefault("templates.dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load path 为空时在当前目录和 ./config 下查找 workflowd.yaml, 找不到文件只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s failed", path)
		}
	} else {
		v.SetConfigName("workflowd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config failed")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// EngineConfig 转换成引擎配置, 优先级和风险参数使用默认值
func (c *Config) EngineConfig() workflow.EngineConfig {
	engine := workflow.DefaultEngineConfig()
	engine.MaxChainDepth = c.Engine.MaxChainDepth
	engine.LockTTL = c.Engine.LockTTL
	engine.EventBuffer = c.Engine.EventBuffer
	engine.AdminActors = append([]string(nil), c.Engine.AdminActors...)
	return engine
}
