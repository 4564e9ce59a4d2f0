package config

import (
	"os"
	"strconv"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig 管理接口的 JWT 配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// EnvOverrides 环境变量覆盖（优先级最高）。lookup 默认是 os.LookupEnv，
// 测试里可以换成 map
type EnvOverrides struct {
	lookup func(string) (string, bool)
}

func FromOSEnv() EnvOverrides {
	return EnvOverrides{lookup: os.LookupEnv}
}

func FromMap(env map[string]string) EnvOverrides {
	return EnvOverrides{lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}
}

func (e EnvOverrides) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

// 解析失败时保留原值
func (e EnvOverrides) num(key string, dst *int) {
	if v, ok := e.lookup(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// DB: DB_HOST DB_PORT DB_USER DB_PASSWORD DB_NAME DB_SSLMODE DB_MAX_CONNS
func (e EnvOverrides) DB(cfg *DBConfig) {
	e.str("DB_HOST", &cfg.Host)
	e.num("DB_PORT", &cfg.Port)
	e.str("DB_USER", &cfg.User)
	e.str("DB_PASSWORD", &cfg.Password)
	e.str("DB_NAME", &cfg.Name)
	e.str("DB_SSLMODE", &cfg.SSLMode)

	maxConns := int(cfg.MaxConns)
	e.num("DB_MAX_CONNS", &maxConns)
	cfg.MaxConns = int32(maxConns)
}

func (e EnvOverrides) MQ(cfg *MQConfig) {
	e.str("MQ_URL", &cfg.URL)
}

func (e EnvOverrides) Redis(cfg *RedisConfig) {
	e.str("REDIS_ADDR", &cfg.Addr)
	e.str("REDIS_PASSWORD", &cfg.Password)
	e.num("REDIS_DB", &cfg.DB)
}

func (e EnvOverrides) JWT(cfg *JWTConfig) {
	e.str("JWT_SECRET", &cfg.Secret)
}

func (e EnvOverrides) Server(cfg *ServerConfig) {
	e.str("SERVER_PORT", &cfg.Port)
}
