package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	TypingTimeout         time.Duration
	RedisAddr             string
	WSEventsPerSecond     float64
	WSEventBurst          int
	HTTPRatePerSecond     float64
	HTTPRateBurst         int
	CORSOrigins           []string
}

var defaults = map[string]any{
	"app_port":                 "8080",
	"database_dsn":             "host=localhost user=postgres password=postgres dbname=chathub port=5432 sslmode=disable TimeZone=UTC",
	"jwt_secret":               defaultJWTSecret,
	"app_env":                  "dev",
	"access_token_ttl_minutes": 15,
	"refresh_token_ttl_days":   7,
	"typing_timeout":           "5s",
	"redis_addr":               "",
	"ws_events_per_second":     20.0,
	"ws_event_burst":           40,
	"http_rate_per_second":     20.0,
	"http_rate_burst":          40,
	"cors_origins":             "",
}

// Load 按 默认值 < chathub.yaml < 环境变量 的优先级读取配置。
// 非法或非正的数值回退到默认值。
func Load() Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName("chathub")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// A missing file is fine; a broken one falls back to defaults and env.
	_ = v.ReadInConfig()

	typing, err := time.ParseDuration(v.GetString("typing_timeout"))
	if err != nil || typing <= 0 {
		typing = 5 * time.Second
	}

	return Config{
		Port:                  v.GetString("app_port"),
		DatabaseDSN:           v.GetString("database_dsn"),
		JWTSecret:             v.GetString("jwt_secret"),
		Env:                   v.GetString("app_env"),
		AccessTokenTTLMinutes: positiveInt(v.GetInt("access_token_ttl_minutes"), 15),
		RefreshTokenTTLDays:   positiveInt(v.GetInt("refresh_token_ttl_days"), 7),
		TypingTimeout:         typing,
		RedisAddr:             v.GetString("redis_addr"),
		WSEventsPerSecond:     positiveFloat(v.GetFloat64("ws_events_per_second"), 20),
		WSEventBurst:          positiveInt(v.GetInt("ws_event_burst"), 40),
		HTTPRatePerSecond:     positiveFloat(v.GetFloat64("http_rate_per_second"), 20),
		HTTPRateBurst:         positiveInt(v.GetInt("http_rate_burst"), 40),
		CORSOrigins:           splitList(v.GetString("cors_origins")),
	}
}

// splitList 解析逗号分隔的列表，忽略空项。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positiveInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func positiveFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// Validate 拒绝明显错误的配置，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: empty port")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: empty database dsn")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default jwt secret outside dev")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: empty jwt secret")
	}
	return nil
}
