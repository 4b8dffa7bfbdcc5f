package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Ollama   OllamaConfig   `mapstructure:"ollama"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Ask      AskConfig      `mapstructure:"ask"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, production
}

// OllamaConfig 生成/嵌入引擎配置
type OllamaConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Model           string `mapstructure:"model"`
	EmbedModel      string `mapstructure:"embed_model"`
	KeepAlive       string `mapstructure:"keep_alive"`
	GenerateTimeout int    `mapstructure:"generate_timeout"` // seconds
	EmbedTimeout    int    `mapstructure:"embed_timeout"`    // seconds
}

// BaseURL 返回 Ollama HTTP 基址
func (c OllamaConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// QdrantConfig 向量索引配置
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

// BaseURL 返回 Qdrant HTTP 基址
func (c QdrantConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// RedisConfig 任务存储配置（可选）
type RedisConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Enabled bool   `mapstructure:"enabled"`
}

// Addr 返回 Redis 连接地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresConfig 模板查询库配置（可选）
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Enabled  bool   `mapstructure:"enabled"`
}

// DSN 返回 pgx 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// AuthConfig 多租户与鉴权配置
type AuthConfig struct {
	HeaderTenantKey  string `mapstructure:"header_tenant_key"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTAlg           string `mapstructure:"jwt_alg"`
	TenantClaim      string `mapstructure:"tenant_claim"`
	RequireTenant    bool   `mapstructure:"require_tenant"`
	EnforceJWTTenant bool   `mapstructure:"enforce_jwt_tenant"`
}

// AskConfig 问答默认参数
type AskConfig struct {
	DefaultTopK       int `mapstructure:"default_top_k"`
	DefaultNumPredict int `mapstructure:"default_num_predict"`
}

// TransferConfig 导入导出配置
type TransferConfig struct {
	ExportMaxConcurrency   int `mapstructure:"export_max_concurrency"`
	DownloadMaxConcurrency int `mapstructure:"download_max_concurrency"`
	ExportTTLSeconds       int `mapstructure:"export_ttl_seconds"`
}

// ExportTTL 返回终态任务保留时长
func (c TransferConfig) ExportTTL() time.Duration {
	return time.Duration(c.ExportTTLSeconds) * time.Second
}

// ToolsConfig 工具网关配置
type ToolsConfig struct {
	PolicyFile       string `mapstructure:"policy_file"`
	PolicyTTLSeconds int    `mapstructure:"policy_ttl_seconds"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level               string  `mapstructure:"level"`
	Format              string  `mapstructure:"format"`
	BodyPreviewSampling float64 `mapstructure:"body_preview_sampling"` // 0..1，成功响应体采样率
}

// envBindings 环境变量与配置键的映射（沿用原有扁平命名）
var envBindings = map[string]string{
	"server.host": "API_HOST",
	"server.port": "API_PORT",
	"server.mode": "API_MODE",

	"ollama.host":             "OLLAMA_HOST",
	"ollama.port":             "OLLAMA_PORT",
	"ollama.model":            "OLLAMA_MODEL",
	"ollama.embed_model":      "OLLAMA_EMBED_MODEL",
	"ollama.keep_alive":       "OLLAMA_KEEP_ALIVE",
	"ollama.generate_timeout": "GENERATE_TIMEOUT",
	"ollama.embed_timeout":    "EMBED_TIMEOUT",

	"qdrant.host":       "QDRANT_HOST",
	"qdrant.port":       "QDRANT_PORT",
	"qdrant.collection": "QDRANT_COLLECTION",

	"redis.host":    "REDIS_HOST",
	"redis.port":    "REDIS_PORT",
	"redis.enabled": "REDIS_ENABLED",

	"postgres.host":     "POSTGRES_HOST",
	"postgres.port":     "POSTGRES_PORT",
	"postgres.user":     "POSTGRES_USER",
	"postgres.password": "POSTGRES_PASSWORD",
	"postgres.database": "POSTGRES_DB",
	"postgres.enabled":  "POSTGRES_ENABLED",

	"auth.header_tenant_key":  "HEADER_TENANT_KEY",
	"auth.jwt_secret":         "AUTH_JWT_SECRET",
	"auth.jwt_alg":            "AUTH_JWT_ALG",
	"auth.tenant_claim":       "AUTH_TENANT_CLAIM",
	"auth.require_tenant":     "AUTH_REQUIRE_TENANT",
	"auth.enforce_jwt_tenant": "AUTH_ENFORCE_JWT_TENANT",

	"ask.default_top_k":       "DEFAULT_TOP_K",
	"ask.default_num_predict": "DEFAULT_NUM_PREDICT",

	"transfer.export_max_concurrency":   "EXPORT_MAX_CONCURRENCY",
	"transfer.download_max_concurrency": "DOWNLOAD_MAX_CONCURRENCY",
	"transfer.export_ttl_seconds":       "EXPORT_TTL_SECONDS",

	"tools.policy_file":        "TOOLS_POLICY_FILE",
	"tools.policy_ttl_seconds": "TOOLS_POLICY_TTL_SECONDS",

	"log.level":                 "LOG_LEVEL",
	"log.format":                "LOG_FORMAT",
	"log.body_preview_sampling": "LOG_RESPONSE_BODY_SAMPLE_RATE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "production")

	v.SetDefault("ollama.host", "ollama")
	v.SetDefault("ollama.port", 11434)
	v.SetDefault("ollama.model", "phi3:mini")
	v.SetDefault("ollama.embed_model", "nomic-embed-text")
	v.SetDefault("ollama.keep_alive", "30m")
	v.SetDefault("ollama.generate_timeout", 300)
	v.SetDefault("ollama.embed_timeout", 120)

	v.SetDefault("qdrant.host", "qdrant")
	v.SetDefault("qdrant.port", 6333)
	v.SetDefault("qdrant.collection", "default_collection")

	v.SetDefault("redis.host", "redis")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.enabled", false)

	v.SetDefault("postgres.host", "db")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "ai_support")
	v.SetDefault("postgres.password", "ai_support_pw")
	v.SetDefault("postgres.database", "ai_support")
	v.SetDefault("postgres.enabled", false)

	v.SetDefault("auth.header_tenant_key", "X-Tenant-Id")
	v.SetDefault("auth.jwt_alg", "HS256")
	v.SetDefault("auth.tenant_claim", "tenant")
	v.SetDefault("auth.require_tenant", false)
	v.SetDefault("auth.enforce_jwt_tenant", false)

	v.SetDefault("ask.default_top_k", 1)
	v.SetDefault("ask.default_num_predict", 8)

	v.SetDefault("transfer.export_max_concurrency", 2)
	v.SetDefault("transfer.download_max_concurrency", 4)
	v.SetDefault("transfer.export_ttl_seconds", 3600)

	v.SetDefault("tools.policy_file", "configs/tools_policies.json")
	v.SetDefault("tools.policy_ttl_seconds", 15)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.body_preview_sampling", 0.0)
}

// Load 加载配置：默认值 < 配置文件（可选） < 环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Transfer.ExportMaxConcurrency <= 0 {
		cfg.Transfer.ExportMaxConcurrency = 2
	}
	if cfg.Transfer.DownloadMaxConcurrency <= 0 {
		cfg.Transfer.DownloadMaxConcurrency = 4
	}
	if cfg.Transfer.ExportTTLSeconds <= 0 {
		cfg.Transfer.ExportTTLSeconds = 3600
	}
	return &cfg, nil
}
