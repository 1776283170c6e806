package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 存储后端类型
const (
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
)

// 未配置时使用的加密参数，仅适合本地开发
const (
	DefaultPepper = "pepper"
	DefaultSalt   = "salt"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host            string        // 监听地址，默认 "0.0.0.0"
	Port            int           // 监听端口，默认 8080
	ShutdownTimeout time.Duration // 优雅关闭等待时间
	MaxBodyBytes    int64         // 请求体上限
	TrustedProxies  []string      // 可信反向代理的 IP 或 CIDR，为空时只使用连接地址
}

// StoreConfig 选择消息存储后端
type StoreConfig struct {
	Type             string        // mongo | memory | postgres | mysql
	OperationTimeout time.Duration // 单次存储操作的超时上限
}

// MongoConfig 定义文档存储连接参数
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// DatabaseConfig 定义 SQL 数据库连接配置（MySQL / PostgreSQL）
type DatabaseConfig struct {
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// CryptoConfig 定义消息加密密钥派生参数
type CryptoConfig struct {
	Pepper string
	Salt   string
}

// UsesDefaultSecrets 报告是否仍在使用内置的不安全默认值
func (c CryptoConfig) UsesDefaultSecrets() bool {
	return c.Pepper == DefaultPepper || c.Salt == DefaultSalt
}

// RetentionConfig 定义过期策略维护任务
type RetentionConfig struct {
	MaintenanceInterval time.Duration // 过期索引巡检间隔
	PurgeInterval       time.Duration // 无 TTL 能力的后端执行物理删除的间隔
}

// RateLimitConfig 定义按客户端 IP 的固定窗口限流
type RateLimitConfig struct {
	Enabled  bool
	Window   time.Duration
	SendMax  int64
	FetchMax int64
}

// RedisConfig 定义 Redis 配置，地址为空表示不启用
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// SMTPConfig 定义 SMTP 收信入口
type SMTPConfig struct {
	Enabled         bool
	BindAddr        string  // 监听地址，格式 "host:port"
	Domain          string  // 收件域名，同时用于 HELO/EHLO 响应
	MaxMessageBytes int64   // 单封邮件大小上限
	ConnRate        float64 // 每秒允许的新连接数
	ConnBurst       int
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// Config 是系统配置的根结构体
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	MongoDB   MongoConfig
	Database  DatabaseConfig
	Crypto    CryptoConfig
	Retention RetentionConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	SMTP      SMTPConfig
	CORS      CORSConfig
	Log       LogConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: ANONDROP_，例如 ANONDROP_SERVER_PORT。
// MONGODB_URI、ENCRYPTION_PEPPER、ENCRYPTION_SALT 这三个变量也可以不带前缀。
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("anondrop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("mongodb.uri", "ANONDROP_MONGODB_URI", "MONGODB_URI")
	_ = v.BindEnv("crypto.pepper", "ANONDROP_CRYPTO_PEPPER", "ENCRYPTION_PEPPER")
	_ = v.BindEnv("crypto.salt", "ANONDROP_CRYPTO_SALT", "ENCRYPTION_SALT")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 64*1024)
	v.SetDefault("server.trusted_proxies", "")
	v.SetDefault("store.type", StoreMongo)
	v.SetDefault("store.operation_timeout", "10s")
	v.SetDefault("mongodb.database", "anondrop")
	v.SetDefault("mongodb.connect_timeout", "10s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("crypto.pepper", DefaultPepper)
	v.SetDefault("crypto.salt", DefaultSalt)
	v.SetDefault("retention.maintenance_interval", "1h")
	v.SetDefault("retention.purge_interval", "10m")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.send_max", 20)
	v.SetDefault("ratelimit.fetch_max", 60)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "anondrop.local")
	v.SetDefault("smtp.max_message_bytes", 256*1024)
	v.SetDefault("smtp.conn_rate", 5.0)
	v.SetDefault("smtp.conn_burst", 10)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	storeType := strings.ToLower(strings.TrimSpace(v.GetString("store.type")))
	switch storeType {
	case StoreMongo, StoreMemory, StorePostgres, StoreMySQL:
	default:
		return nil, fmt.Errorf("invalid store.type %q: want mongo, memory, postgres or mysql", storeType)
	}

	mongoURI := strings.TrimSpace(v.GetString("mongodb.uri"))
	if storeType == StoreMongo && mongoURI == "" {
		return nil, fmt.Errorf("MONGODB_URI is required when store.type is mongo")
	}

	dsn := strings.TrimSpace(v.GetString("database.dsn"))
	if (storeType == StorePostgres || storeType == StoreMySQL) && dsn == "" {
		return nil, fmt.Errorf("database.dsn is required when store.type is %s", storeType)
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"server.shutdown_timeout",
		"store.operation_timeout",
		"mongodb.connect_timeout",
		"database.conn_max_lifetime",
		"retention.maintenance_interval",
		"retention.purge_interval",
		"ratelimit.window",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", key)
		}
		durations[key] = d
	}

	pepper := v.GetString("crypto.pepper")
	salt := v.GetString("crypto.salt")
	if pepper == "" || salt == "" {
		return nil, fmt.Errorf("crypto pepper and salt must not be empty")
	}

	trustedProxies := parseList(v.GetString("server.trusted_proxies"))
	for _, proxy := range trustedProxies {
		if !validProxy(proxy) {
			return nil, fmt.Errorf("invalid server.trusted_proxies entry %q: want an IP or CIDR", proxy)
		}
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ShutdownTimeout: durations["server.shutdown_timeout"],
			MaxBodyBytes:    v.GetInt64("server.max_body_bytes"),
			TrustedProxies:  trustedProxies,
		},
		Store: StoreConfig{
			Type:             storeType,
			OperationTimeout: durations["store.operation_timeout"],
		},
		MongoDB: MongoConfig{
			URI:            mongoURI,
			Database:       v.GetString("mongodb.database"),
			ConnectTimeout: durations["mongodb.connect_timeout"],
		},
		Database: DatabaseConfig{
			DSN:             dsn,
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Crypto: CryptoConfig{
			Pepper: pepper,
			Salt:   salt,
		},
		Retention: RetentionConfig{
			MaintenanceInterval: durations["retention.maintenance_interval"],
			PurgeInterval:       durations["retention.purge_interval"],
		},
		RateLimit: RateLimitConfig{
			Enabled:  v.GetBool("ratelimit.enabled"),
			Window:   durations["ratelimit.window"],
			SendMax:  v.GetInt64("ratelimit.send_max"),
			FetchMax: v.GetInt64("ratelimit.fetch_max"),
		},
		Redis: RedisConfig{
			Address:  strings.TrimSpace(v.GetString("redis.address")),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		SMTP: SMTPConfig{
			Enabled:         v.GetBool("smtp.enabled"),
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          strings.ToLower(strings.TrimSpace(v.GetString("smtp.domain"))),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
			ConnRate:        v.GetFloat64("smtp.conn_rate"),
			ConnBurst:       v.GetInt("smtp.conn_burst"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
	}

	if cfg.SMTP.Enabled && cfg.SMTP.Domain == "" {
		return nil, fmt.Errorf("smtp.domain must not be empty when smtp is enabled")
	}

	return cfg, nil
}

// validProxy 检查代理地址是否为合法的 IP 或 CIDR
func validProxy(value string) bool {
	if strings.Contains(value, "/") {
		_, _, err := net.ParseCIDR(value)
		return err == nil
	}
	return net.ParseIP(value) != nil
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
