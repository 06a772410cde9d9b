package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Registry RegistryConfig `mapstructure:"registry"`
	Ticket   TicketConfig   `mapstructure:"ticket"`
	Cipher   CipherConfig   `mapstructure:"cipher"`
	JWT      JWTConfig      `mapstructure:"jwt"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"` // 注册表管理接口令牌，为空时不开放管理接口
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver      string         `mapstructure:"driver"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	MySQL       MySQLConfig    `mapstructure:"mysql"`
	SQLite      SQLiteConfig   `mapstructure:"sqlite"`
	AutoMigrate bool           `mapstructure:"auto_migrate"` // 启动时创建票据表
	LogLevel    string         `mapstructure:"log_level"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// SQLiteConfig SQLite 配置
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RegistryConfig 票据注册表配置
type RegistryConfig struct {
	Backend    string        `mapstructure:"backend"` // memory / redis / database / bolt / jwt
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Serializer string        `mapstructure:"serializer"` // json / cbor
	KeyPrefix  string        `mapstructure:"key_prefix"` // Redis 键前缀
	Cleaner    CleanerConfig `mapstructure:"cleaner"`
	Bolt       BoltConfig    `mapstructure:"bolt"`
}

// CleanerConfig 过期票据清理配置
type CleanerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	StartDelay time.Duration `mapstructure:"start_delay"`
	Interval   time.Duration `mapstructure:"interval"`
}

// BoltConfig BoltDB 配置
type BoltConfig struct {
	Path        string        `mapstructure:"path"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// TicketConfig 票据配置
type TicketConfig struct {
	ID  IDConfig               `mapstructure:"id"`
	TGT GrantingTicketConfig   `mapstructure:"tgt"`
	ST  ServiceTicketConfig    `mapstructure:"st"`
	PGT GrantingTicketConfig   `mapstructure:"pgt"`
	PT  ServiceTicketConfig    `mapstructure:"pt"`
	TST TransientSessionConfig `mapstructure:"tst"`
}

// IDConfig 票据 ID 生成配置
type IDConfig struct {
	RandomLength int    `mapstructure:"random_length"`
	Suffix       string `mapstructure:"suffix"`
}

// GrantingTicketConfig TGT / PGT 配置
// MaxTimeToLive 与 TimeToKill 均为 0 时永不过期
type GrantingTicketConfig struct {
	Prefix           string        `mapstructure:"prefix"`
	StorageName      string        `mapstructure:"storage_name"`
	StorageTimeout   time.Duration `mapstructure:"storage_timeout"`
	MaxTimeToLive    time.Duration `mapstructure:"max_time_to_live"`
	TimeToKill       time.Duration `mapstructure:"time_to_kill"`
	ThrottleInterval time.Duration `mapstructure:"throttle_interval"` // 大于 0 时限制签发频率
}

// ServiceTicketConfig ST / PT 配置
type ServiceTicketConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	StorageName    string        `mapstructure:"storage_name"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout"`
	TimeToKill     time.Duration `mapstructure:"time_to_kill"`
	NumberOfUses   int           `mapstructure:"number_of_uses"`
}

// TransientSessionConfig 临时会话票据配置
type TransientSessionConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	StorageName    string        `mapstructure:"storage_name"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout"`
	TimeToKill     time.Duration `mapstructure:"time_to_kill"`
}

// CipherConfig 票据加密配置
type CipherConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Algorithm      string   `mapstructure:"algorithm"`
	EncryptionKeys []string `mapstructure:"encryption_keys"`
	SigningKeys    []string `mapstructure:"signing_keys"`
	Compress       bool     `mapstructure:"compress"`
}

// JWTConfig 自包含 JWT 票据配置
type JWTConfig struct {
	Issuer      string   `mapstructure:"issuer"`
	SigningKeys []string `mapstructure:"signing_keys"`
}

var current atomic.Pointer[Config]

// Load 加载配置
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return unmarshal(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// Get 获取最近一次加载的配置
func Get() *Config {
	return current.Load()
}

func newViper() *viper.Viper {
	v := viper.New()
	// 支持环境变量覆盖，如 REGISTRY_BACKEND
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	current.Store(&cfg)
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.admin_token", "")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "cas_tickets")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.mysql.charset", "utf8mb4")
	v.SetDefault("database.mysql.parse_time", true)
	v.SetDefault("database.mysql.loc", "UTC")
	v.SetDefault("database.sqlite.path", "tickets.db")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// 注册表默认配置
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.timeout", "5s")
	v.SetDefault("registry.retries", 2)
	v.SetDefault("registry.retry_delay", "100ms")
	v.SetDefault("registry.serializer", "json")
	v.SetDefault("registry.key_prefix", "cas")
	v.SetDefault("registry.cleaner.enabled", true)
	v.SetDefault("registry.cleaner.start_delay", "20s")
	v.SetDefault("registry.cleaner.interval", "2m")
	v.SetDefault("registry.bolt.path", "tickets.bolt")
	v.SetDefault("registry.bolt.open_timeout", "5s")

	// 票据默认配置
	v.SetDefault("ticket.id.random_length", 32)
	v.SetDefault("ticket.tgt.prefix", "TGT")
	v.SetDefault("ticket.tgt.storage_name", "ticket_granting_tickets")
	v.SetDefault("ticket.tgt.max_time_to_live", "8h")
	v.SetDefault("ticket.tgt.time_to_kill", "2h")
	v.SetDefault("ticket.st.prefix", "ST")
	v.SetDefault("ticket.st.storage_name", "service_tickets")
	v.SetDefault("ticket.st.time_to_kill", "10s")
	v.SetDefault("ticket.st.number_of_uses", 1)
	v.SetDefault("ticket.pgt.prefix", "PGT")
	v.SetDefault("ticket.pgt.storage_name", "proxy_granting_tickets")
	v.SetDefault("ticket.pgt.max_time_to_live", "8h")
	v.SetDefault("ticket.pgt.time_to_kill", "2h")
	v.SetDefault("ticket.pt.prefix", "PT")
	v.SetDefault("ticket.pt.storage_name", "proxy_tickets")
	v.SetDefault("ticket.pt.time_to_kill", "10s")
	v.SetDefault("ticket.pt.number_of_uses", 1)
	v.SetDefault("ticket.tst.prefix", "TST")
	v.SetDefault("ticket.tst.storage_name", "transient_session_tickets")
	v.SetDefault("ticket.tst.time_to_kill", "5m")

	// 加密默认配置
	v.SetDefault("cipher.enabled", false)
	v.SetDefault("cipher.algorithm", "aes-256-gcm")
	v.SetDefault("cipher.compress", true)

	// JWT 默认配置
	v.SetDefault("jwt.issuer", "https://cas.example.org/cas")
}
