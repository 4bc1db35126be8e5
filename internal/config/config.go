// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// PublicBaseURL 用于拼接对外可访问的归档下载地址。
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Redis 承载分片影子副本。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// BrokerList 将逗号分隔的 broker 地址拆分为列表。
func (c KafkaConfig) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// StorageConfig 存储文件存储引擎的配置。
type StorageConfig struct {
	RootDir          string        `mapstructure:"root_dir"`
	ChunkTTL         time.Duration `mapstructure:"chunk_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxUploadSize    int64         `mapstructure:"max_upload_size"`
	ReadWindowChunks int           `mapstructure:"read_window_chunks"`
}

// ArchiveConfig 存储 ZIP 归档任务的配置。
type ArchiveConfig struct {
	// Backend 取值 filesystem 或 minio。
	Backend             string        `mapstructure:"backend"`
	Dir                 string        `mapstructure:"dir"`
	TTL                 time.Duration `mapstructure:"ttl"`
	Workers             int           `mapstructure:"workers"`
	QueueSize           int           `mapstructure:"queue_size"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	StatusPollInterval  time.Duration `mapstructure:"status_poll_interval"`
}

// CacheConfig 存储文件记录读缓存的配置。
type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// setDefaults 注册默认值，保证只写了部分字段的配置文件也能启动。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.public_base_url", "http://localhost:8080/api/v1")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "studio.events")
	v.SetDefault("kafka.group_id", "studio-file-pipeline")
	v.SetDefault("storage.root_dir", "/data/files")
	v.SetDefault("storage.chunk_ttl", 24*time.Hour)
	v.SetDefault("storage.sweep_interval", 10*time.Minute)
	v.SetDefault("storage.max_upload_size", int64(100_000_000))
	v.SetDefault("storage.read_window_chunks", 16)
	v.SetDefault("archive.backend", "filesystem")
	v.SetDefault("archive.dir", "/data/archives")
	v.SetDefault("archive.ttl", 24*time.Hour)
	v.SetDefault("archive.workers", 2)
	v.SetDefault("archive.queue_size", 64)
	v.SetDefault("archive.stale_after", time.Hour)
	v.SetDefault("archive.maintenance_interval", 5*time.Minute)
	v.SetDefault("archive.status_poll_interval", time.Second)
	v.SetDefault("cache.size", 4096)
	v.SetDefault("cache.ttl", 30*time.Second)
}

// Load 从指定路径读取 YAML 配置，叠加 STUDIO_ 前缀的环境变量后返回。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
