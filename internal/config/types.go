// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件或进程环境中（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（显式目录）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/codestat-agent/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite"（默认）或 "postgres"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL，优先于 host/port/db
}

// MinIOConfig MinIO 对象存储配置（统计结果归档）
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// RuntimeConfig 运行实例（容器）配置
type RuntimeConfig struct {
	WorkerImage     string        `yaml:"worker_image"`
	Network         string        `yaml:"network"`
	DataDir         string        `yaml:"data_dir"`
	ContainerPrefix string        `yaml:"container_prefix"`
	MemoryLimitMB   int64         `yaml:"memory_limit_mb"`
	CPULimit        float64       `yaml:"cpu_limit"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"` // 日志、停止、删除等引擎调用的超时
	LogTailLines    int           `yaml:"log_tail_lines"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	MaxTasks        int           `yaml:"max_tasks"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	Workers         int           `yaml:"workers"`
	MaintenanceSpec string        `yaml:"maintenance_spec"`
	ResultRetention time.Duration `yaml:"result_retention"`
	ConfigCacheTTL  time.Duration `yaml:"config_cache_ttl"`
}

// WebhookConfig webhook 接入配置
type WebhookConfig struct {
	RateLimit float64 `yaml:"rate_limit"` // 每秒请求数
	Burst     int     `yaml:"burst"`
}

// AuthConfig 认证配置
// 注意：JWTSecret/AdminPasswordHash 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	JWTSecret         string        `yaml:"-"` // 只从 JWT_SECRET 环境变量读取，为空时关闭认证
	TokenTTL          time.Duration `yaml:"token_ttl"`
	AdminUser         string        `yaml:"admin_user"`
	AdminPasswordHash string        `yaml:"-"` // 只从 ADMIN_PASSWORD_HASH 环境变量读取（bcrypt）
}

// Enabled 是否开启 API 认证
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "sqlite" 或 "postgres"
	DatabaseURL    string
	// RedisURL 为空表示未启用 Redis
	RedisURL       string
	APIPort        string
	MinIO          MinIOConfig
	Runtime        RuntimeConfig
	Scheduler      SchedulerConfig
	Webhook        WebhookConfig
	Auth           AuthConfig
	Log            LogConfig
	ConfigFilePath string // 实际加载的配置文件路径
}
