package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
// 1. 加载 .env.{env}（敏感信息）
// 2. 加载 {env}.yaml
// 3. 环境变量覆盖并填充默认值
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(&yamlCfg.YAMLConfig)

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(yamlCfg.Database.Driver, databaseURL)
	yamlCfg.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(yamlCfg.Database, yamlCfg.Database.Password)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" && yamlCfg.Redis.Enabled {
		redisURL = buildRedisURL(yamlCfg.Redis)
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		RedisURL:       redisURL,
		APIPort:        yamlCfg.Server.Port,
		MinIO:          yamlCfg.MinIO,
		Runtime:        yamlCfg.Runtime,
		Scheduler:      yamlCfg.Scheduler,
		Webhook:        yamlCfg.Webhook,
		Auth:           yamlCfg.Auth,
		Log:            yamlCfg.Log,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	cfg.validate()
	return cfg, nil
}

// Defaults 返回默认 YAML 配置
func Defaults() YAMLConfig {
	return YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./data/codestat.db", Host: "localhost", Port: 5432, User: "codestat", Name: "codestat", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "codestat-results"},
		Runtime: RuntimeConfig{
			WorkerImage:     "codestat-worker:latest",
			Network:         "codestat-network",
			DataDir:         "./data",
			ContainerPrefix: "codestat-",
			MemoryLimitMB:   512,
			CPULimit:        0.5,
			StopGracePeriod: 10 * time.Second,
			PollTimeout:     3 * time.Second,
			CallTimeout:     30 * time.Second,
			LogTailLines:    50,
		},
		Scheduler: SchedulerConfig{
			CheckInterval:   5 * time.Second,
			MaxTasks:        1000,
			DefaultTimeout:  600 * time.Second,
			Workers:         4,
			MaintenanceSpec: "@every 1m",
			ResultRetention: 24 * time.Hour,
			ConfigCacheTTL:  30 * time.Second,
		},
		Webhook: WebhookConfig{RateLimit: 10, Burst: 20},
		Auth:    AuthConfig{TokenTTL: 12 * time.Hour, AdminUser: "admin"},
		Log:     LogConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml
func loadYAMLConfig(env Environment) (*yamlConfigInternal, error) {
	cfg := &yamlConfigInternal{YAMLConfig: Defaults()}

	path := findConfigFile(env)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.loadedFrom = path
	return cfg, nil
}

// yamlConfigInternal 内部包装，记录配置文件来源
type yamlConfigInternal struct {
	YAMLConfig
	loadedFrom string
}

// applyEnvOverrides 环境变量覆盖（凭据只从这里读取）
func applyEnvOverrides(c *YAMLConfig) {
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	c.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")
	c.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.AdminPasswordHash = os.Getenv("ADMIN_PASSWORD_HASH")
	c.Runtime.WorkerImage = getEnv("WORKER_IMAGE", c.Runtime.WorkerImage)
	c.Runtime.DataDir = getEnv("DATA_DIR", c.Runtime.DataDir)
	c.Server.Port = getEnv("API_PORT", c.Server.Port)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// validate 验证并填充默认值
func (c *Config) validate() {
	d := Defaults()
	if c.APIPort == "" {
		c.APIPort = d.Server.Port
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = d.MinIO.Bucket
	}
	c.Runtime.validate(d.Runtime)
	c.Scheduler.validate(d.Scheduler)
	if c.Webhook.RateLimit <= 0 {
		c.Webhook.RateLimit = d.Webhook.RateLimit
	}
	if c.Webhook.Burst <= 0 {
		c.Webhook.Burst = d.Webhook.Burst
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = d.Auth.TokenTTL
	}
	if c.Auth.AdminUser == "" {
		c.Auth.AdminUser = d.Auth.AdminUser
	}
}

func (r *RuntimeConfig) validate(d RuntimeConfig) {
	if r.WorkerImage == "" {
		r.WorkerImage = d.WorkerImage
	}
	if r.DataDir == "" {
		r.DataDir = d.DataDir
	}
	if r.ContainerPrefix == "" {
		r.ContainerPrefix = d.ContainerPrefix
	}
	if r.MemoryLimitMB <= 0 {
		r.MemoryLimitMB = d.MemoryLimitMB
	}
	if r.CPULimit <= 0 {
		r.CPULimit = d.CPULimit
	}
	if r.StopGracePeriod <= 0 {
		r.StopGracePeriod = d.StopGracePeriod
	}
	if r.PollTimeout <= 0 {
		r.PollTimeout = d.PollTimeout
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = d.CallTimeout
	}
	if r.LogTailLines <= 0 {
		r.LogTailLines = d.LogTailLines
	}
}

func (s *SchedulerConfig) validate(d SchedulerConfig) {
	if s.CheckInterval <= 0 {
		s.CheckInterval = d.CheckInterval
	}
	if s.MaxTasks <= 0 {
		s.MaxTasks = d.MaxTasks
	}
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = d.DefaultTimeout
	}
	if s.Workers <= 0 {
		s.Workers = d.Workers
	}
	if s.MaintenanceSpec == "" {
		s.MaintenanceSpec = d.MaintenanceSpec
	}
	if s.ResultRetention <= 0 {
		s.ResultRetention = d.ResultRetention
	}
	if s.ConfigCacheTTL <= 0 {
		s.ConfigCacheTTL = d.ConfigCacheTTL
	}
}
