package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Storage StorageConfig `mapstructure:"storage"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Image   ImageConfig   `mapstructure:"image"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// StorageConfig 对象存储配置（S3 兼容）
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	PublicURL string `mapstructure:"public_url"` // 对外可访问的基础地址，空则按 endpoint 拼接
	KeyPrefix string `mapstructure:"key_prefix"` // 对象 key 前缀
}

// UploadConfig 上传队列配置
type UploadConfig struct {
	MaxConcurrent      int      `mapstructure:"max_concurrent"`       // 最大并发上传数
	MaxRetries         int      `mapstructure:"max_retries"`          // 单任务最大重试次数
	BaseDelayMs        int      `mapstructure:"base_delay_ms"`        // 退避基础延迟（毫秒）
	MaxDelayMs         int      `mapstructure:"max_delay_ms"`         // 退避延迟上限（毫秒）
	StallTimeoutSec    int      `mapstructure:"stall_timeout_sec"`    // 无进度超时（秒），0 表示关闭
	MaxFileSizeMB      int      `mapstructure:"max_file_size_mb"`     // 单文件大小上限
	AllowedTypes       []string `mapstructure:"allowed_types"`        // 允许的 Content-Type 前缀
	SweepSchedule      string   `mapstructure:"sweep_schedule"`       // 终态任务清理周期（cron 表达式）
	CompletedKeepHours int      `mapstructure:"completed_keep_hours"` // 完成/取消任务保留时长
	FailedKeepHours    int      `mapstructure:"failed_keep_hours"`    // 失败任务保留时长
	RecordKeepDays     int      `mapstructure:"record_keep_days"`     // 历史记录保留天数
}

// ImageConfig 图片预处理配置
type ImageConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxSizeKB      int  `mapstructure:"max_size_kb"`     // 压缩产物体积上限
	MaxDimension   int  `mapstructure:"max_dimension"`   // 长边像素上限
	ThumbDimension int  `mapstructure:"thumb_dimension"` // 缩略图长边上限
	Quality        int  `mapstructure:"quality"`         // JPEG 初始质量
}

// WatcherConfig 监控目录配置，目录中出现的媒体文件会自动入队
type WatcherConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Dirs          []string `mapstructure:"dirs"`
	OwnerID       uint     `mapstructure:"owner_id"`       // 监听目录提交任务时使用的用户 ID
	AssociationID string   `mapstructure:"association_id"` // 监听目录提交任务时挂载的关联标识
}

// NotifyConfig 任务结束后的 Webhook 通知配置
type NotifyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	AuthToken  string `mapstructure:"auth_token"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "media-flow")

	// 对象存储默认配置
	viper.SetDefault("storage.endpoint", "127.0.0.1:9000")
	viper.SetDefault("storage.bucket", "media-flow")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.use_ssl", false)
	viper.SetDefault("storage.key_prefix", "uploads")

	// 上传队列默认配置
	viper.SetDefault("upload.max_concurrent", 3)
	viper.SetDefault("upload.max_retries", 3)
	viper.SetDefault("upload.base_delay_ms", 1000)
	viper.SetDefault("upload.max_delay_ms", 8000)
	viper.SetDefault("upload.stall_timeout_sec", 60)
	viper.SetDefault("upload.max_file_size_mb", 512)
	viper.SetDefault("upload.allowed_types", []string{"image/", "video/", "audio/"})
	viper.SetDefault("upload.sweep_schedule", "@every 10m")
	viper.SetDefault("upload.completed_keep_hours", 24)
	viper.SetDefault("upload.failed_keep_hours", 72)
	viper.SetDefault("upload.record_keep_days", 30)

	// 图片预处理默认配置
	viper.SetDefault("image.enabled", true)
	viper.SetDefault("image.max_size_kb", 1024)
	viper.SetDefault("image.max_dimension", 1920)
	viper.SetDefault("image.thumb_dimension", 300)
	viper.SetDefault("image.quality", 85)

	// 目录监听默认配置
	viper.SetDefault("watcher.enabled", false)
	viper.SetDefault("watcher.owner_id", 1)

	// Webhook 通知默认配置
	viper.SetDefault("notify.enabled", false)
	viper.SetDefault("notify.timeout_sec", 10)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Storage.Endpoint == "" || config.Storage.Bucket == "" {
		return fmt.Errorf("对象存储 endpoint 或 bucket 未设置")
	}
	if config.Upload.MaxConcurrent <= 0 {
		return fmt.Errorf("upload.max_concurrent 必须大于 0")
	}
	if config.Notify.Enabled && config.Notify.WebhookURL == "" {
		return fmt.Errorf("已启用通知但未设置 webhook_url")
	}
	return nil
}
