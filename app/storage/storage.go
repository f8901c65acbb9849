// Package storage 封装对象存储（S3 兼容）访问，上传队列只依赖这里暴露的 Put 语义。
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"media-flow/app/config"
	"media-flow/app/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client minio 客户端封装
type Client struct {
	mc        *minio.Client
	bucket    string
	region    string
	publicURL string
	log       *logger.Logger
}

// New 根据配置创建对象存储客户端
func New(cfg *config.StorageConfig, log *logger.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化对象存储客户端失败: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	}

	return &Client{
		mc:        mc,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		publicURL: publicURL,
		log:       log,
	}, nil
}

// EnsureBucket 确保目标 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("检查 bucket %s 失败: %w", c.bucket, err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
			return fmt.Errorf("创建 bucket %s 失败: %w", c.bucket, err)
		}
		c.log.Infof("已创建 bucket: %s", c.bucket)
	}
	return nil
}

// Put 上传一个对象并返回可访问的持久地址。
// reader 以流式读入，调用方通过包装 reader 获得进度；取消 ctx 即中断传输。
func (c *Client) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	info, err := c.mc.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s 失败: %w", key, err)
	}
	return c.ObjectURL(info.Key), nil
}

// ObjectURL 拼接对象的对外访问地址
func (c *Client) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.publicURL, c.bucket, escapeKey(key))
}

// escapeKey 对 key 的每一段做 URL 转义，保留路径分隔符
func escapeKey(key string) string {
	u := url.URL{Path: key}
	return u.EscapedPath()
}
