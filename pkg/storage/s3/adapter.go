package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"zipfiles/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string // 可选：所有 key 的公共前缀
	AccessKeyID     string
	SecretAccessKey string
}

// NewAdapter 初始化 S3 客户端 (AWS SDK v2)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	// 没有显式密钥时走默认凭证链 (环境变量 / IAM Role)
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 如果指定了 Endpoint (比如 MinIO 的 localhost:9000)，则覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO 必须强制使用 Path Style: http://host:9000/bucket/key
			o.UsePathStyle = true
		}
	})

	// 只读服务不负责建桶，这里仅做一次可达性检查
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		slog.Warn("s3 bucket not reachable at startup",
			slog.String("bucket", cfg.Bucket),
			slog.String("err", err.Error()),
		)
	}

	return &Adapter{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// objectKey 拼接公共前缀
func (s *Adapter) objectKey(key string) (string, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", storage.ErrInvalidKey
	}
	if s.prefix == "" {
		return key, nil
	}
	return s.prefix + "/" + key, nil
}

// GetReadStream 下载对象 (流式)
func (s *Adapter) GetReadStream(ctx context.Context, key string) (io.ReadCloser, storage.Metadata, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, storage.Metadata{}, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 错误映射为我们自己的 ErrNotFound
		if isNotFound(err) {
			return nil, storage.Metadata{}, storage.ErrNotFound
		}
		return nil, storage.Metadata{}, fmt.Errorf("s3 get failed: %w", err)
	}

	meta := storage.Metadata{Size: -1, ETag: aws.ToString(resp.ETag)}
	if resp.ContentLength != nil {
		meta.Size = *resp.ContentLength
	}
	return resp.Body, meta, nil
}

// Put 上传对象
func (s *Adapter) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

// Has 检查对象是否存在
func (s *Adapter) Has(ctx context.Context, key string) (bool, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	// 兼容性：某些 S3 实现可能返回 generic 404 error string
	return strings.Contains(err.Error(), "StatusCode: 404")
}
