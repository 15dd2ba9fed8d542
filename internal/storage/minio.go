package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/tracing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var minioTracer = otel.Tracer("ats-tailor/storage/minio")

// ContentTypePDF 生成文档的 MIME 类型
const ContentTypePDF = "application/pdf"

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadDocument 上传生成的文档到 documents 桶，返回对象路径
	UploadDocument(ctx context.Context, objectKey string, data []byte, contentType string) (string, error)
	// DownloadOriginal 从 originals 桶读取用户上传的原始简历
	DownloadOriginal(ctx context.Context, objectKey string) ([]byte, error)
	// PresignDocument 为 documents 桶中的对象生成下载链接
	PresignDocument(ctx context.Context, objectKey string) (string, time.Time, error)
}

var _ ObjectStorage = (*MinIO)(nil)

// MinIO 对象存储
type MinIO struct {
	client          *minio.Client
	cfg             *config.MinIOConfig
	originalsBucket string
	documentsBucket string
	presignExpiry   time.Duration
	log             zerolog.Logger
}

// NewMinIO 创建客户端并确保两个存储桶存在
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig, log zerolog.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("originals_bucket", cfg.OriginalsBucket).
		Str("documents_bucket", cfg.DocumentsBucket).
		Msg("初始化MinIO客户端")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	expiry := time.Duration(cfg.PresignExpiryHours) * time.Hour
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	m := &MinIO{
		client:          client,
		cfg:             cfg,
		originalsBucket: cfg.OriginalsBucket,
		documentsBucket: cfg.DocumentsBucket,
		presignExpiry:   expiry,
		log:             log,
	}

	for _, bucket := range []string{m.originalsBucket, m.documentsBucket} {
		if err := m.ensureBucketExists(ctx, bucket, cfg.Location); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	m.log.Info().Str("bucket", bucketName).Msg("存储桶不存在，正在创建")
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	return nil
}

func (m *MinIO) startSpan(ctx context.Context, name, bucket, key string) (context.Context, trace.Span) {
	return minioTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("object_store.system", "minio"),
			attribute.String("object_store.bucket", bucket),
			attribute.String("object_store.key", key),
		),
	)
}

// PresignExpiry 预签名链接有效期
func (m *MinIO) PresignExpiry() time.Duration {
	return m.presignExpiry
}

// UploadDocument 上传生成的文档
func (m *MinIO) UploadDocument(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	ctx, span := m.startSpan(ctx, "MinIO.UploadDocument", m.documentsBucket, objectKey)
	defer span.End()
	span.SetAttributes(attribute.Int("object_store.size", len(data)))

	info, err := m.client.PutObject(ctx, m.documentsBucket, objectKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.documentsBucket, objectKey, err)
	}
	m.log.Debug().Str("key", objectKey).Str("etag", info.ETag).Int64("size", info.Size).Msg("文档已上传")
	span.SetStatus(codes.Ok, "")
	return objectKey, nil
}

// DownloadOriginal 读取原始简历文件
func (m *MinIO) DownloadOriginal(ctx context.Context, objectKey string) ([]byte, error) {
	ctx, span := m.startSpan(ctx, "MinIO.DownloadOriginal", m.originalsBucket, objectKey)
	defer span.End()

	obj, err := m.client.GetObject(ctx, m.originalsBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", m.originalsBucket, objectKey, err)
	}
	defer obj.Close()

	// GetObject 是惰性的，Stat 才会真正发现对象不存在
	stat, err := obj.Stat()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", m.originalsBucket, objectKey, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.originalsBucket, objectKey, err)
	}
	span.SetAttributes(
		attribute.Int64("object_store.size", stat.Size),
		attribute.String("object_store.content_type", stat.ContentType),
	)
	span.SetStatus(codes.Ok, "")
	return data, nil
}

// PresignDocument 生成文档下载链接，返回链接和过期时间
func (m *MinIO) PresignDocument(ctx context.Context, objectKey string) (string, time.Time, error) {
	ctx, span := m.startSpan(ctx, "MinIO.PresignDocument", m.documentsBucket, objectKey)
	defer span.End()

	expiresAt := time.Now().Add(m.presignExpiry)
	u, err := m.client.PresignedGetObject(ctx, m.documentsBucket, objectKey, m.presignExpiry, nil)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return "", time.Time{}, fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return u.String(), expiresAt, nil
}
