// Package parser 为生成流程提供简历纯文本：优先使用已存储的文本，否则从原始PDF提取并回写。
package parser

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"ats-tailor/internal/logger"
	"ats-tailor/internal/storage/models"
	"ats-tailor/internal/tracing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var textTracer = otel.Tracer("ats-tailor/parser")

// ErrResumeTextMissing 简历既没有解析文本也没有原始文件
var ErrResumeTextMissing = errors.New("简历没有可用的文本")

// TextExtractor 从原始文件字节提取文本
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, uri string) (string, error)
}

// OriginalFetcher 读取原始上传文件
type OriginalFetcher interface {
	DownloadOriginal(ctx context.Context, objectKey string) ([]byte, error)
}

// ParsedTextWriter 回写解析结果
type ParsedTextWriter interface {
	UpdateResumeParsedText(ctx context.Context, resumeID, text string) error
}

// TextSource 简历文本来源
type TextSource struct {
	originals OriginalFetcher
	extractor TextExtractor
	writer    ParsedTextWriter
	log       zerolog.Logger
}

// NewTextSource writer 可以为 nil，此时不回写
func NewTextSource(originals OriginalFetcher, extractor TextExtractor, writer ParsedTextWriter) *TextSource {
	return &TextSource{
		originals: originals,
		extractor: extractor,
		writer:    writer,
		log:       logger.Component("resume_text"),
	}
}

// ResumeText 返回简历纯文本
func (s *TextSource) ResumeText(ctx context.Context, resume *models.Resume) (string, error) {
	if text := strings.TrimSpace(resume.ParsedText); text != "" {
		return text, nil
	}
	if resume.ObjectKey == "" || s.originals == nil || s.extractor == nil {
		return "", fmt.Errorf("%w: resume_id=%s", ErrResumeTextMissing, resume.ResumeID)
	}

	ctx, span := textTracer.Start(ctx, "TextSource.ExtractOriginal", trace.WithAttributes(
		attribute.String("resume.id", resume.ResumeID),
		attribute.String("resume.original_filename", tracing.SafeAttributeValue("original_filename", resume.OriginalFilename, tracing.DefaultMaxLength)),
	))
	defer span.End()

	data, err := s.originals.DownloadOriginal(ctx, resume.ObjectKey)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return "", fmt.Errorf("下载原始简历失败: %w", err)
	}
	var text string
	if ext := strings.ToLower(path.Ext(resume.ObjectKey)); ext != "" && ext != ".pdf" {
		// 非PDF原件按纯文本处理
		text = strings.TrimSpace(string(data))
		if text == "" {
			return "", fmt.Errorf("%w: resume_id=%s", ErrResumeTextMissing, resume.ResumeID)
		}
	} else {
		text, err = s.extractor.ExtractText(ctx, data, resume.ObjectKey)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeInternal)
			return "", err
		}
	}
	span.SetAttributes(attribute.Int("resume.text_length", len(text)))
	s.log.Debug().Str("resume_id", resume.ResumeID).Str("preview", tracing.SafeResumeContent(text)).Msg("已从原始文件提取简历文本")
	s.persist(ctx, resume.ResumeID, text)
	return text, nil
}

func (s *TextSource) persist(ctx context.Context, resumeID, text string) {
	if s.writer == nil {
		return
	}
	if err := s.writer.UpdateResumeParsedText(ctx, resumeID, text); err != nil {
		// 回写失败不影响本次生成
		s.log.Warn().Err(err).Str("resume_id", resumeID).Msg("回写简历解析文本失败")
	}
}
