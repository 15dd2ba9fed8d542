package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ats-tailor/internal/logger"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// ErrEmptyPDF PDF 中没有可提取的文本
var ErrEmptyPDF = errors.New("PDF中没有可提取的文本")

// PDFTextExtractor 使用 Eino PDF Parser 提取文本
type PDFTextExtractor struct {
	parser  *pdf.PDFParser
	log     zerolog.Logger
	timeout time.Duration
}

// PDFOption PDF提取器的配置选项
type PDFOption func(*PDFTextExtractor)

// WithLogger 配置自定义日志记录器
func WithLogger(log zerolog.Logger) PDFOption {
	return func(e *PDFTextExtractor) {
		e.log = log
	}
}

// WithTimeout 单次解析超时
func WithTimeout(d time.Duration) PDFOption {
	return func(e *PDFTextExtractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewPDFTextExtractor 初始化提取器
// 不按页面分割，整个文档作为一段连续文本
func NewPDFTextExtractor(ctx context.Context, options ...PDFOption) (*PDFTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
	if err != nil {
		return nil, fmt.Errorf("创建PDF解析器失败: %w", err)
	}

	extractor := &PDFTextExtractor{
		parser:  p,
		log:     logger.Component("pdf_parser"),
		timeout: 30 * time.Second,
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor, nil
}

// ExtractText 从PDF字节中提取完整文本，uri 只用于日志和元数据
func (e *PDFTextExtractor) ExtractText(ctx context.Context, data []byte, uri string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s 为空文件", ErrEmptyPDF, uri)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	startTime := time.Now()
	docs, err := e.parser.Parse(ctx, bytes.NewReader(data),
		einoParser.WithURI(uri),
		einoParser.WithExtraMeta(map[string]any{"source": uri}),
	)
	duration := time.Since(startTime)
	if err != nil {
		e.log.Warn().Err(err).Str("uri", uri).Dur("elapsed", duration).Msg("PDF解析失败")
		return "", fmt.Errorf("解析PDF %s 失败: %w", uri, err)
	}

	// 多个文档时按顺序拼接
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if s := strings.TrimSpace(doc.Content); s != "" {
			parts = append(parts, s)
		}
	}
	text := strings.Join(parts, "\n\n")
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyPDF, uri)
	}

	e.log.Info().Str("uri", uri).Int("documents", len(docs)).Int("chars", len(text)).
		Dur("elapsed", duration).Msg("PDF文本提取完成")
	return text, nil
}
