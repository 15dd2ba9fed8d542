package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/tracing"
	"ats-tailor/internal/types"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("ats-tailor/render")

// ChromeRenderer 用无头 Chrome 把 HTML 打印为 PDF
type ChromeRenderer struct {
	cfg config.RendererConfig
	log zerolog.Logger
}

var _ Renderer = (*ChromeRenderer)(nil)

// NewChromeRenderer 创建渲染器，每次渲染启动独立的浏览器进程
func NewChromeRenderer(cfg config.RendererConfig) *ChromeRenderer {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	if cfg.PaperWidth <= 0 {
		cfg.PaperWidth = 8.27
	}
	if cfg.PaperHeight <= 0 {
		cfg.PaperHeight = 11.69
	}
	return &ChromeRenderer{cfg: cfg, log: logger.Component("renderer")}
}

// Render 实现 Renderer
func (r *ChromeRenderer) Render(ctx context.Context, blocks []types.ContentBlock, placement types.Placement, templateName string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "ChromeRenderer.Render")
	defer span.End()
	span.SetAttributes(
		attribute.String("template", templateName),
		attribute.Int("blocks", len(blocks)),
	)

	html, err := BuildHTML(blocks, placement, templateName)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}
	pdf, err := r.printHTML(ctx, html)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRender)
		return nil, fmt.Errorf("渲染PDF失败: %w", err)
	}
	span.SetAttributes(attribute.Int("pdf.size", len(pdf)))
	return pdf, nil
}

func (r *ChromeRenderer) printHTML(ctx context.Context, html string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ChromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()
	runCtx, cancel := context.WithTimeout(tabCtx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "resume-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	htmlPath := filepath.Join(tmpDir, "index.html")
	if err := os.WriteFile(htmlPath, []byte(html), 0o644); err != nil {
		return nil, err
	}

	start := time.Now()
	var buf []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate("file://"+htmlPath),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, _, err = page.PrintToPDF().WithPrintBackground(true).
				WithPaperWidth(r.cfg.PaperWidth).
				WithPaperHeight(r.cfg.PaperHeight).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	r.log.Debug().Dur("elapsed", time.Since(start)).Int("size", len(buf)).Msg("PDF渲染完成")
	return buf, nil
}
