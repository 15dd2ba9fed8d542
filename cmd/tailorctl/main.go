package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/generation"
	appLogger "ats-tailor/internal/logger"
	"ats-tailor/internal/llm"
	"ats-tailor/internal/parser"
	"ats-tailor/internal/pipeline"
	"ats-tailor/internal/render"
	"ats-tailor/internal/types"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// 命令行参数定义
var (
	configPath = pflag.StringP("config", "c", "config/config.yaml", "配置文件路径")
	envFile    = pflag.String("env-file", ".env", "环境变量文件，不存在时忽略")
	resumePath = pflag.String("resume", "", "简历文件路径，支持 .pdf 或纯文本 (必填)")
	jdPath     = pflag.String("jd", "", "岗位描述文本文件路径 (必填)")
	jobTitle   = pflag.String("title", "", "岗位名称")
	template   = pflag.StringP("template", "t", "A", "模板: A, B 或 C")
	outPDF     = pflag.StringP("out", "o", "", "输出PDF路径，为空时只打印JSON")
)

type output struct {
	Result    *types.PipelineResult      `json:"result"`
	Placement types.Placement            `json:"placement"`
	Report    generation.PlacementReport `json:"placementReport"`
	PDF       string                     `json:"pdf,omitempty"`
}

func main() {
	pflag.Parse()
	if *resumePath == "" || *jdPath == "" {
		fmt.Fprintln(os.Stderr, "错误: --resume 和 --jd 必填")
		pflag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载环境变量文件失败: %v\n", err)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	// 日志写 stderr，stdout 只留 JSON
	appLogger.InitWithWriter(appLogger.Config{Level: cfg.Logger.Level, Format: "console"}, os.Stderr)

	if err := run(context.Background(), cfg); err != nil {
		appLogger.Error().Err(err).Msg("执行失败")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tc, err := render.Constraints(*template)
	if err != nil {
		return err
	}
	resumeText, err := readResume(ctx, *resumePath)
	if err != nil {
		return err
	}
	jd, err := os.ReadFile(*jdPath)
	if err != nil {
		return fmt.Errorf("读取岗位描述失败: %w", err)
	}

	gateway := llm.NewGateway(cfg.LLM, llm.WithGuard(llm.NewGuard("tailorctl", cfg.LLM)))
	sessions := llm.NewSessionFactory(gateway, cfg.LLM.UseConversations, config.GetDuration(cfg.LLM.TurnTimeout, 90*time.Second))
	orchestrator := pipeline.NewOrchestrator(sessions, cfg.LLM, cfg.Pipeline)

	start := time.Now()
	result, err := orchestrator.Run(ctx, pipeline.Input{
		ResumeText:     resumeText,
		JobDescription: string(jd),
		JobTitle:       *jobTitle,
		TemplateName:   tc.Name,
	})
	if err != nil {
		return err
	}
	appLogger.Info().Dur("elapsed", time.Since(start)).Int("fit_score", result.FitScore.Score).Msg("流水线完成")

	out := output{Result: result}
	out.Placement, out.Report = generation.BuildPlacement(result.Layout, result.Blocks.Blocks, tc)

	if *outPDF != "" {
		pdf, err := render.NewChromeRenderer(cfg.Renderer).Render(ctx, result.Blocks.Blocks, out.Placement, tc.Name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*outPDF, pdf, 0o644); err != nil {
			return fmt.Errorf("写入PDF失败: %w", err)
		}
		out.PDF = *outPDF
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readResume(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("读取简历失败: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return string(data), nil
	}
	extractor, err := parser.NewPDFTextExtractor(ctx)
	if err != nil {
		return "", err
	}
	return extractor.ExtractText(ctx, data, path)
}
