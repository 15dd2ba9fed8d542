package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ats-tailor/internal/llm"

	einoschema "github.com/cloudwego/eino/schema"
)

// Stage 流水线阶段，名称同时用作温度配置键、日志和指标标签
type Stage string

const (
	StageCompatibility   Stage = "compatibility"
	StageExtraction      Stage = "extraction"
	StageTailoring       Stage = "tailoring"
	StageScoring         Stage = "scoring"
	StageGaps            Stage = "gaps"
	StageRecommendations Stage = "recommendations"
	StageLayout          Stage = "layout"
)

// Stages 固定执行顺序
var Stages = []Stage{
	StageCompatibility,
	StageExtraction,
	StageTailoring,
	StageScoring,
	StageGaps,
	StageRecommendations,
	StageLayout,
}

// Turn 阶段在会话中的轮次，从 1 开始
func (s Stage) Turn() int {
	for i, st := range Stages {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// 各阶段默认温度，可被 llm.temperatures 覆盖
var defaultTemperatures = map[Stage]float64{
	StageCompatibility:   0.3,
	StageExtraction:      0.0,
	StageTailoring:       0.5,
	StageScoring:         0.2,
	StageGaps:            0.3,
	StageRecommendations: 0.5,
	StageLayout:          0.2,
}

// ErrInvalidInput 流水线输入不合法
var ErrInvalidInput = errors.New("流水线输入不合法")

// StageError 某个阶段失败，整条流水线随之终止
type StageError struct {
	Stage Stage
	Turn  int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("阶段 %s (第 %d 轮) 失败: %v", e.Stage, e.Turn, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ValidationError 阶段输出结构不符合约定，属于硬失败
type ValidationError struct {
	Stage      Stage
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("阶段 %s 输出结构校验失败: %s", e.Stage, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) MetricOutcome() string { return "validation" }

// Conversation 阶段函数依赖的会话能力，*llm.Session 实现了它
type Conversation interface {
	SendTurn(ctx context.Context, label string, turn int, messages []*einoschema.Message, temperature float64) (*llm.TurnResult, error)
}

var _ Conversation = (*llm.Session)(nil)
