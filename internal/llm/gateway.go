package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/metrics"
	"ats-tailor/internal/tracing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// Usage token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result 单次调用结果；ExpectJSON 时 JSON 为解析后的对象
type Result struct {
	Text  string
	JSON  json.RawMessage
	Usage Usage
	Model string
}

// Invoker 模型调用入口，流水线和测试都依赖这个接口
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string, temperature float64, expectJSON bool) (*Result, error)
}

// Gateway 以 OpenAI chat completions 协议调用模型，不做重试
type Gateway struct {
	apiKey     string
	baseURL    string
	modelName  string
	httpClient *http.Client
	guard      *Guard
	prompts    *PromptLogger
	log        zerolog.Logger
}

// GatewayOption 网关可选项
type GatewayOption func(*Gateway)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.httpClient = c }
}

// WithGuard 设置限流熔断保护
func WithGuard(guard *Guard) GatewayOption {
	return func(g *Gateway) { g.guard = guard }
}

// WithPromptLogger 设置提示词日志
func WithPromptLogger(p *PromptLogger) GatewayOption {
	return func(g *Gateway) { g.prompts = p }
}

// NewGateway 创建网关。缺少凭证不会在这里报错，而是在每次调用时返回 ConfigurationError
func NewGateway(cfg config.LLMConfig, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		modelName:  cfg.Model,
		httpClient: &http.Client{Timeout: config.GetDuration(cfg.RequestTimeout, 120*time.Second)},
		log:        logger.Component("llm_gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.prompts == nil {
		g.prompts = NewPromptLogger(cfg.PromptLogging, g.log)
	}
	return g
}

// Model 当前使用的模型名
func (g *Gateway) Model() string {
	return g.modelName
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// Invoke 发送一轮 system+user 提示并返回结果
func (g *Gateway) Invoke(ctx context.Context, systemPrompt, userPrompt string, temperature float64, expectJSON bool) (*Result, error) {
	if strings.TrimSpace(systemPrompt) == "" || strings.TrimSpace(userPrompt) == "" {
		return nil, fmt.Errorf("%w: 提示词不能为空", ErrInvalidRequest)
	}
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userPrompt),
	}
	g.prompts.Request("invoke", 0, systemPrompt, userPrompt)
	return g.Complete(ctx, "invoke", messages, temperature, expectJSON)
}

// Complete 发送任意消息序列；label 只用于日志和指标
func (g *Gateway) Complete(ctx context.Context, label string, messages []*schema.Message, temperature float64, expectJSON bool) (*Result, error) {
	if g.apiKey == "" {
		return nil, &ConfigurationError{Field: "llm.api_key"}
	}
	if temperature < 0 || temperature > 1 {
		return nil, fmt.Errorf("%w: temperature 必须在 [0,1]，实际 %v", ErrInvalidRequest, temperature)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: 消息为空", ErrInvalidRequest)
	}

	payload := chatCompletionRequest{
		Model:       g.modelName,
		Messages:    toChatMessages(messages),
		Temperature: temperature,
	}
	if expectJSON {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	start := time.Now()
	body, err := g.guard.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return g.post(ctx, "/chat/completions", payload)
	})
	metrics.ObserveModelCall("chat_completions", label, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{Raw: truncateRaw(string(body)), Err: fmt.Errorf("反序列化响应失败: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &EmptyResponseError{Model: g.modelName}
	}

	result := &Result{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
	}
	if resp.Usage != nil {
		result.Usage = *resp.Usage
	}
	g.prompts.Response(label, 0, result.Text, result.Usage.TotalTokens)

	if expectJSON {
		obj, err := DecodeJSONObject(result.Text)
		if err != nil {
			return nil, err
		}
		result.JSON = obj
	}
	return result, nil
}

// post 发送请求，非 2xx 返回 UpstreamError
func (g *Gateway) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Generate 实现 eino model.BaseChatModel，temperature 取自 model.WithTemperature，默认 0.7
func (g *Gateway) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	defaultTemp := float32(0.7)
	options := model.GetCommonOptions(&model.Options{Temperature: &defaultTemp}, opts...)
	res, err := g.Complete(ctx, "generate", input, float64(*options.Temperature), false)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(res.Text, nil), nil
}

// Stream 不支持流式输出
func (g *Gateway) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("模型网关不支持流式输出")
}

var _ model.BaseChatModel = (*Gateway)(nil)
var _ Invoker = (*Gateway)(nil)

func toChatMessages(messages []*schema.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func truncateRaw(s string) string {
	return tracing.TruncateString(s, maxRawInError)
}
