package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ats-tailor/internal/metrics"

	"github.com/cloudwego/eino/schema"
	"github.com/gofrs/uuid/v5"
)

// DefaultTurnTimeout 会话单轮默认超时
const DefaultTurnTimeout = 90 * time.Second

// TurnResult 单轮输出
type TurnResult struct {
	OutputText string
	TokensUsed int
}

// TurnRequest 交给传输层的一轮请求
type TurnRequest struct {
	SessionID   string
	Turn        int
	Label       string
	Messages    []*schema.Message // 本轮新消息
	History     []*schema.Message // 之前各轮的精简上下文
	Temperature float64
	ExpectJSON  bool
}

// Transport 会话底层传输。Conversations 由服务端保存上下文，Replay 由本地重放
type Transport interface {
	CreateConversation(ctx context.Context) (string, error)
	SendTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// Session 一次流水线运行专用的多轮会话，由编排器持有，不跨请求复用
type Session struct {
	mu        sync.Mutex
	id        string
	transport Transport
	timeout   time.Duration
	prompts   *PromptLogger
	history   []*schema.Message
	lastTurn  int
	tokens    int
	closed    bool
}

// SessionOption 会话可选项
type SessionOption func(*Session)

// WithTurnTimeout 设置单轮超时
func WithTurnTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSessionPromptLogger 设置提示词日志
func WithSessionPromptLogger(p *PromptLogger) SessionOption {
	return func(s *Session) { s.prompts = p }
}

// NewSession 创建会话并向传输层申请会话ID
func NewSession(ctx context.Context, transport Transport, opts ...SessionOption) (*Session, error) {
	s := &Session{transport: transport, timeout: DefaultTurnTimeout}
	for _, opt := range opts {
		opt(s)
	}
	id, err := transport.CreateConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}
	s.id = id
	return s, nil
}

// ID 会话ID
func (s *Session) ID() string {
	return s.id
}

// SendTurn 发送一轮消息。轮次必须严格递增，超时返回 TimeoutError
func (s *Session) SendTurn(ctx context.Context, label string, turn int, messages []*schema.Message, temperature float64) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if turn <= s.lastTurn {
		return nil, fmt.Errorf("%w: 上一轮 %d，本轮 %d", ErrTurnOutOfOrder, s.lastTurn, turn)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: 消息为空", ErrInvalidRequest)
	}
	s.logRequest(label, turn, messages)

	turnCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.transport.SendTurn(turnCtx, TurnRequest{
		SessionID:   s.id,
		Turn:        turn,
		Label:       label,
		Messages:    messages,
		History:     append([]*schema.Message(nil), s.history...),
		Temperature: temperature,
		ExpectJSON:  true,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{Turn: turn, Timeout: s.timeout}
		}
		metrics.ObserveModelCall("session_turn", label, err, time.Since(start))
		return nil, err
	}
	metrics.ObserveModelCall("session_turn", label, nil, time.Since(start))

	s.lastTurn = turn
	s.tokens += res.TokensUsed
	s.history = append(s.history,
		schema.UserMessage(fmt.Sprintf("(turn %d, stage %s: input omitted)", turn, label)),
		schema.AssistantMessage(res.OutputText, nil),
	)
	if s.prompts != nil {
		s.prompts.Response(label, turn, res.OutputText, res.TokensUsed)
	}
	return res, nil
}

func (s *Session) logRequest(label string, turn int, messages []*schema.Message) {
	if s.prompts == nil {
		return
	}
	var system, user strings.Builder
	for _, m := range messages {
		if m.Role == schema.System {
			system.WriteString(m.Content)
		} else {
			user.WriteString(m.Content)
		}
	}
	s.prompts.Request(label, turn, system.String(), user.String())
}

// Close 结束会话，之后的 SendTurn 返回 ErrSessionClosed
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Turns 已完成的轮数
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTurn
}

// TokensUsed 累计 token 用量
func (s *Session) TokensUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Transcript 返回已完成轮次的精简上下文副本
func (s *Session) Transcript() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*schema.Message(nil), s.history...)
}

// ReplayTransport 基于 chat completions 的无状态传输，每轮重放之前的输出作为上下文
type ReplayTransport struct {
	gateway *Gateway
}

// NewReplayTransport 创建重放传输
func NewReplayTransport(g *Gateway) *ReplayTransport {
	return &ReplayTransport{gateway: g}
}

// CreateConversation 生成本地会话ID，不访问上游
func (t *ReplayTransport) CreateConversation(ctx context.Context) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("生成会话ID失败: %w", err)
	}
	return "local-" + id.String(), nil
}

// SendTurn 依次发送 system、历史、本轮非 system 消息
func (t *ReplayTransport) SendTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	msgs := make([]*schema.Message, 0, len(req.Messages)+len(req.History))
	for _, m := range req.Messages {
		if m.Role == schema.System {
			msgs = append(msgs, m)
		}
	}
	msgs = append(msgs, req.History...)
	for _, m := range req.Messages {
		if m.Role != schema.System {
			msgs = append(msgs, m)
		}
	}

	res, err := t.gateway.Complete(ctx, req.Label, msgs, req.Temperature, req.ExpectJSON)
	if err != nil {
		return nil, err
	}
	out := res.Text
	if req.ExpectJSON && len(res.JSON) > 0 {
		out = string(res.JSON)
	}
	return &TurnResult{OutputText: out, TokensUsed: res.Usage.TotalTokens}, nil
}

// ConversationsTransport 使用 conversations + responses 接口，由服务端保存上下文
type ConversationsTransport struct {
	gateway *Gateway
}

// NewConversationsTransport 创建服务端会话传输，复用网关的凭证、HTTP 客户端和保护
func NewConversationsTransport(g *Gateway) *ConversationsTransport {
	return &ConversationsTransport{gateway: g}
}

type textFormat struct {
	Format responseFormat `json:"format"`
}

type responsesRequest struct {
	Model        string        `json:"model"`
	Conversation string        `json:"conversation"`
	Input        []chatMessage `json:"input"`
	Store        bool          `json:"store"`
	Temperature  float64       `json:"temperature"`
	Text         *textFormat   `json:"text,omitempty"`
}

type responsesResponse struct {
	OutputText *string `json:"output_text"`
	Output     []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// CreateConversation 在服务端创建会话对象
func (t *ConversationsTransport) CreateConversation(ctx context.Context) (string, error) {
	g := t.gateway
	if g.apiKey == "" {
		return "", &ConfigurationError{Field: "llm.api_key"}
	}
	body, err := g.guard.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return g.post(ctx, "/conversations", map[string]any{})
	})
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		return "", &MalformedResponseError{Raw: truncateRaw(string(body))}
	}
	return created.ID, nil
}

// SendTurn 只发送本轮消息，上下文由服务端会话维持
func (t *ConversationsTransport) SendTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	g := t.gateway
	if g.apiKey == "" {
		return nil, &ConfigurationError{Field: "llm.api_key"}
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		return nil, fmt.Errorf("%w: temperature 必须在 [0,1]，实际 %v", ErrInvalidRequest, req.Temperature)
	}

	payload := responsesRequest{
		Model:        g.modelName,
		Conversation: req.SessionID,
		Input:        toChatMessages(req.Messages),
		Store:        true,
		Temperature:  req.Temperature,
	}
	if req.ExpectJSON {
		payload.Text = &textFormat{Format: responseFormat{Type: "json_object"}}
	}

	body, err := g.guard.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return g.post(ctx, "/responses", payload)
	})
	if err != nil {
		return nil, err
	}
	return ParseResponsesOutput(body)
}

// ParseResponsesOutput 兼容两种响应形态：顶层 output_text，或 output[0].content 中的文本
func ParseResponsesOutput(body []byte) (*TurnResult, error) {
	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &MalformedResponseError{Raw: truncateRaw(string(body))}
	}

	result := &TurnResult{}
	if resp.Usage != nil {
		result.TokensUsed = resp.Usage.TotalTokens
		if result.TokensUsed == 0 {
			result.TokensUsed = resp.Usage.InputTokens + resp.Usage.OutputTokens
		}
	}

	if resp.OutputText != nil && strings.TrimSpace(*resp.OutputText) != "" {
		result.OutputText = *resp.OutputText
		return result, nil
	}

	for _, item := range resp.Output {
		var sb strings.Builder
		for _, c := range item.Content {
			if c.Text != "" && (c.Type == "" || c.Type == "output_text" || c.Type == "text") {
				sb.WriteString(c.Text)
			}
		}
		if sb.Len() > 0 {
			result.OutputText = sb.String()
			return result, nil
		}
	}
	return nil, &MalformedResponseError{Raw: truncateRaw(string(body))}
}

// SessionFactory 每次流水线运行创建一个新会话
type SessionFactory interface {
	NewSession(ctx context.Context) (*Session, error)
}

// TransportSessionFactory 基于固定传输层创建会话
type TransportSessionFactory struct {
	Transport Transport
	Options   []SessionOption
}

// NewSession 实现 SessionFactory
func (f *TransportSessionFactory) NewSession(ctx context.Context) (*Session, error) {
	return NewSession(ctx, f.Transport, f.Options...)
}

// NewSessionFactory 按配置选择传输层：use_conversations 为 true 时使用服务端会话
func NewSessionFactory(g *Gateway, useConversations bool, turnTimeout time.Duration) *TransportSessionFactory {
	var transport Transport = NewReplayTransport(g)
	if useConversations {
		transport = NewConversationsTransport(g)
	}
	return &TransportSessionFactory{
		Transport: transport,
		Options: []SessionOption{
			WithTurnTimeout(turnTimeout),
			WithSessionPromptLogger(g.prompts),
		},
	}
}
