// Package ollama 封装文本生成与向量嵌入引擎的 HTTP 调用。
// 连接复用：进程内各持有一个普通客户端与一个流式客户端（流式无总超时）。
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Options 生成参数，按原样透传给引擎（num_predict/temperature/top_p/
// repeat_penalty/num_ctx/stop/keep_alive 等）。
type Options map[string]any

// Clone 返回浅拷贝，便于在注入默认值时不污染调用方。
func (o Options) Clone() Options {
	out := make(Options, len(o)+2)
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Config 客户端配置
type Config struct {
	BaseURL         string
	Model           string // 默认生成模型
	EmbedModel      string // 专用嵌入模型
	KeepAlive       string
	GenerateTimeout time.Duration
	EmbedTimeout    time.Duration
}

// Client Ollama HTTP 客户端
type Client struct {
	cfg    Config
	client *http.Client
	// 流式专用客户端：不设总超时，靠调用方关闭释放连接
	streamClient *http.Client
	logger       *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 300 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 120 * time.Second
	}
	return &Client{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.GenerateTimeout},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

// Model 返回默认生成模型名
func (c *Client) Model() string { return c.cfg.Model }

// EmbedModel 返回嵌入模型名；未配置时退回生成模型
func (c *Client) EmbedModel() string {
	if c.cfg.EmbedModel != "" {
		return c.cfg.EmbedModel
	}
	return c.cfg.Model
}

// GenerateResult 一次性生成结果
type GenerateResult struct {
	Response string
	Raw      map[string]any
}

func (c *Client) generatePayload(prompt, model string, stream bool, opts Options) map[string]any {
	payload := map[string]any{
		"model":      model,
		"prompt":     prompt,
		"stream":     stream,
		"keep_alive": c.cfg.KeepAlive,
	}
	for k, v := range opts {
		payload[k] = v
	}
	return payload
}

// Generate 一次性补全。model 为空时使用默认模型。
func (c *Client) Generate(ctx context.Context, prompt, model string, opts Options) (*GenerateResult, error) {
	if model == "" {
		model = c.cfg.Model
	}
	payload := c.generatePayload(prompt, model, false, opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, string(data))
	}
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}
	text, _ := raw["response"].(string)
	return &GenerateResult{Response: text, Raw: raw}, nil
}

// TokenStream 流式生成的逐 token 序列。有限、不可重放；
// Close 必须被调用以尽快释放底层连接。
type TokenStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	closed  bool
}

type streamFrame struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Recv 返回下一个文本块。流结束返回 io.EOF。
func (s *TokenStream) Recv() (string, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		line := s.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame streamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			// 容错：无法解析时原样透出
			return string(line), nil
		}
		if frame.Response != "" {
			return frame.Response, nil
		}
		if frame.Done {
			return "", io.EOF
		}
	}
}

// Close 关闭流并取消底层请求。幂等。
func (s *TokenStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.body.Close()
}

// GenerateStream 打开流式补全。返回的流必须由调用方 Close。
func (c *Client) GenerateStream(ctx context.Context, prompt, model string, opts Options) (*TokenStream, error) {
	if model == "" {
		model = c.cfg.Model
	}
	payload := c.generatePayload(prompt, model, true, opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stream payload: %w", err)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("ollama stream: status %d: %s", resp.StatusCode, string(data))
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &TokenStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}
