// Package llm provides a client for the text generation service.
package llm

import (
	"bytes"
	"compliance-chat-go/internal/config"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNoBody 表示生成服务的响应没有可读取的 body。
var ErrNoBody = errors.New("generation service response has no body")

// maxErrorBody 限制读取错误响应体的大小。
const maxErrorBody = 1 << 20

// APIError 是生成服务返回非 2xx 时的结构化错误，Detail 取自 JSON 响应体中的 detail 字段。
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("generation service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("generation service returned status %d: %s", e.StatusCode, e.Detail)
}

// IsClientError 报告是否为 4xx 错误。
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest 是 stream-generate 的请求体。
type GenerateRequest struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	Messages       []Message `json:"messages"`
	Temperature    *float64  `json:"temperature,omitempty"`
	TopP           *float64  `json:"top_p,omitempty"`
	MaxTokens      *int      `json:"max_tokens,omitempty"`
}

// StreamCallbacks 以推送方式接收流式结果。
// 三个回调都在同一个读取 goroutine 中按顺序调用，OnChunk 返回之前不会进行下一次读取。
type StreamCallbacks struct {
	OnChunk func(text string)
	OnDone  func()
	OnError func(err error)
}

// Client defines the interface for the generation service client.
type Client interface {
	// StartStream 发起流式生成请求并立即返回取消令牌。
	StartStream(ctx context.Context, req GenerateRequest, cb StreamCallbacks) *CancelToken
	// GenerateTitle 根据首条用户消息生成会话标题。
	GenerateTitle(ctx context.Context, seedText string) (string, error)
}

type httpClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new generation service client.
func NewClient(cfg config.LLMConfig) Client {
	return NewClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout})
}

// NewClientWithHTTP 使用给定的 http.Client 创建客户端，便于替换 Transport。
func NewClientWithHTTP(cfg config.LLMConfig, hc *http.Client) Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &httpClient{cfg: cfg, client: hc}
}

// applyDefaults 从全局生成参数补全请求中未设置的字段。
func (c *httpClient) applyDefaults(req *GenerateRequest) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	gen := c.cfg.Generation
	if req.Temperature == nil && gen.Temperature != 0 {
		t := gen.Temperature
		req.Temperature = &t
	}
	if req.TopP == nil && gen.TopP != 0 {
		p := gen.TopP
		req.TopP = &p
	}
	if req.MaxTokens == nil && gen.MaxTokens != 0 {
		m := gen.MaxTokens
		req.MaxTokens = &m
	}
}

func (c *httpClient) newRequest(ctx context.Context, path string, body interface{}) (*http.Request, error) {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

type titleRequest struct {
	Text string `json:"text"`
}

type titleResponse struct {
	Title string `json:"title"`
}

// GenerateTitle calls the title endpoint of the generation service.
func (c *httpClient) GenerateTitle(ctx context.Context, seedText string) (string, error) {
	req, err := c.newRequest(ctx, c.cfg.TitlePath, titleRequest{Text: seedText})
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call title api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", readAPIError(resp)
	}

	var out titleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode title response: %w", err)
	}
	title := strings.Trim(strings.TrimSpace(out.Title), `"'`)
	if title == "" {
		return "", errors.New("title api returned an empty title")
	}
	return title, nil
}

// readAPIError 完整读取错误响应体，并尝试解析 {"detail": ...}。
func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if resp.Body == nil {
		return apiErr
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(payload.Detail)
		}
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(body))
	return apiErr
}
