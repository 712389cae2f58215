package llm

import (
	"compliance-chat-go/pkg/log"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// readBlockSize 是每次从响应体读取的块大小。
const readBlockSize = 4096

// errStopped 用于在调用方取消后中止解码循环。
var errStopped = errors.New("stream stopped")

// CancelToken 是一次流式请求的取消令牌。
// Cancel 由调用方主动触发，此后不会再有任何回调；由外部 ctx 引起的中止仍按错误上报。
type CancelToken struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	requested bool
}

// NewCancelToken 基于 parent 创建令牌及其驱动的 ctx。
func NewCancelToken(parent context.Context) (*CancelToken, context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{cancel: cancel, done: make(chan struct{})}, ctx
}

// Cancel 中止底层请求。可以重复调用。
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.requested = true
	t.mu.Unlock()
	t.cancel()
}

// Cancelled 报告调用方是否已请求取消。
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requested
}

// Done 在读取 goroutine 退出后关闭。
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Finish 标记流已结束并释放 ctx。由驱动流的一方调用，且只能调用一次。
func (t *CancelToken) Finish() {
	t.cancel()
	close(t.done)
}

// Decode 从 r 中逐块读取字节，按 UTF-8 流式解码后依次回调 onChunk。
// 跨读取边界的多字节字符会被保留到下一块，非法字节替换为 U+FFFD。
// 读到 EOF 时返回 nil；onChunk 返回的错误会原样返回。
func Decode(r io.Reader, onChunk func(text string) error) error {
	tr := transform.NewReader(r, unicode.UTF8.NewDecoder())
	buf := make([]byte, readBlockSize)
	for {
		n, err := tr.Read(buf)
		if n > 0 {
			if cbErr := onChunk(string(buf[:n])); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// StartStream 发起 stream-generate 请求，在后台 goroutine 中读取响应体。
func (c *httpClient) StartStream(ctx context.Context, req GenerateRequest, cb StreamCallbacks) *CancelToken {
	token, runCtx := NewCancelToken(ctx)
	c.applyDefaults(&req)
	go c.runStream(runCtx, token, req, cb)
	return token
}

func (c *httpClient) runStream(ctx context.Context, token *CancelToken, req GenerateRequest, cb StreamCallbacks) {
	defer token.Finish()

	fail := func(err error) {
		if token.Cancelled() {
			return
		}
		log.Warnw("generation stream failed", "conversationId", req.ConversationID, "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}

	httpReq, err := c.newRequest(ctx, c.cfg.StreamPath, req)
	if err != nil {
		fail(err)
		return
	}
	httpReq.Header.Set("Accept", "text/plain")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		fail(fmt.Errorf("failed to call stream-generate: %w", err))
		return
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fail(readAPIError(resp))
		return
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		fail(ErrNoBody)
		return
	}

	err = Decode(resp.Body, func(text string) error {
		if token.Cancelled() {
			return errStopped
		}
		if cb.OnChunk != nil {
			cb.OnChunk(text)
		}
		return nil
	})
	if token.Cancelled() {
		return
	}
	if err != nil {
		fail(fmt.Errorf("failed to read from stream: %w", err))
		return
	}
	if cb.OnDone != nil {
		cb.OnDone()
	}
}
