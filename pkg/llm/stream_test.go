package llm

import (
	"compliance-chat-go/internal/config"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	chunks []string
	done   int
	errs   []error
	first  chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{first: make(chan struct{})}
}

func (r *recorder) callbacks() StreamCallbacks {
	return StreamCallbacks{
		OnChunk: func(text string) {
			r.mu.Lock()
			r.chunks = append(r.chunks, text)
			r.mu.Unlock()
			r.once.Do(func() { close(r.first) })
		},
		OnDone: func() {
			r.mu.Lock()
			r.done++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func newTestClient(baseURL string) Client {
	return NewClient(config.LLMConfig{
		BaseURL:    baseURL,
		StreamPath: "/stream-generate",
		TitlePath:  "/generate-title",
		Model:      "test-model",
		Generation: config.LLMGenerationConfig{Temperature: 0.2},
	})
}

func waitDone(t *testing.T, token *CancelToken) {
	t.Helper()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestDecode_PreservesMultiByteBoundaries(t *testing.T) {
	input := "合规审查 ✓ naïve 😀"
	var chunks []string
	err := Decode(iotest.OneByteReader(strings.NewReader(input)), func(text string) error {
		chunks = append(chunks, text)
		return nil
	})
	require.NoError(t, err)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q splits a rune", c)
	}
	assert.Equal(t, input, strings.Join(chunks, ""))
}

func TestDecode_TruncatedRuneAtEOFIsReplaced(t *testing.T) {
	b := []byte("ok 世")
	var out strings.Builder
	err := Decode(strings.NewReader(string(b[:len(b)-1])), func(text string) error {
		out.WriteString(text)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "ok "))
	assert.Contains(t, out.String(), "�")
	assert.True(t, utf8.ValidString(out.String()))
}

func TestDecode_CallbackErrorStopsLoop(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := Decode(iotest.OneByteReader(strings.NewReader("abc")), func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestStartStream_DeliversChunksInOrder(t *testing.T) {
	var got GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream-generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		flusher := w.(http.Flusher)
		for _, c := range []string{"Hi", " there", "!"} {
			_, _ = w.Write([]byte(c))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	token := newTestClient(srv.URL).StartStream(context.Background(), GenerateRequest{
		ConversationID: "c1",
		Messages:       []Message{{Role: "user", Content: "Hello"}},
	}, rec.callbacks())
	waitDone(t, token)

	assert.Equal(t, "Hi there!", rec.text())
	assert.Equal(t, 1, rec.done)
	assert.Empty(t, rec.errs)
	assert.Equal(t, "test-model", got.Model)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.2, *got.Temperature)
}

func TestStartStream_ClientErrorIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"prompt too long"}`))
	}))
	defer srv.Close()

	rec := newRecorder()
	token := newTestClient(srv.URL).StartStream(context.Background(), GenerateRequest{}, rec.callbacks())
	waitDone(t, token)

	require.Len(t, rec.errs, 1)
	var apiErr *APIError
	require.ErrorAs(t, rec.errs[0], &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "prompt too long", apiErr.Detail)
	assert.True(t, apiErr.IsClientError())
	assert.Zero(t, rec.done)
}

type noBodyTransport struct{}

func (noBodyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       http.NoBody,
		Request:    r,
	}, nil
}

func TestStartStream_NoBody(t *testing.T) {
	c := NewClientWithHTTP(config.LLMConfig{BaseURL: "http://generation.invalid", StreamPath: "/s"}, &http.Client{Transport: noBodyTransport{}})
	rec := newRecorder()
	token := c.StartStream(context.Background(), GenerateRequest{}, rec.callbacks())
	waitDone(t, token)

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrNoBody)
	assert.Zero(t, rec.done)
}

func TestStartStream_CancelSuppressesFurtherCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("partial"))
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(" never seen"))
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	token := newTestClient(srv.URL).StartStream(context.Background(), GenerateRequest{}, rec.callbacks())
	<-rec.first
	token.Cancel()
	waitDone(t, token)

	assert.True(t, token.Cancelled())
	assert.Equal(t, "partial", rec.text())
	assert.Zero(t, rec.done)
	assert.Empty(t, rec.errs)
}

func TestStartStream_ParentCancellationIsAnError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	token := newTestClient(srv.URL).StartStream(ctx, GenerateRequest{}, rec.callbacks())
	<-rec.first
	cancel()
	waitDone(t, token)

	assert.False(t, token.Cancelled())
	assert.Len(t, rec.errs, 1)
	assert.Zero(t, rec.done)
}

func TestGenerateTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req titleRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Text == "fail" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"bad seed"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(titleResponse{Title: ` "GDPR retention review" `})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	title, err := c.GenerateTitle(context.Background(), "How long may we keep CVs?")
	require.NoError(t, err)
	assert.Equal(t, "GDPR retention review", title)

	_, err = c.GenerateTitle(context.Background(), "fail")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad seed", apiErr.Detail)
}
