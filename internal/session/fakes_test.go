package session

import (
	"compliance-chat-go/internal/model"
	"compliance-chat-go/internal/repository"
	"compliance-chat-go/pkg/llm"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	owner   = model.OwnerRefs{CompanyID: "acme", UserID: "u1"}
	fixedAt = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
)

// fakeGateway 是内存中的持久化服务。
type fakeGateway struct {
	mu       sync.Mutex
	convs    []model.Conversation
	messages map[string][]model.Message
	saved    []model.Message
	nextID   int

	createErr error
	loadErr   error
	renameErr error
	deleteErr error
	saveErr   error
	// loadFails 中的会话加载时返回错误。
	loadFails map[string]bool

	// loadGate 非 nil 时 LoadMessages 阻塞到它被关闭。
	loadGate    chan struct{}
	loadStarted chan string

	title       string
	titleErr    error
	deleteCalls int
	renameCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{messages: map[string][]model.Message{}, title: "Generated title"}
}

func (g *fakeGateway) seed(id string, updated time.Time, msgs ...model.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs = append(g.convs, model.Conversation{
		ID: id, Title: "Chat " + id, CompanyID: owner.CompanyID, UserID: owner.UserID,
		CreatedAt: updated, UpdatedAt: updated,
	})
	for i := range msgs {
		msgs[i].ConversationID = id
	}
	g.messages[id] = append(g.messages[id], msgs...)
}

func (g *fakeGateway) CreateConversation(_ context.Context, o model.OwnerRefs) (*model.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.nextID++
	conv := model.Conversation{
		ID: fmt.Sprintf("new-%d", g.nextID), Title: "New Chat",
		CompanyID: o.CompanyID, UserID: o.UserID, CreatedAt: fixedAt, UpdatedAt: fixedAt,
	}
	g.convs = append([]model.Conversation{conv}, g.convs...)
	return &conv, nil
}

func (g *fakeGateway) ListConversations(context.Context, model.OwnerRefs) ([]model.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]model.Conversation(nil), g.convs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (g *fakeGateway) DeleteConversation(_ context.Context, _ model.OwnerRefs, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteCalls++
	if g.deleteErr != nil {
		return g.deleteErr
	}
	for i := range g.convs {
		if g.convs[i].ID == id {
			g.convs = append(g.convs[:i], g.convs[i+1:]...)
			delete(g.messages, id)
			return nil
		}
	}
	return repository.ErrConversationNotFound
}

func (g *fakeGateway) RenameConversation(_ context.Context, id, title string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.renameCalls++
	if g.renameErr != nil {
		return g.renameErr
	}
	for i := range g.convs {
		if g.convs[i].ID == id {
			g.convs[i].Title = title
			return nil
		}
	}
	return repository.ErrConversationNotFound
}

func (g *fakeGateway) upsertLocked(msg model.Message, conversationID string) {
	msg.ConversationID = conversationID
	list := g.messages[conversationID]
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg
			return
		}
	}
	g.messages[conversationID] = append(list, msg)
}

func (g *fakeGateway) SaveMessage(_ context.Context, msg model.Message, conversationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return g.saveErr
	}
	g.saved = append(g.saved, msg)
	g.upsertLocked(msg, conversationID)
	return nil
}

func (g *fakeGateway) SaveMessagesBatch(_ context.Context, msgs []model.Message, conversationID string) (model.BatchSaveResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return model.BatchSaveResult{}, g.saveErr
	}
	for _, m := range msgs {
		g.upsertLocked(m, conversationID)
	}
	return model.BatchSaveResult{SavedCount: len(msgs)}, nil
}

func (g *fakeGateway) LoadMessages(ctx context.Context, id string) ([]model.Message, error) {
	g.mu.Lock()
	gate, started := g.loadGate, g.loadStarted
	g.mu.Unlock()
	if started != nil {
		started <- id
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	if g.loadFails[id] {
		return nil, fmt.Errorf("load %s: connection reset", id)
	}
	out := append([]model.Message{}, g.messages[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (g *fakeGateway) GenerateTitle(context.Context, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.titleErr != nil {
		return "", g.titleErr
	}
	if g.title == "" {
		return "", errors.New("no title")
	}
	return g.title, nil
}

func (g *fakeGateway) savedWithRole(role model.Role) []model.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Message
	for _, m := range g.saved {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func (g *fakeGateway) failLoad(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadFails == nil {
		g.loadFails = map[string]bool{}
	}
	for _, id := range ids {
		g.loadFails[id] = true
	}
}

func (g *fakeGateway) setLoadGate(gate chan struct{}, started chan string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadGate = gate
	g.loadStarted = started
}

// scriptedStreamer 让测试逐个推送 chunk。它不检查取消令牌，用来模拟取消之后才到达的数据。
type scriptedStreamer struct {
	mu      sync.Mutex
	streams []*scriptedStream
}

type scriptedStream struct {
	req   llm.GenerateRequest
	cb    llm.StreamCallbacks
	token *llm.CancelToken
}

func (s *scriptedStreamer) StartStream(ctx context.Context, req llm.GenerateRequest, cb llm.StreamCallbacks) *llm.CancelToken {
	token, _ := llm.NewCancelToken(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, &scriptedStream{req: req, cb: cb, token: token})
	return token
}

func (s *scriptedStreamer) last(t *testing.T) *scriptedStream {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.streams)
	return s.streams[len(s.streams)-1]
}

func (st *scriptedStream) chunk(text string) { st.cb.OnChunk(text) }
func (st *scriptedStream) done()             { st.cb.OnDone() }
func (st *scriptedStream) fail(err error)    { st.cb.OnError(err) }

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s *Session) *eventRecorder {
	r := &eventRecorder{}
	s.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) chunkText() string {
	var text string
	for _, ev := range r.ofType(EventChunk) {
		text += ev.Text
	}
	return text
}

func newTestSession(t *testing.T, gw *fakeGateway, streamer Streamer) *Session {
	t.Helper()
	s := New(owner, gw, streamer, WithClock(func() time.Time { return fixedAt }), WithAutosaveTimeout(time.Second))
	t.Cleanup(s.Close)
	return s
}

func waitRun(t *testing.T, run *Run) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, _ := run.Wait(ctx)
	require.NotEmpty(t, outcome, "run did not finish")
	return outcome
}

func msg(id string, role model.Role, content string, at time.Time) model.Message {
	return model.Message{ID: id, Role: role, Content: content, CreatedAt: at}
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
