package handler

import (
	"compliance-chat-go/internal/config"
	"compliance-chat-go/internal/middleware"
	"compliance-chat-go/internal/model"
	"compliance-chat-go/internal/repository"
	"compliance-chat-go/internal/service"
	"compliance-chat-go/internal/session"
	"compliance-chat-go/pkg/llm"
	"compliance-chat-go/pkg/token"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	srv    *httptest.Server
	jwt    *token.JWTManager
	audit  repository.AuditRepository
	userTk string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range []string{"Hi", " there", "!"} {
			_, _ = w.Write([]byte(c))
			flusher.Flush()
		}
	}))
	t.Cleanup(gen.Close)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "handler.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Conversation{}, &model.Message{}, &model.AuditRecord{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 自动保存与批量保存并发写入，sqlite 只保留一个连接
	sqlDB.SetMaxOpenConns(1)

	gateway := service.NewPersistenceGateway(repository.NewConversationRepository(db), repository.NewMessageRepository(db),
		nil, nil, nil, nil, service.GatewayOptions{PlaceholderTitle: "New Chat", TitleMaxRunes: 60})
	client := llm.NewClient(config.LLMConfig{BaseURL: gen.URL, StreamPath: "/stream-generate"})
	jwtManager := token.NewJWTManager("test-secret", 1)
	auditRepo := repository.NewAuditRepository(db)

	r := gin.New()
	r.GET("/chat/:token", NewChatHandler(gateway, client, jwtManager, nil, session.WithAutosaveTimeout(time.Second)).Handle)
	api := r.Group("/api/v1")
	auth := api.Group("")
	auth.Use(middleware.AuthMiddleware(jwtManager))
	{
		convs := NewConversationHandler(gateway)
		auth.GET("/conversations", convs.GetConversations)
		auth.GET("/conversations/:id/messages", convs.GetMessages)
	}
	admin := auth.Group("/admin")
	admin.Use(middleware.AdminAuthMiddleware())
	admin.GET("/audit", NewAdminHandler(service.NewAdminService(auditRepo)).ListAuditRecords)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	userTk, err := jwtManager.GenerateToken("u1", "acme", "alice", "USER")
	require.NoError(t, err)
	return &testServer{srv: srv, jwt: jwtManager, audit: auditRepo, userTk: userTk}
}

func (ts *testServer) get(t *testing.T, path, tk string) (int, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	require.NoError(t, err)
	if tk != "" {
		req.Header.Set("Authorization", "Bearer "+tk)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (ts *testServer) dial(t *testing.T, tk string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/chat/" + tk
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil 读取帧直到 match 返回 true，并返回该帧。
func readUntil(t *testing.T, conn *websocket.Conn, match func(serverFrame) bool) serverFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f serverFrame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func reply(id string) func(serverFrame) bool {
	return func(f serverFrame) bool {
		return f.RequestID == id && (f.Type == "ack" || f.Type == "nack")
	}
}

func TestChatHandler_RejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/chat/not-a-token"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatHandler_SessionOverWebsocket(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, ts.userTk)

	initial := readUntil(t, conn, func(f serverFrame) bool { return f.Type == string(session.EventState) })
	require.NotNil(t, initial.State)
	assert.Equal(t, session.PhaseIdle, initial.State.Phase)

	// 未选中会话时发送消息被拒绝
	require.NoError(t, conn.WriteJSON(clientCommand{Type: cmdSend, RequestID: "0", Text: "Hello"}))
	nack := readUntil(t, conn, reply("0"))
	assert.Equal(t, "nack", nack.Type)

	require.NoError(t, conn.WriteJSON(clientCommand{Type: cmdCreate, RequestID: "1"}))
	ack := readUntil(t, conn, reply("1"))
	require.Equal(t, "ack", ack.Type)

	require.NoError(t, conn.WriteJSON(clientCommand{Type: cmdSend, RequestID: "2", Text: "Hello"}))
	var text string
	readUntil(t, conn, func(f serverFrame) bool {
		if f.Type == string(session.EventChunk) {
			text += f.Text
		}
		return f.Type == string(session.EventStreamDone)
	})
	assert.Equal(t, "Hi there!", text)

	require.NoError(t, conn.WriteJSON(clientCommand{Type: cmdSave, RequestID: "3"}))
	saved := readUntil(t, conn, reply("3"))
	require.Equal(t, "ack", saved.Type)
	data, err := json.Marshal(saved.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"savedCount":2,"errorCount":0}`, string(data))

	require.NoError(t, conn.WriteJSON(clientCommand{Type: "archive", RequestID: "4"}))
	unknown := readUntil(t, conn, reply("4"))
	assert.Equal(t, "nack", unknown.Type)
	assert.Equal(t, session.KindInvalid, unknown.Kind)

	// REST 接口能看到同一会话及其消息
	status, body := ts.get(t, "/api/v1/conversations", ts.userTk)
	require.Equal(t, http.StatusOK, status)
	var groups []session.Group
	require.NoError(t, json.Unmarshal(body["data"], &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, session.LabelToday, groups[0].Label)
	require.Len(t, groups[0].Conversations, 1)
	convID := groups[0].Conversations[0].ID

	status, body = ts.get(t, "/api/v1/conversations/"+convID+"/messages", ts.userTk)
	require.Equal(t, http.StatusOK, status)
	var msgs []model.Message
	require.NoError(t, json.Unmarshal(body["data"], &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi there!", msgs[1].Content)
}

func TestConversationHandler_Auth(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.get(t, "/api/v1/conversations", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	other, err := ts.jwt.GenerateToken("u2", "acme", "bob", "USER")
	require.NoError(t, err)
	status, _ = ts.get(t, "/api/v1/conversations/missing/messages", other)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := ts.get(t, "/api/v1/conversations", other)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body["data"]))
}

func TestAdminHandler_ListAuditRecords(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.audit.Record(context.Background(), &model.AuditRecord{
		EventID: "e1", Type: "conversation.created", ConversationID: "c1", CompanyID: "acme",
		OccurredAt: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, ts.audit.Record(context.Background(), &model.AuditRecord{
		EventID: "e2", Type: "conversation.created", ConversationID: "c2", CompanyID: "globex",
		OccurredAt: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
	}))

	status, _ := ts.get(t, "/api/v1/admin/audit", ts.userTk)
	assert.Equal(t, http.StatusForbidden, status)

	adminTk, err := ts.jwt.GenerateToken("a1", "acme", "root", token.RoleAdmin)
	require.NoError(t, err)
	status, _ = ts.get(t, "/api/v1/admin/audit?limit=abc", adminTk)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := ts.get(t, "/api/v1/admin/audit", adminTk)
	require.Equal(t, http.StatusOK, status)
	var views []struct {
		EventID    string `json:"eventId"`
		OccurredAt string `json:"occurredAt"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &views))
	require.Len(t, views, 1)
	assert.Equal(t, "e1", views[0].EventID)
	assert.Equal(t, "2024-03-15 09:00:00", views[0].OccurredAt)
}
