// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"compliance-chat-go/internal/service"
	"compliance-chat-go/internal/session"
	"compliance-chat-go/pkg/log"
	"compliance-chat-go/pkg/token"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

const (
	writeWait      = 10 * time.Second
	outboundBuffer = 256
)

// 客户端指令类型。
const (
	cmdCreate  = "create"
	cmdSelect  = "select"
	cmdRename  = "rename"
	cmdDelete  = "delete"
	cmdSend    = "send"
	cmdStop    = "stop"
	cmdSave    = "save"
	cmdRefresh = "refresh"
)

// TranscriptLinker 为归档的会话记录生成下载链接。
type TranscriptLinker interface {
	PresignedURL(ctx context.Context, key string) (string, error)
}

// clientCommand 是客户端通过 WebSocket 发送的指令。
type clientCommand struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Title          string `json:"title,omitempty"`
	Text           string `json:"text,omitempty"`
}

// serverFrame 是推送给客户端的消息。type 为 ack/nack 时是对指令的应答，其余为会话事件。
type serverFrame struct {
	Type           string         `json:"type"`
	RequestID      string         `json:"requestId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Text           string         `json:"text,omitempty"`
	Kind           session.Kind   `json:"kind,omitempty"`
	State          *session.State `json:"state,omitempty"`
	Data           interface{}    `json:"data,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}

// ChatHandler 负责处理 WebSocket 会话连接，每个连接拥有一个独立的 Session。
type ChatHandler struct {
	gateway     service.PersistenceGateway
	streamer    session.Streamer
	jwtManager  *token.JWTManager
	linker      TranscriptLinker
	sessionOpts []session.Option
}

// NewChatHandler 创建一个新的 ChatHandler。linker 为 nil 时保存结果不附带下载链接。
func NewChatHandler(gateway service.PersistenceGateway, streamer session.Streamer, jwtManager *token.JWTManager, linker TranscriptLinker, opts ...session.Option) *ChatHandler {
	return &ChatHandler{
		gateway:     gateway,
		streamer:    streamer,
		jwtManager:  jwtManager,
		linker:      linker,
		sessionOpts: opts,
	}
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infow("WebSocket 连接已建立", "user", claims.UserID, "company", claims.CompanyID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New(claims.Owner(), h.gateway, h.streamer, h.sessionOpts...)
	out := newOutbound(conn)
	go out.run()

	unsubscribe := sess.Subscribe(func(ev session.Event) {
		out.send(eventFrame(sess, ev))
	})

	defer func() {
		unsubscribe()
		sess.Close()
		out.stop()
		log.Infow("WebSocket 连接已关闭", "user", claims.UserID)
	}()

	if err := sess.Refresh(ctx); err != nil {
		log.Warnf("加载会话列表失败: %v", err)
	} else {
		st := sess.Snapshot()
		out.send(serverFrame{Type: string(session.EventState), State: &st})
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			out.send(serverFrame{Type: "nack", Kind: session.KindInvalid, Text: "无法解析指令"})
			continue
		}
		out.send(h.dispatch(ctx, sess, cmd))
	}
}

// dispatch 执行一条指令并返回应答帧。
func (h *ChatHandler) dispatch(ctx context.Context, sess *session.Session, cmd clientCommand) serverFrame {
	var (
		data interface{}
		err  error
	)
	switch cmd.Type {
	case cmdCreate:
		data, err = sess.Create(ctx)
	case cmdSelect:
		err = sess.Select(ctx, cmd.ConversationID)
	case cmdRename:
		err = sess.Rename(ctx, cmd.ConversationID, cmd.Title)
	case cmdDelete:
		err = sess.Delete(ctx, cmd.ConversationID)
	case cmdSend:
		var run *session.Run
		run, err = sess.SendAndStream(ctx, cmd.Text)
		if run != nil {
			data = gin.H{"userMessageId": run.UserMessageID, "assistantMessageId": run.AssistantMessageID}
		}
	case cmdStop:
		data = gin.H{"cancelled": sess.CancelActiveStream()}
	case cmdSave:
		data, err = h.save(ctx, sess)
	case cmdRefresh:
		err = sess.Refresh(ctx)
	default:
		return serverFrame{Type: "nack", RequestID: cmd.RequestID, Kind: session.KindInvalid, Text: "未知指令: " + cmd.Type, Timestamp: time.Now().UnixMilli()}
	}

	if err != nil {
		kind := session.KindOf(err)
		if kind == "" {
			kind = session.KindInvalid
		}
		return serverFrame{Type: "nack", RequestID: cmd.RequestID, ConversationID: cmd.ConversationID, Kind: kind, Text: err.Error(), Timestamp: time.Now().UnixMilli()}
	}
	return serverFrame{Type: "ack", RequestID: cmd.RequestID, ConversationID: cmd.ConversationID, Data: data, Timestamp: time.Now().UnixMilli()}
}

// saveResponse 是 save 指令的应答数据。
type saveResponse struct {
	SavedCount    int    `json:"savedCount"`
	ErrorCount    int    `json:"errorCount"`
	TranscriptURL string `json:"transcriptUrl,omitempty"`
}

func (h *ChatHandler) save(ctx context.Context, sess *session.Session) (saveResponse, error) {
	res, err := sess.SaveSessionBatch(ctx)
	if err != nil {
		return saveResponse{}, err
	}
	resp := saveResponse{SavedCount: res.SavedCount, ErrorCount: res.ErrorCount}
	if h.linker != nil && res.ArchiveKey != "" {
		url, err := h.linker.PresignedURL(ctx, res.ArchiveKey)
		if err != nil {
			log.Warnf("生成会话记录下载链接失败: %v", err)
		} else {
			resp.TranscriptURL = url
		}
	}
	return resp, nil
}

// eventFrame 将会话事件转换为推送帧，state 事件附带最新快照。
func eventFrame(sess *session.Session, ev session.Event) serverFrame {
	f := serverFrame{
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		Text:           ev.Text,
		Kind:           ev.Kind,
		Timestamp:      time.Now().UnixMilli(),
	}
	if ev.Type == session.EventState {
		st := sess.Snapshot()
		f.State = &st
	}
	return f
}

// outbound 串行化对连接的写入，gorilla/websocket 不支持并发写。
type outbound struct {
	conn   *websocket.Conn
	frames chan serverFrame
	done   chan struct{}
	once   sync.Once
	exited chan struct{}
}

func newOutbound(conn *websocket.Conn) *outbound {
	return &outbound{
		conn:   conn,
		frames: make(chan serverFrame, outboundBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// send 排队一帧。连接关闭后直接丢弃。
func (o *outbound) send(f serverFrame) {
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}
	select {
	case o.frames <- f:
	case <-o.done:
	case <-o.exited:
	}
}

func (o *outbound) run() {
	defer close(o.exited)
	for {
		select {
		case f := <-o.frames:
			if err := o.write(f); err != nil {
				log.Warnf("写入 WebSocket 失败: %v", err)
				return
			}
		case <-o.done:
			// 尽量把已排队的帧发完
			for {
				select {
				case f := <-o.frames:
					if o.write(f) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (o *outbound) write(f serverFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return o.conn.WriteMessage(websocket.TextMessage, b)
}

func (o *outbound) stop() {
	o.once.Do(func() { close(o.done) })
	<-o.exited
}
