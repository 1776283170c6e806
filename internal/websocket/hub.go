package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
	broadcastSize  = 256
)

// Opener 解密记录并计算收件码查找键，由 service.MessageService 实现
type Opener interface {
	Open(message *domain.Message) (domain.InboxMessage, error)
	LookupHash(recipientCode string) string
}

// ClientCounter 记录在线连接数
type ClientCounter interface {
	ClientConnected()
	ClientDisconnected()
}

// MessageType 定义推送消息类型
type MessageType string

const (
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeNewMessage MessageType = "new_message"
)

// Event 是推送给客户端的 JSON 帧
type Event struct {
	Type    MessageType          `json:"type"`
	Message *domain.InboxMessage `json:"message,omitempty"`
}

// Client 代表一个实时收件箱连接，只订阅一个查找键
type Client struct {
	id         string
	lookupHash string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
}

// Hub 管理所有实时收件箱连接
//
// 新消息以密文记录进入 Hub，在本实例解密后只推送给同一查找键下的连接。
type Hub struct {
	subscribers map[string]map[string]*Client // lookupHash -> clientID -> Client
	register    chan *Client
	unregister  chan *Client
	broadcast   chan *domain.Message
	done        chan struct{}
	mu          sync.RWMutex

	opener         Opener
	allowedOrigins []string
	log            *zap.Logger
	metrics        ClientCounter
}

// NewHub 创建 Hub，allowedOrigins 为空时允许所有来源
func NewHub(opener Opener, allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subscribers:    make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *domain.Message, broadcastSize),
		done:           make(chan struct{}),
		opener:         opener,
		allowedOrigins: allowedOrigins,
		log:            log.Named("websocket"),
	}
}

// SetMetrics 设置连接数指标
func (h *Hub) SetMetrics(metrics ClientCounter) {
	h.metrics = metrics
}

// Run 启动 Hub，ctx 取消后关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// NotifyNewMessage 把新记录交给 Hub 推送，实现 service.MessageNotifier
func (h *Hub) NotifyNewMessage(ctx context.Context, message *domain.Message) error {
	select {
	case h.broadcast <- message:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch 用作 redis 订阅的回调
func (h *Hub) Dispatch(ctx context.Context, message *domain.Message) {
	if err := h.NotifyNewMessage(ctx, message); err != nil {
		h.log.Warn("dropping inbox event", zap.Error(err))
	}
}

// SubscriberCount 返回查找键下的连接数
func (h *Hub) SubscriberCount(lookupHash string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[lookupHash])
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.subscribers[client.lookupHash]
	if !ok {
		clients = make(map[string]*Client)
		h.subscribers[client.lookupHash] = clients
	}
	clients[client.id] = client
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
	h.log.Debug("client subscribed", zap.String("client_id", client.id), logger.LookupHash(client.lookupHash))

	client.push(h.log, Event{Type: MessageTypeSubscribed})
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.subscribers[client.lookupHash]
	if !ok || clients[client.id] == nil {
		h.mu.Unlock()
		return
	}
	delete(clients, client.id)
	if len(clients) == 0 {
		delete(h.subscribers, client.lookupHash)
	}
	close(client.send)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
	h.log.Debug("client unsubscribed", zap.String("client_id", client.id))
}

// deliver 解密一次后推送给同一查找键下的所有连接
func (h *Hub) deliver(message *domain.Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.subscribers[message.RecipientLookupHash]))
	for _, client := range h.subscribers[message.RecipientLookupHash] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	opened, err := h.opener.Open(message)
	if err != nil {
		h.log.Error("cannot open message for live delivery", zap.Error(err))
		return
	}

	for _, client := range clients {
		client.push(h.log, Event{Type: MessageTypeNewMessage, Message: &opened})
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.subscribers {
		for _, client := range clients {
			close(client.send)
			if h.metrics != nil {
				h.metrics.ClientDisconnected()
			}
		}
	}
	h.subscribers = make(map[string]map[string]*Client)
}

// push 非阻塞写入发送队列，慢客户端的事件被丢弃
func (c *Client) push(log *zap.Logger, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error("failed to marshal event", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn("client send buffer full, dropping event", zap.String("client_id", c.id))
	}
}

func (h *Hub) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// Handler 处理 GET /messages/ws?anonCode=
//
// 收件码只在升级前换算成查找键，连接上不保留明文收件码。
func (h *Hub) Handler() gin.HandlerFunc {
	upgrader := h.upgrader()

	return func(c *gin.Context) {
		code := c.Query("anonCode")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Anon code required"})
			return
		}
		lookupHash := h.opener.LookupHash(code)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
			)
			return
		}

		client := &Client{
			id:         uuid.NewString(),
			lookupHash: lookupHash,
			conn:       conn,
			send:       make(chan []byte, sendBufferSize),
			hub:        h,
		}

		select {
		case h.register <- client:
		case <-h.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 只处理控制帧，客户端发来的数据帧被忽略
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump 发送事件并定期 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
