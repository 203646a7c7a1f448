package services

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketMessage 推送给客户端的消息
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketClient 一个已连接的通知订阅者
type WebSocketClient struct {
	ID     string
	UserID uint
	Conn   *websocket.Conn
	Send   chan WebSocketMessage
	Hub    *WebSocketHub
}

// WebSocketHub 通知推送中心：按用户扇出通知消息
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewWebSocketHub(logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan WebSocketMessage),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     logger,
	}
}

// Run 处理注册/注销与广播，需在独立 goroutine 中运行
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Debugf("websocket client %s connected (user %d)", client.ID, client.UserID)
		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mutex.Unlock()
		case message := <-h.broadcast:
			h.mutex.RLock()
			for _, client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// 发送队列已满的客户端直接丢弃消息
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// SendToUser 向某个用户的所有连接推送消息
func (h *WebSocketHub) SendToUser(userID uint, message WebSocketMessage) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, client := range h.clients {
		if client.UserID != userID {
			continue
		}
		select {
		case client.Send <- message:
		default:
		}
	}
}

// Broadcast 向所有连接推送消息
func (h *WebSocketHub) Broadcast(message WebSocketMessage) {
	h.broadcast <- message
}

// ClientCount 当前连接数
func (h *WebSocketHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 升级 HTTP 连接并接入推送中心
func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	userID, _ := strconv.ParseUint(c.Query("user_id"), 10, 32)
	client := &WebSocketClient{
		ID:     uuid.New().String(),
		UserID: uint(userID),
		Conn:   conn,
		Send:   make(chan WebSocketMessage, 16),
		Hub:    h,
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (c *WebSocketClient) writePump() {
	defer c.Conn.Close()
	for message := range c.Send {
		if err := c.Conn.WriteJSON(message); err != nil {
			return
		}
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
