package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"taskboard/internal/automation"
)

// RealtimeMessage 推送给订阅房间的事件
type RealtimeMessage struct {
	Type      string      `json:"type"`
	Room      string      `json:"room"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// BoardRoom / UserRoom 房间命名
func BoardRoom(boardID string) string { return "board:" + boardID }
func UserRoom(userID string) string   { return "user:" + userID }

// RealtimeRelay 跨实例转发（如 Redis pub/sub）。Publish 的消息最终经
// Subscribe 回调送达每个实例，包括发布者自身。
type RealtimeRelay interface {
	Publish(ctx context.Context, msg RealtimeMessage) error
	Subscribe(ctx context.Context, deliver func(RealtimeMessage)) error
}

type realtimeClient struct {
	id    string
	conn  *websocket.Conn
	send  chan RealtimeMessage
	hub   *RealtimeHub
	mu    sync.RWMutex
	rooms map[string]bool
}

func (c *realtimeClient) inRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

func (c *realtimeClient) join(room string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.rooms[room] = true
	} else {
		delete(c.rooms, room)
	}
}

// RealtimeHub 管理 websocket 连接与 board:/user: 房间
type RealtimeHub struct {
	clients    map[string]*realtimeClient
	broadcast  chan RealtimeMessage
	register   chan *realtimeClient
	unregister chan *realtimeClient
	mutex      sync.RWMutex
	relay      RealtimeRelay
	logger     *logrus.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewRealtimeHub(logger *logrus.Logger) *RealtimeHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &RealtimeHub{
		clients:    make(map[string]*realtimeClient),
		broadcast:  make(chan RealtimeMessage, 256),
		register:   make(chan *realtimeClient),
		unregister: make(chan *realtimeClient),
		logger:     logger,
	}
}

// SetRelay 启用跨实例转发；须在 Run 之前调用
func (h *RealtimeHub) SetRelay(relay RealtimeRelay) {
	h.relay = relay
}

// Run 处理连接注册与消息分发，直到 ctx 结束
func (h *RealtimeHub) Run(ctx context.Context) {
	if h.relay != nil {
		go func() {
			if err := h.relay.Subscribe(ctx, h.deliverLocal); err != nil && ctx.Err() == nil {
				h.logger.Errorf("realtime relay subscription stopped: %v", err)
			}
		}()
	}
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Debugf("realtime client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Debugf("realtime client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if !client.inRoom(message.Room) {
					continue
				}
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *RealtimeHub) deliverLocal(msg RealtimeMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warnf("realtime broadcast queue full, dropping %s for %s", msg.Type, msg.Room)
	}
}

// Publish 向房间推送事件，尽力而为
func (h *RealtimeHub) Publish(ctx context.Context, room, msgType string, data interface{}) {
	msg := RealtimeMessage{Type: msgType, Room: room, Data: data, Timestamp: time.Now().UTC()}
	if h.relay != nil {
		err := h.relay.Publish(ctx, msg)
		if err == nil {
			return
		}
		h.logger.Warnf("realtime relay publish failed, delivering locally: %v", err)
	}
	h.deliverLocal(msg)
}

// ClientCount 当前连接数
func (h *RealtimeHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 升级连接；?rooms=board:1,user:2 指定初始订阅
func (h *RealtimeHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &realtimeClient{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan RealtimeMessage, 256),
		hub:   h,
		rooms: map[string]bool{},
	}
	for _, room := range strings.Split(c.Query("rooms"), ",") {
		if validRoom(room) {
			client.join(strings.TrimSpace(room), true)
		}
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func validRoom(room string) bool {
	room = strings.TrimSpace(room)
	return (strings.HasPrefix(room, "board:") && len(room) > len("board:")) ||
		(strings.HasPrefix(room, "user:") && len(room) > len("user:"))
}

// subscription 客户端发来的订阅指令
type subscription struct {
	Action string `json:"action"` // subscribe, unsubscribe
	Room   string `json:"room"`
}

func (c *realtimeClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("websocket error: %v", err)
			}
			return
		}
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil || !validRoom(sub.Room) {
			c.hub.logger.Debugf("ignoring realtime message from %s", c.id)
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.join(strings.TrimSpace(sub.Room), true)
		case "unsubscribe":
			c.join(strings.TrimSpace(sub.Room), false)
		}
	}
}

func (c *realtimeClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Debugf("write to %s failed: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RuleExecutionObserver 将规则执行结果推送到看板房间
func RuleExecutionObserver(pub RealtimePublisher) automation.Observer {
	return automation.ObserverFunc(func(ctx context.Context, boardID string, d automation.RuleExecutionDetail) {
		if boardID == "" {
			return
		}
		pub.Publish(ctx, BoardRoom(boardID), "automation.executed", d)
	})
}
