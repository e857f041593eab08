package rendezvous

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"slidesync/internal/signaling"
)

// 允许本地开发来源；线上部署走反代，Origin 校验配在那一层
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type client struct {
	ws        *websocket.Conn
	hub       *Hub
	sessionID string
	userID    string
	name      string

	send      chan signaling.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) enqueue(env signaling.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- env:
	default:
		// 队列满了丢弃：信令消息过期极快，补发没有意义
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case env := <-c.send:
			if err := c.ws.WriteJSON(env); err != nil {
				log.Printf("signaling write error (user=%s): %v", c.userID, err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) readLoop() {
	defer func() {
		c.hub.Leave(c)
		c.close()
	}()
	for {
		var env signaling.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "offer", "answer", "ice-candidate":
			c.hub.Relay(c, env)
		case "heartbeat":
			c.hub.Heartbeat(c, env.Cursor)
		default:
			log.Printf("signaling: drop envelope type %q from user=%s", env.Type, c.userID)
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Manager 持有 Hub，暴露给 gin 路由
type Manager struct {
	h *Hub
}

func NewManager(h *Hub) *Manager {
	return &Manager{h: h}
}

// WebSocketConnect 处理 GET /collab/ws?session=xxx（鉴权中间件已写入 userId）
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	name := c.GetString("userName")
	sessionID := c.Query("session")
	if sessionID == "" {
		c.String(http.StatusBadRequest, "missing session")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("signaling upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	cl := &client{
		ws:        conn,
		hub:       m.h,
		sessionID: sessionID,
		userID:    userID,
		name:      name,
		send:      make(chan signaling.Envelope, 32),
		done:      make(chan struct{}),
	}

	// 先起写循环，roster 等入队消息才能及时发出去
	go cl.writeLoop()
	m.h.Join(cl)
	// 读循环阻塞到连接关闭
	cl.readLoop()
}

// Members 处理 GET /collab/sessions/:id/members
func (m *Manager) Members(c *gin.Context) {
	members, err := m.h.AliveMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(members))
	for _, mem := range members {
		entry := gin.H{"userId": mem.UserID, "name": mem.Name}
		if cur := m.h.Cursor(c.Request.Context(), c.Param("id"), mem.UserID); len(cur) > 0 {
			entry["cursor"] = json.RawMessage(cur)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}
