package rendezvous

import (
	"context"
	"log"
	"sync"
	"time"

	"slidesync/internal/cache"
	"slidesync/internal/signaling"
)

// 心跳 TTL：心跳断了这么久就当成员不在线
const presenceTTL = 60 * time.Second

// Hub 维护会话房间：sessionID -> (userID -> 连接)。
// 汇合点只转发建连封皮和成员变动，看不到操作数据
type Hub struct {
	presence cache.PresenceCache

	mu    sync.RWMutex
	rooms map[string]map[string]*client
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[string]*client)}
}

// Join 把连接加入会话房间：给新成员发 roster，给其他成员广播 user-joined。
// 同一用户重复连接时旧连接被顶掉
func (h *Hub) Join(c *client) {
	h.mu.Lock()
	room := h.rooms[c.sessionID]
	if room == nil {
		room = make(map[string]*client)
		h.rooms[c.sessionID] = room
	}
	old := room[c.userID]
	room[c.userID] = c
	members := make([]signaling.Member, 0, len(room))
	for _, other := range room {
		if other.userID == c.userID {
			continue
		}
		members = append(members, signaling.Member{ID: other.userID, Name: other.name})
	}
	h.mu.Unlock()

	if old != nil {
		old.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.AddMember(ctx, c.sessionID, c.userID, c.name, presenceTTL); err != nil {
		log.Printf("presence add error: session=%s user=%s err=%v", c.sessionID, c.userID, err)
	}

	c.enqueue(signaling.Envelope{Type: "roster", Members: members})
	h.broadcast(c.sessionID, c.userID, signaling.Envelope{
		Type:     "user-joined",
		FromUser: c.userID,
		Member:   &signaling.Member{ID: c.userID, Name: c.name},
	})
}

// Leave 摘除连接并广播 user-left。连接早被顶掉时不重复广播
func (h *Hub) Leave(c *client) {
	h.mu.Lock()
	room := h.rooms[c.sessionID]
	current := room[c.userID]
	if current == c {
		delete(room, c.userID)
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
	h.mu.Unlock()
	if current != c {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.RemoveMember(ctx, c.sessionID, c.userID); err != nil {
		log.Printf("presence remove error: session=%s user=%s err=%v", c.sessionID, c.userID, err)
	}

	h.broadcast(c.sessionID, c.userID, signaling.Envelope{Type: "user-left", FromUser: c.userID})
}

// Relay 转发建连封皮：带 TargetUser 的定点投递，否则广播给房间其他成员
func (h *Hub) Relay(from *client, env signaling.Envelope) {
	env.FromUser = from.userID
	if env.TargetUser == "" {
		h.broadcast(from.sessionID, from.userID, env)
		return
	}
	h.mu.RLock()
	target := h.rooms[from.sessionID][env.TargetUser]
	h.mu.RUnlock()
	if target == nil {
		// 目标已经走了，丢弃即可：发起方会在 user-left 里得到通知
		return
	}
	target.enqueue(env)
}

// Heartbeat 刷新成员的在线 TTL，并把随心跳上报的光标镜像进 presence
func (h *Hub) Heartbeat(c *client, cursor []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.AddMember(ctx, c.sessionID, c.userID, c.name, presenceTTL); err != nil {
		log.Printf("presence heartbeat error: session=%s user=%s err=%v", c.sessionID, c.userID, err)
	}
	if len(cursor) > 0 {
		if err := h.presence.SetCursor(ctx, c.sessionID, c.userID, cursor, presenceTTL); err != nil {
			log.Printf("presence cursor error: session=%s user=%s err=%v", c.sessionID, c.userID, err)
		}
	}
}

// Cursor 返回成员最近一次随心跳上报的光标，没有返回 nil
func (h *Hub) Cursor(ctx context.Context, sessionID, userID string) []byte {
	data, err := h.presence.GetCursor(ctx, sessionID, userID)
	if err != nil {
		return nil
	}
	return data
}

// AliveMembers 读取会话当前存活成员（HTTP 查询接口用）
func (h *Hub) AliveMembers(ctx context.Context, sessionID string) ([]cache.PresenceMember, error) {
	return h.presence.GetAliveMembers(ctx, sessionID)
}

func (h *Hub) broadcast(sessionID, exceptUser string, env signaling.Envelope) {
	h.mu.RLock()
	room := h.rooms[sessionID]
	targets := make([]*client, 0, len(room))
	for _, c := range room {
		if c.userID != exceptUser {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(env)
	}
}
