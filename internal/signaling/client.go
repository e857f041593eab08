package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 信令只用于对等连接的建立（offer/answer/候选地址交换）和房间成员变动通知，
// 操作与 awareness 数据不走信令，全部走对等通道。

type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// Envelope 是信令信道上的消息封皮。带 TargetUser 的由服务端定点转发，
// 其余由服务端广播给房间内其他成员
type Envelope struct {
	Type       string   `json:"type"` // offer | answer | ice-candidate | user-joined | user-left | roster | heartbeat
	FromUser   string   `json:"fromUser,omitempty"`
	TargetUser string   `json:"targetUser,omitempty"`
	Candidates []string `json:"candidates,omitempty"` // 可直连的 peer 监听地址，按优先级排列
	Member     *Member  `json:"member,omitempty"`
	Members    []Member `json:"members,omitempty"`
	// 心跳附带的最近光标位置，汇合点镜像进 presence 供成员查询接口展示
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

type Handlers struct {
	OnOffer      func(env Envelope)
	OnAnswer     func(env Envelope)
	OnCandidate  func(env Envelope)
	OnUserJoined func(mem Member)
	OnUserLeft   func(userID string)
	OnRoster     func(members []Member)
	OnClosed     func(err error)
}

type Client struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	handlers Handlers

	closeOnce sync.Once
	done      chan struct{}
}

// Dial 连接信令汇合点。baseURL 形如 ws://host:port，身份在 token 里
func Dial(ctx context.Context, baseURL, token, sessionID string, h Handlers) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/collab/ws"
	q := u.Query()
	q.Set("token", token)
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial: %w (status=%d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("signaling dial: %w", err)
	}

	c := &Client{ws: conn, handlers: h, done: make(chan struct{})}

	// 汇合点在接纳连接后立刻推 roster。这里同步消费到 roster 为止，
	// 保证 Dial 返回时调用方已经知道房间里有谁
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("signaling roster: %w", err)
		}
		c.dispatch(env)
		if env.Type == "roster" {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return c, nil
}

// Start 启动后台读循环。调用方拿到 Client 并完成自身登记后再调，
// 避免回调先于登记到达
func (c *Client) Start() {
	go c.readLoop()
}

// Send 发送一个信令封皮（并发安全）
func (c *Client) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *Client) readLoop() {
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				// 主动关闭，不上报
			default:
				if c.handlers.OnClosed != nil {
					c.handlers.OnClosed(err)
				}
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case "offer":
		if c.handlers.OnOffer != nil {
			c.handlers.OnOffer(env)
		}
	case "answer":
		if c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(env)
		}
	case "ice-candidate":
		if c.handlers.OnCandidate != nil {
			c.handlers.OnCandidate(env)
		}
	case "user-joined":
		if c.handlers.OnUserJoined != nil && env.Member != nil {
			c.handlers.OnUserJoined(*env.Member)
		}
	case "user-left":
		if c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(env.FromUser)
		}
	case "roster":
		if c.handlers.OnRoster != nil {
			c.handlers.OnRoster(env.Members)
		}
	default:
		log.Printf("signaling: unknown envelope type %q", env.Type)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
