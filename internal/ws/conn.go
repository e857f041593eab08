package ws

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Peer 是到一个远端成员的有序可靠双向通道（WebSocket 承载）。
// 写走带缓冲的 send 通道 + writeLoop，读走 readLoop，和连接同生共死
type Peer struct {
	ws     *websocket.Conn
	userID string
	mesh   *Mesh
	// 这条连接是否由远端拨入，互拨去重时用
	dialedByRemote bool

	send      chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, userID string, mesh *Mesh, dialedByRemote bool) *Peer {
	return &Peer{
		ws:             conn,
		userID:         userID,
		mesh:           mesh,
		dialedByRemote: dialedByRemote,
		send:           make(chan Envelope, 128),
		done:           make(chan struct{}),
	}
}

func (p *Peer) start() {
	go p.writeLoop()
	go p.readLoop()
}

// enqueue 把消息放入发送队列。通道已关闭或队列满时丢弃并返回 false——
// awareness 丢了无所谓（下一条会覆盖），操作消息进不了队由广播方
// 按通道失败处理，直接把这个 peer 从 mesh 摘掉
func (p *Peer) enqueue(env Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case env := <-p.send:
			if err := p.ws.WriteJSON(env); err != nil {
				log.Printf("peer write error (user=%s): %v", p.userID, err)
				p.mesh.peerFailed(p, err)
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Peer) readLoop() {
	for {
		var env Envelope
		if err := p.ws.ReadJSON(&env); err != nil {
			p.mesh.peerFailed(p, err)
			return
		}
		p.mesh.handleEnvelope(p, env)
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}
