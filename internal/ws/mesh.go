package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"slidesync/internal/collab"
	"slidesync/internal/signaling"
)

var upgrader = websocket.Upgrader{
	// 对等监听端口只在副本之间互拨，不经浏览器，来源校验交给 hello 握手
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errSendQueueFull = errors.New("operation send queue full")

type Config struct {
	SignalURL string // ws://host:port，信令汇合点
	Token     string // 信令鉴权用的访问令牌
	// 本地对等监听地址（host:port，port 可为 0 表示随机）
	ListenAddr string
	// 对外通告的候选地址；为空时按实际监听地址生成
	AdvertiseAddrs []string
}

// Mesh 维护到每个远端成员的对等通道：成员加入时懒建连，离开或失败时拆除。
// 实现 collab.Transport
type Mesh struct {
	cfg     Config
	handler collab.TransportHandler

	mu      sync.RWMutex
	peers   map[string]*Peer
	members map[string]struct{} // 信令 roster 里的远端成员（对等通道可能还没建好）
	closed  bool

	sessionID string
	localUser *collab.User

	signal    *signaling.Client
	listener  net.Listener
	httpSrv   *http.Server
	stopBeats chan struct{}

	stateMu sync.Mutex
	stateCh chan *StatePayload

	// 最近一次本地光标 awareness，随心跳镜像到汇合点
	cursorMu   sync.Mutex
	lastCursor []byte
}

func NewMesh(cfg Config) *Mesh {
	return &Mesh{cfg: cfg, peers: make(map[string]*Peer), members: make(map[string]struct{})}
}

func (m *Mesh) Bind(h collab.TransportHandler) { m.handler = h }

func (m *Mesh) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// HasRemoteMembers 按信令 roster 判断，不等对等通道建立完成
func (m *Mesh) HasRemoteMembers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members) > 0
}

// Connect：起本地对等监听，连信令，向房间里已有的成员逐个发 offer
func (m *Mesh) Connect(ctx context.Context, sessionID string, user *collab.User) error {
	m.sessionID = sessionID
	m.localUser = user

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("peer listen: %w", err)
	}
	m.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", m.acceptPeer)
	m.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := m.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("peer listener stopped: %v", err)
		}
	}()

	client, err := signaling.Dial(ctx, m.cfg.SignalURL, m.cfg.Token, sessionID, signaling.Handlers{
		OnRoster:     m.onRoster,
		OnOffer:      m.onOffer,
		OnAnswer:     m.onAnswer,
		OnCandidate:  m.onCandidate,
		OnUserJoined: m.onUserJoined,
		OnUserLeft:   m.onUserLeft,
		OnClosed: func(err error) {
			// 信令断了不影响已建立的对等通道；按设计退化为"离线编辑"，
			// 不做自动重连，恢复协作要重新 join
			log.Printf("signaling connection lost: %v", err)
		},
	})
	if err != nil {
		_ = m.httpSrv.Close()
		return err
	}
	m.signal = client

	// roster 在 Dial 期间同步到达，此时 m.signal 已就绪，
	// 新加入方主动向每个已有成员发 offer，由对方回拨
	m.mu.RLock()
	existing := make([]string, 0, len(m.members))
	for id := range m.members {
		existing = append(existing, id)
	}
	m.mu.RUnlock()
	for _, id := range existing {
		err := m.signal.Send(signaling.Envelope{
			Type:       "offer",
			TargetUser: id,
			Candidates: m.candidates(),
		})
		if err != nil {
			log.Printf("send offer to %s failed: %v", id, err)
		}
	}
	client.Start()

	// 心跳维持汇合点侧的在线 TTL
	m.stopBeats = make(chan struct{})
	go m.heartbeatLoop()
	return nil
}

func (m *Mesh) heartbeatLoop() {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.signal.Send(m.heartbeatEnvelope()); err != nil {
				return
			}
		case <-m.stopBeats:
			return
		}
	}
}

// heartbeatEnvelope 构造心跳帧，附带最近一次光标位置（没有就只刷 TTL）
func (m *Mesh) heartbeatEnvelope() signaling.Envelope {
	m.cursorMu.Lock()
	cursor := m.lastCursor
	m.cursorMu.Unlock()
	return signaling.Envelope{Type: "heartbeat", Cursor: cursor}
}

// candidates 返回本副本可被直连的地址，offer/answer 里携带
func (m *Mesh) candidates() []string {
	if len(m.cfg.AdvertiseAddrs) > 0 {
		return m.cfg.AdvertiseAddrs
	}
	if m.listener == nil {
		return nil
	}
	return []string{"ws://" + m.listener.Addr().String() + "/peer"}
}

// ---- 信令事件 ----

// onRoster 在 Dial 期间同步触发，只登记成员，offer 由 Connect 统一发
func (m *Mesh) onRoster(members []signaling.Member) {
	for _, mem := range members {
		if mem.ID == m.localUser.ID {
			continue
		}
		m.mu.Lock()
		m.members[mem.ID] = struct{}{}
		m.mu.Unlock()
		m.handler.HandleUserJoined(&collab.User{ID: mem.ID, Name: mem.Name, Color: mem.Color, IsOnline: true})
	}
}

func (m *Mesh) onOffer(env signaling.Envelope) {
	go func() {
		if err := m.dialPeer(env.FromUser, env.Candidates); err != nil {
			log.Printf("dial peer %s failed: %v", env.FromUser, err)
			return
		}
		// 回 answer 并附上自己的候选地址，对方拨失败时可以反向拨
		_ = m.signal.Send(signaling.Envelope{
			Type:       "answer",
			TargetUser: env.FromUser,
			Candidates: m.candidates(),
		})
	}()
}

func (m *Mesh) onAnswer(env signaling.Envelope) {
	// 正常情况下对方已经拨进来了；还没有通道就反向拨（对称兜底）
	if m.hasPeer(env.FromUser) {
		return
	}
	go func() {
		if err := m.dialPeer(env.FromUser, env.Candidates); err != nil {
			log.Printf("reverse dial peer %s failed: %v", env.FromUser, err)
		}
	}()
}

func (m *Mesh) onCandidate(env signaling.Envelope) {
	if m.hasPeer(env.FromUser) {
		return
	}
	go func() {
		if err := m.dialPeer(env.FromUser, env.Candidates); err != nil {
			log.Printf("candidate dial peer %s failed: %v", env.FromUser, err)
		}
	}()
}

func (m *Mesh) onUserJoined(mem signaling.Member) {
	if mem.ID == m.localUser.ID {
		return
	}
	m.mu.Lock()
	m.members[mem.ID] = struct{}{}
	m.mu.Unlock()
	m.handler.HandleUserJoined(&collab.User{ID: mem.ID, Name: mem.Name, Color: mem.Color, IsOnline: true})
	// 对等通道等新成员的 offer，这里不主动拨
}

func (m *Mesh) onUserLeft(userID string) {
	m.mu.Lock()
	delete(m.members, userID)
	m.mu.Unlock()
	m.removePeer(userID)
	m.handler.HandleUserLeft(userID)
}

// ---- 对等连接建立 ----

// dialPeer 按候选地址顺序尝试直连，成功后发 hello 帧自报身份
func (m *Mesh) dialPeer(userID string, candidates []string) error {
	if userID == "" || userID == m.localUser.ID || m.hasPeer(userID) {
		return nil
	}
	var lastErr error
	for _, addr := range candidates {
		dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, addr, nil)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		hello := Envelope{Type: TypeHello, Hello: &Hello{
			SessionID: m.sessionID,
			UserID:    m.localUser.ID,
			Name:      m.localUser.Name,
		}}
		if err := conn.WriteJSON(hello); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		p := newPeer(conn, userID, m, false)
		if m.addPeer(p, true) {
			p.start()
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidates")
	}
	return lastErr
}

// acceptPeer：入站对等连接。第一帧必须是 hello，否则断开
func (m *Mesh) acceptPeer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("peer upgrade error: %v", err)
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != TypeHello || env.Hello == nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if env.Hello.SessionID != m.sessionID {
		_ = conn.Close()
		return
	}
	p := newPeer(conn, env.Hello.UserID, m, true)
	if m.addPeer(p, false) {
		p.start()
	}
}

// addPeer 登记通道。两边可能同时互拨出两条连接，保留"拨号方 userID 较小"
// 的那条——双方按同一规则判定，最终恰好留一条。返回是否登记成功
func (m *Mesh) addPeer(p *Peer, weDialed bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		p.close()
		return false
	}
	existing, ok := m.peers[p.userID]
	if !ok {
		m.peers[p.userID] = p
		return true
	}
	dialerID := p.userID // 入站连接的拨号方是远端
	if weDialed {
		dialerID = m.localUser.ID
	}
	existingDialerID := m.localUser.ID
	if existing.dialedByRemote {
		existingDialerID = existing.userID
	}
	if dialerID < existingDialerID {
		existing.close()
		m.peers[p.userID] = p
		return true
	}
	p.close()
	return false
}

func (m *Mesh) hasPeer(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[userID]
	return ok
}

func (m *Mesh) removePeer(userID string) {
	m.mu.Lock()
	p, ok := m.peers[userID]
	if ok {
		delete(m.peers, userID)
	}
	m.mu.Unlock()
	if ok {
		p.close()
	}
}

// peerFailed：单个通道读写失败，局部摘除，会话继续
func (m *Mesh) peerFailed(p *Peer, err error) {
	m.mu.Lock()
	if m.closed || m.peers[p.userID] != p {
		m.mu.Unlock()
		p.close()
		return
	}
	delete(m.peers, p.userID)
	m.mu.Unlock()
	p.close()
	m.handler.HandlePeerGone(p.userID, err)
}

// ---- 广播与状态同步 ----

func (m *Mesh) BroadcastOperation(op *collab.OperationMessage) {
	env := Envelope{Type: TypeOperation, Operation: op}
	m.mu.RLock()
	var stuck []*Peer
	for _, p := range m.peers {
		if !p.enqueue(env) {
			stuck = append(stuck, p)
		}
	}
	m.mu.RUnlock()
	// 操作消息进不了队说明通道已经堵死。静默漏一条会让对端永久落后，
	// 按通道失败处理：摘掉 peer 并通过 PeerError 上报
	for _, p := range stuck {
		log.Printf("operation enqueue failed (peer=%s op=%s), dropping peer", p.userID, op.ID)
		m.peerFailed(p, errSendQueueFull)
	}
}

func (m *Mesh) BroadcastAwareness(msg *collab.AwarenessMessage) {
	if msg.Type == collab.AwarenessCursor {
		if raw, err := json.Marshal(msg.Data); err == nil {
			m.cursorMu.Lock()
			m.lastCursor = raw
			m.cursorMu.Unlock()
		}
	}
	env := Envelope{Type: TypeAwareness, Awareness: msg}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		p.enqueue(env) // 满了就丢，awareness 可容忍
	}
}

// RequestState 向任一对等方请求权威状态，带 ctx 超时。
// 对等通道是异步建立的，这里轮询等第一条通道就绪再发请求
func (m *Mesh) RequestState(ctx context.Context) (*collab.Project, uint64, error) {
	var target *Peer
	for target == nil {
		m.mu.RLock()
		for _, p := range m.peers {
			target = p
			break
		}
		m.mu.RUnlock()
		if target != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	ch := make(chan *StatePayload, 1)
	m.stateMu.Lock()
	m.stateCh = ch
	m.stateMu.Unlock()

	if !target.enqueue(Envelope{Type: TypeStateRequest}) {
		return nil, 0, errors.New("state request enqueue failed")
	}

	select {
	case st := <-ch:
		return st.Project, st.Version, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// handleEnvelope：对等通道入站分发
func (m *Mesh) handleEnvelope(p *Peer, env Envelope) {
	switch env.Type {
	case TypeOperation:
		if env.Operation != nil {
			m.handler.HandleOperation(env.Operation)
		}
	case TypeAwareness:
		if env.Awareness != nil {
			m.handler.HandleAwareness(env.Awareness)
		}
	case TypeStateRequest:
		project, version := m.handler.HandleStateRequest()
		p.enqueue(Envelope{Type: TypeStateResponse, State: &StatePayload{Project: project, Version: version}})
	case TypeStateResponse:
		m.stateMu.Lock()
		ch := m.stateCh
		m.stateCh = nil
		m.stateMu.Unlock()
		if ch != nil && env.State != nil {
			ch <- env.State
		}
	case TypeHello:
		// 握手帧只应出现在建连时，这里忽略
	default:
		log.Printf("unknown peer envelope type %q (peer=%s)", env.Type, p.userID)
	}
}

// Close 同步关闭所有对等通道、监听器和信令连接。离开会话的唯一取消路径，
// 返回即保证没有悬挂的连接或定时器
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]*Peer, 0, len(m.peers))
	for id, p := range m.peers {
		peers = append(peers, p)
		delete(m.peers, id)
	}
	m.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	if m.stopBeats != nil {
		close(m.stopBeats)
	}
	if m.signal != nil {
		_ = m.signal.Close()
	}
	if m.httpSrv != nil {
		_ = m.httpSrv.Close()
	}
	return nil
}
