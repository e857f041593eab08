package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// 会话持久化接口。具体实现在 store 包（mysql），这里只声明
type SessionStore interface {
	LoadSession(ctx context.Context, sessionID string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error
	SaveState(ctx context.Context, s *Session) error
}

// 对等传输接口。具体实现在 ws 包：信令建连 + 每个远端成员一条有序可靠通道
type Transport interface {
	// Bind 必须在 Connect 之前调用，入站消息经 handler 回到核心
	Bind(h TransportHandler)
	Connect(ctx context.Context, sessionID string, user *User) error
	// RequestState 向已连接的对等方请求权威状态，用于新副本快进。
	// 对等通道还在建立中时允许在 ctx 范围内等待
	RequestState(ctx context.Context) (*Project, uint64, error)
	BroadcastOperation(op *OperationMessage)
	BroadcastAwareness(msg *AwarenessMessage)
	// HasRemoteMembers 基于信令 roster 判断会话里是否还有别的副本
	HasRemoteMembers() bool
	PeerCount() int
	Close() error
}

// TransportHandler 由 Manager 实现，是传输层唯一的回调入口
type TransportHandler interface {
	HandleOperation(op *OperationMessage)
	HandleAwareness(msg *AwarenessMessage)
	HandleStateRequest() (*Project, uint64)
	HandleUserJoined(u *User)
	HandleUserLeft(userID string)
	HandlePeerGone(userID string, err error)
}

// 操作日志事件流接口（kafka dispatcher 实现），可为 nil
type Journal interface {
	Enqueue(ctx context.Context, evt OpEvent) error
}

type Options struct {
	Store            SessionStore
	Transport        Transport
	Journal          Journal
	Events           *Events
	StateSyncTimeout time.Duration
	DependencyWindow time.Duration
}

// Manager 是协作核心。显式构造、依赖注入，不做包级单例。
// 所有状态变更都在 mu 内同步完成；事件回调在锁外触发
type Manager struct {
	mu sync.Mutex

	localUser *User
	session   *Session

	store     SessionStore
	transport Transport
	journal   Journal
	events    *Events

	log      []*OperationMessage
	logIndex map[string]*OperationMessage
	seen     map[string]struct{}
	waiting  map[string]*waitingOp
	held     map[string]*heldConflict

	// commentID -> 创建该评论的操作 ID，回复操作据此声明因果依赖
	commentOps map[string]string

	// Connect 阶段信令 roster 先于会话装载到达，已有成员暂存在这里，
	// 会话装好后一次性并入成员表
	pendingJoins []*User

	// (userID, awarenessType) -> 最近一次时间戳，后写覆盖的判定依据
	awarenessSeen map[string]map[AwarenessType]time.Time

	depWindow   time.Duration
	syncTimeout time.Duration

	// 测试注入用
	now func() time.Time
	rng *rand.Rand
}

type heldConflict struct {
	op        *OperationMessage
	conflicts []*OperationMessage
}

func NewManager(localUser *User, opt Options) *Manager {
	m := &Manager{
		localUser:     localUser,
		store:         opt.Store,
		transport:     opt.Transport,
		journal:       opt.Journal,
		events:        opt.Events,
		logIndex:      make(map[string]*OperationMessage),
		seen:          make(map[string]struct{}),
		waiting:       make(map[string]*waitingOp),
		held:          make(map[string]*heldConflict),
		commentOps:    make(map[string]string),
		awarenessSeen: make(map[string]map[AwarenessType]time.Time),
		depWindow:     opt.DependencyWindow,
		syncTimeout:   opt.StateSyncTimeout,
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if m.depWindow <= 0 {
		m.depWindow = dependencyWindow
	}
	if m.syncTimeout <= 0 {
		m.syncTimeout = 10 * time.Second
	}
	if m.events == nil {
		m.events = &Events{}
	}
	if m.transport != nil {
		m.transport.Bind(m)
	}
	return m
}

// Session 返回当前会话（只读用途；修改必须走操作）
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Users 返回会话成员列表的快照
func (m *Manager) Users() []*User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return append([]*User(nil), m.session.Users...)
}

func (m *Manager) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return 0
	}
	return m.session.Version
}

// InitializeSession 建立信令连接并加载（或创建）会话。
// 信令或存储失败返回 ErrSessionInit，由调用方决定重试或上抛
func (m *Manager) InitializeSession(ctx context.Context, sessionID string) error {
	if m.transport != nil {
		if err := m.transport.Connect(ctx, sessionID, m.localUser); err != nil {
			return fmt.Errorf("%w: signaling connect: %v", ErrSessionInit, err)
		}
	}

	s, err := m.loadOrCreate(ctx, sessionID)
	if err != nil {
		if m.transport != nil {
			_ = m.transport.Close()
		}
		return fmt.Errorf("%w: load session: %v", ErrSessionInit, err)
	}

	m.mu.Lock()
	if s.Settings.MaxUsers > 0 && len(s.Users) >= s.Settings.MaxUsers {
		m.mu.Unlock()
		if m.transport != nil {
			_ = m.transport.Close()
		}
		return ErrSessionFull
	}
	m.session = s
	m.localUser.IsOnline = true
	m.localUser.LastActivity = m.now()
	m.upsertUserLocked(m.localUser)
	joined := m.pendingJoins
	m.pendingJoins = nil
	for _, u := range joined {
		m.upsertUserLocked(u)
	}
	m.mu.Unlock()

	for _, u := range joined {
		m.events.fireUserJoined(u)
	}

	// 广播加入事件（presence awareness），让已在会话内的副本更新成员表
	m.broadcastAwareness(AwarenessPresence, map[string]any{
		"online": true,
		"name":   m.localUser.Name,
		"color":  m.localUser.Color,
	})

	m.events.fireSessionInitialized(s)
	return nil
}

// JoinSession = InitializeSession + 向对等方请求权威状态快进。
// 有远端成员而状态同步超时，加入判定为失败，而不是带着过期状态继续
func (m *Manager) JoinSession(ctx context.Context, sessionID string) error {
	if err := m.InitializeSession(ctx, sessionID); err != nil {
		return err
	}
	if m.transport == nil || !m.transport.HasRemoteMembers() {
		// 没有其他副本在线，本地加载的状态就是权威状态
		return nil
	}

	syncCtx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()
	project, version, err := m.transport.RequestState(syncCtx)
	if err != nil {
		m.teardown()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrStateSyncTimeout
		}
		return fmt.Errorf("%w: %v", ErrStateSyncTimeout, err)
	}

	m.mu.Lock()
	m.session.Project = project
	if version > m.session.Version {
		m.session.Version = version
	}
	m.mu.Unlock()
	return nil
}

// LeaveSession 是唯一的取消路径：同步关掉所有对等连接、信令连接和挂起的
// 依赖计时器。不管连了多少个 peer，返回时资源保证已释放
func (m *Manager) LeaveSession() {
	m.broadcastAwareness(AwarenessPresence, map[string]any{"online": false, "left": true})
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	if m.session != nil {
		m.removeUserLocked(m.localUser.ID)
		m.session.IsActive = false
	}
	m.localUser.IsOnline = false
	m.pendingJoins = nil
	m.dropWaiting()
	m.mu.Unlock()

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			log.Printf("transport close error: %v", err)
		}
	}
}

func (m *Manager) loadOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	if m.store != nil {
		s, err := m.store.LoadSession(ctx, sessionID)
		if err == nil {
			s.IsActive = true
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	s := &Session{
		ID:        sessionID,
		ProjectID: sessionID,
		CreatedAt: m.now(),
		CreatedBy: m.localUser.ID,
		Users:     []*User{},
		Project:   &Project{Title: "Untitled", Slides: []*Slide{}},
		IsActive:  true,
		Settings: SessionSettings{
			MaxUsers:           10,
			AutoSave:           true,
			ConflictResolution: PolicyAutomatic,
		},
	}
	if m.store != nil {
		if err := m.store.CreateSession(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *Manager) upsertUserLocked(u *User) {
	for i, existing := range m.session.Users {
		if existing.ID == u.ID {
			m.session.Users[i] = u
			return
		}
	}
	m.session.Users = append(m.session.Users, u)
}

func (m *Manager) removeUserLocked(userID string) {
	users := m.session.Users
	for i, u := range users {
		if u.ID == userID {
			m.session.Users = append(users[:i], users[i+1:]...)
			return
		}
	}
}

func (m *Manager) findUserLocked(userID string) *User {
	for _, u := range m.session.Users {
		if u.ID == userID {
			return u
		}
	}
	return nil
}

// ---- 本地操作入口 ----

// ApplyOperation 是本地编辑的唯一入口。partial 里调用方只需填
// Type/TargetType/TargetID/Data（可选 Version 作为基线、DependsOn）。
// 返回最终入日志的操作；冲突被 manual 策略挂起时返回 ErrConflictPending
func (m *Manager) ApplyOperation(partial OperationMessage) (*OperationMessage, error) {
	m.mu.Lock()
	if m.session == nil || !m.session.IsActive {
		m.mu.Unlock()
		return nil, ErrSessionInactive
	}

	op := &partial
	op.UserID = m.localUser.ID
	op.Timestamp = m.now()
	op.ID = m.newOperationID()
	base := op.Version
	if base == 0 {
		base = m.session.Version
	}
	op.Version = base

	if err := validateOperation(op); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	conflicts := m.findConflicts(op, base)
	if len(conflicts) > 0 {
		switch m.session.Settings.ConflictResolution {
		case PolicyManual:
			m.held[op.ID] = &heldConflict{op: op, conflicts: conflicts}
			m.mu.Unlock()
			m.events.fireConflictDetected(op, conflicts)
			return op, ErrConflictPending
		case PolicyLatestWins:
			if !resolveLatestWins(op, conflicts) {
				m.seen[op.ID] = struct{}{}
				m.mu.Unlock()
				// 输掉的本地操作被丢弃，但不能无声：nil 返回给调用方，
				// 冲突事件给观察方
				m.events.fireConflictDetected(op, conflicts)
				return nil, nil
			}
		default: // automatic
			transformed := transformAgainst(op, conflicts)
			if transformed == nil {
				m.seen[op.ID] = struct{}{}
				m.mu.Unlock()
				m.events.fireConflictDetected(op, conflicts)
				return nil, nil
			}
			op = transformed
		}
	}

	applied, err := m.commitLocalLocked(op)
	m.mu.Unlock()
	if err != nil {
		m.events.fireOperationError(op, err)
		return nil, err
	}
	m.afterLocalCommit(applied)
	return applied, nil
}

// ResolveConflict 处理 manual 策略挂起的操作。useLocal 为 true 时按本地操作
// 继续应用，false 时放弃本地操作（远端已应用的内容保持原样）
func (m *Manager) ResolveConflict(operationID string, useLocal bool) error {
	m.mu.Lock()
	h, ok := m.held[operationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no held conflict for op %s", operationID)
	}
	delete(m.held, operationID)
	if !useLocal {
		m.seen[operationID] = struct{}{}
		m.mu.Unlock()
		return nil
	}
	applied, err := m.commitLocalLocked(h.op)
	m.mu.Unlock()
	if err != nil {
		m.events.fireOperationError(h.op, err)
		return err
	}
	m.afterLocalCommit(applied)
	return nil
}

// commitLocalLocked 应用 + 入日志 + 推版本。调用方持有 m.mu
func (m *Manager) commitLocalLocked(op *OperationMessage) (*OperationMessage, error) {
	op.Version = m.session.Version + 1
	if err := m.applySafe(op); err != nil {
		return nil, err
	}
	m.appendLogLocked(op)
	m.session.Version = op.Version
	return op, nil
}

func (m *Manager) afterLocalCommit(op *OperationMessage) {
	if m.transport != nil {
		m.transport.BroadcastOperation(op)
	}
	m.autoSave()
	m.journalOp(op)
	m.events.fireOperationApplied(op)
}

// ---- 远端操作入口 ----

// HandleOperation 实现 TransportHandler：远端操作的接收管线。
// 去重 -> 依赖检查 -> OT 变换 -> 应用 -> 日志/版本推进
func (m *Manager) HandleOperation(op *OperationMessage) {
	m.ReceiveOperation(op)
}

func (m *Manager) ReceiveOperation(op *OperationMessage) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	if _, dup := m.seen[op.ID]; dup {
		// 每个副本对同一操作至多应用一次
		m.mu.Unlock()
		return
	}
	m.seen[op.ID] = struct{}{}

	if !m.depsSatisfied(op) {
		m.parkOperation(op)
		m.mu.Unlock()
		return
	}

	ok := m.applyRemoteLocked(op)
	unparked := m.retryWaiting()
	m.mu.Unlock()

	if ok {
		m.events.fireOperationReceived(op)
	}
	for _, u := range unparked {
		m.events.fireOperationReceived(u)
	}
}

// applyRemoteLocked：变换并应用一条依赖已满足的远端操作。
// 无论状态变更是否成功，操作都记入日志（副本间对"已见"集合收敛），
// 失败只通过 OperationError 上报。返回是否真的动了状态
func (m *Manager) applyRemoteLocked(op *OperationMessage) bool {
	var base uint64
	if op.Version > 0 {
		base = op.Version - 1
	}
	conflicts := m.findConflicts(op, base)
	transformed := transformAgainst(op, conflicts)

	mutated := false
	var applyErr error
	if transformed != nil {
		applyErr = m.applySafe(transformed)
		mutated = applyErr == nil
	} else {
		m.touchSwallowedLocked(op)
	}

	m.appendLogLocked(op)
	if op.Version > m.session.Version {
		m.session.Version = op.Version
	}

	if applyErr != nil {
		go m.events.fireOperationError(op, applyErr)
		return false
	}
	return mutated
}

// applySafe 兜住 handler panic：一条坏操作不能把整个日志拖垮
func (m *Manager) applySafe(op *OperationMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panic: %v", r)
		}
	}()
	return m.applyToState(op)
}

func (m *Manager) appendLogLocked(op *OperationMessage) {
	m.log = append(m.log, op)
	m.logIndex[op.ID] = op
	m.seen[op.ID] = struct{}{}
	m.indexCommentOp(op)
}

// ---- 成员与连接事件（TransportHandler） ----

func (m *Manager) HandleStateRequest() (*Project, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, 0
	}
	// 响应端的序列化与本地变更并发，必须给深拷贝
	return cloneProject(m.session.Project), m.session.Version
}

// cloneProject 经 json 往返做深拷贝，调用方需持有 m.mu
func cloneProject(p *Project) *Project {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return p
	}
	cp := &Project{}
	if err := json.Unmarshal(raw, cp); err != nil {
		return p
	}
	return cp
}

func (m *Manager) HandleUserJoined(u *User) {
	m.mu.Lock()
	u.IsOnline = true
	if m.session == nil {
		// roster 在 Connect 期间到达，会话还没装载，先暂存
		for i, p := range m.pendingJoins {
			if p.ID == u.ID {
				m.pendingJoins[i] = u
				m.mu.Unlock()
				return
			}
		}
		m.pendingJoins = append(m.pendingJoins, u)
		m.mu.Unlock()
		return
	}
	m.upsertUserLocked(u)
	m.mu.Unlock()
	m.events.fireUserJoined(u)
}

func (m *Manager) HandleUserLeft(userID string) {
	m.mu.Lock()
	if m.session == nil {
		for i, p := range m.pendingJoins {
			if p.ID == userID {
				m.pendingJoins = append(m.pendingJoins[:i], m.pendingJoins[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return
	}
	m.removeUserLocked(userID)
	m.mu.Unlock()
	m.events.fireUserLeft(userID)
}

// HandlePeerGone：单个 peer 挂掉只做局部清理，不中断会话
func (m *Manager) HandlePeerGone(userID string, err error) {
	m.mu.Lock()
	if m.session != nil {
		if u := m.findUserLocked(userID); u != nil {
			u.IsOnline = false
		}
	}
	m.mu.Unlock()
	log.Printf("peer gone: user=%s err=%v", userID, err)
	m.events.firePeerError(userID, err)
}

// ---- 持久化 / 日志流 ----

func (m *Manager) autoSave() {
	m.mu.Lock()
	enabled := m.store != nil && m.session != nil && m.session.Settings.AutoSave
	var s *Session
	if enabled {
		snap := *m.session
		snap.Project = cloneProject(m.session.Project)
		s = &snap
	}
	m.mu.Unlock()
	if !enabled {
		return
	}
	// 不阻塞提交链路，失败打日志即可（下一次操作会再存）
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.store.SaveState(ctx, s); err != nil {
			log.Printf("autosave failed: session=%s err=%v", s.ID, err)
		}
	}()
}

func (m *Manager) journalOp(op *OperationMessage) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	evt := OpEvent{
		EventType:   "OP_APPLIED",
		SessionID:   m.session.ID,
		OperationID: op.ID,
		OpType:      string(op.Type),
		TargetType:  string(op.TargetType),
		TargetID:    op.TargetID,
		AuthorID:    op.UserID,
		Version:     op.Version,
		Data:        op.Data,
		AppliedAt:   op.Timestamp,
	}
	if err := m.journal.Enqueue(ctx, evt); err != nil {
		log.Printf("journal enqueue failed: op=%s err=%v", op.ID, err)
	}
}

const opIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// 操作 ID：userId-毫秒时间戳-随机后缀
func (m *Manager) newOperationID() string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = opIDAlphabet[m.rng.Intn(len(opIDAlphabet))]
	}
	return fmt.Sprintf("%s-%d-%s", m.localUser.ID, m.now().UnixMilli(), string(suffix))
}
