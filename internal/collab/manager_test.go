package collab

import (
	"context"
	"errors"
	"testing"
	"time"
)

// 两副本并发编辑同一元素：争用字段后写获胜，未争用字段保留，双方收敛
func TestConcurrentEditsConverge(t *testing.T) {
	p1, p2 := newPipePair()
	m1, _ := newTestManager(t, "u1", p1)
	m2, clock2 := newTestManager(t, "u2", p2)
	// m2 的时钟拨快，让它的争用字段确定性获胜
	clock2.advance(time.Hour)

	seedSlideElement(t, m1, "s1", "e1")
	if got := m2.Version(); got != 2 {
		t.Fatalf("m2 version = %d after seed replication", got)
	}

	// 并发窗口：缓冲投递，双方各自编辑后才互相送达
	p1.buffered, p2.buffered = true, true
	mustApply(t, m1, OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{
			"content":    "from-u1",
			"properties": map[string]any{"fontSize": 14},
		},
	})
	mustApply(t, m2, OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "from-u2"},
	})
	p1.flush()
	p2.flush()

	for _, m := range []*Manager{m1, m2} {
		e := getElement(t, m, "e1")
		if e.Content != "from-u2" {
			t.Fatalf("%s content = %q, want later writer from-u2", m.localUser.ID, e.Content)
		}
		// 数据丢失限定在争用字段，u1 的 fontSize 改动保留
		if got := asInt(e.Properties["fontSize"]); got != 14 {
			t.Fatalf("%s lost uncontested field: %+v", m.localUser.ID, e.Properties)
		}
	}
	if v1, v2 := m1.Version(), m2.Version(); v1 != v2 {
		t.Fatalf("versions diverged: %d vs %d", v1, v2)
	}
}

// 全争用的并发更新里输家那条被整条吞掉：赢家副本应用两次，输家副本
// 应用一次加吞掉一次，元素元数据（版本计数、最后修改者）仍要两边一致
func TestConcurrentEditsConvergeOnElementMetadata(t *testing.T) {
	p1, p2 := newPipePair()
	m1, _ := newTestManager(t, "u1", p1)
	m2, clock2 := newTestManager(t, "u2", p2)
	clock2.advance(time.Hour)

	seedSlideElement(t, m1, "s1", "e1")
	p1.buffered, p2.buffered = true, true

	mustApply(t, m1, OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "from-u1"},
	})
	mustApply(t, m2, OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "from-u2"},
	})
	p1.flush()
	p2.flush()

	e1, e2 := getElement(t, m1, "e1"), getElement(t, m2, "e1")
	if e1.Version != e2.Version {
		t.Fatalf("element version diverged: m1=%d m2=%d", e1.Version, e2.Version)
	}
	if e1.ModifiedBy != e2.ModifiedBy || !e1.ModifiedAt.Equal(e2.ModifiedAt) {
		t.Fatalf("modifier diverged: m1=%s@%v m2=%s@%v",
			e1.ModifiedBy, e1.ModifiedAt, e2.ModifiedBy, e2.ModifiedAt)
	}
	if e1.ModifiedBy != "u2" {
		t.Fatalf("last modifier = %s, want later writer u2", e1.ModifiedBy)
	}

	// 并发移动同理：输家那条被吞，计数照样推进
	mustApply(t, m1, OperationMessage{
		Type: OpMove, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"position": map[string]any{"x": 1.0, "y": 1.0, "width": 10.0, "height": 10.0}},
	})
	mustApply(t, m2, OperationMessage{
		Type: OpMove, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"position": map[string]any{"x": 5.0, "y": 5.0, "width": 10.0, "height": 10.0}},
	})
	p1.flush()
	p2.flush()

	e1, e2 = getElement(t, m1, "e1"), getElement(t, m2, "e1")
	if e1.Version != e2.Version {
		t.Fatalf("element version diverged after moves: m1=%d m2=%d", e1.Version, e2.Version)
	}
	if e1.ModifiedBy != e2.ModifiedBy {
		t.Fatalf("modifier diverged after moves: %s vs %s", e1.ModifiedBy, e2.ModifiedBy)
	}
}

// 并发移动同一元素：整条后写获胜，双方收敛到同一位置
func TestConcurrentMovesConverge(t *testing.T) {
	p1, p2 := newPipePair()
	m1, _ := newTestManager(t, "u1", p1)
	m2, clock2 := newTestManager(t, "u2", p2)
	clock2.advance(time.Hour)

	seedSlideElement(t, m1, "s1", "e1")
	p1.buffered, p2.buffered = true, true

	mustApply(t, m1, OperationMessage{
		Type: OpMove, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"position": map[string]any{"x": 1.0, "y": 1.0, "width": 100.0, "height": 50.0}},
	})
	mustApply(t, m2, OperationMessage{
		Type: OpMove, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"position": map[string]any{"x": 9.0, "y": 9.0, "width": 100.0, "height": 50.0}},
	})
	p1.flush()
	p2.flush()

	for _, m := range []*Manager{m1, m2} {
		e := getElement(t, m, "e1")
		if e.Position.X != 9 || e.Position.Y != 9 {
			t.Fatalf("%s position = %+v, want later move", m.localUser.ID, e.Position)
		}
	}
}

// rosterTransport 在 Connect 阶段同步推送成员事件，模拟信令 roster
// 先于会话装载到达
type rosterTransport struct {
	pipeTransport
	roster []*User
	left   []string
}

func (r *rosterTransport) Connect(ctx context.Context, sessionID string, user *User) error {
	for _, u := range r.roster {
		r.handler.HandleUserJoined(u)
	}
	for _, id := range r.left {
		r.handler.HandleUserLeft(id)
	}
	return nil
}

// roster 在会话装载前到达时，已有成员不能被丢掉：装载完成后要出现在
// 成员表里并补发 UserJoined；装载前又离开的不算
func TestRosterBeforeSessionInstall(t *testing.T) {
	tr := &rosterTransport{
		roster: []*User{{ID: "u8", Name: "u8"}, {ID: "u9", Name: "u9"}},
		left:   []string{"u9"},
	}
	var joined []string
	m := NewManager(&User{ID: "u1", Name: "u1"}, Options{
		Transport: tr,
		Events:    &Events{UserJoined: func(u *User) { joined = append(joined, u.ID) }},
	})
	if err := m.InitializeSession(context.Background(), "session-1"); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}

	if findSessionUser(m, "u8") == nil {
		t.Fatalf("roster member u8 missing from session users: %+v", m.Users())
	}
	if u := findSessionUser(m, "u9"); u != nil {
		t.Fatalf("departed roster member u9 still in session users: %+v", u)
	}
	if len(joined) != 1 || joined[0] != "u8" {
		t.Fatalf("UserJoined events = %v, want [u8]", joined)
	}
}

func TestJoinSessionFastForwards(t *testing.T) {
	p1, p2 := newPipePair()
	m1, _ := newTestManager(t, "u1", p1)
	seedSlideElement(t, m1, "s1", "e1")
	mustApply(t, m1, OperationMessage{
		Type: OpUpdate, TargetType: TargetProject,
		Data: map[string]any{"title": "Q3 Review"},
	})

	m2 := NewManager(&User{ID: "u2", Name: "u2"}, Options{Transport: p2})
	if err := m2.JoinSession(context.Background(), "session-1"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	if got, want := m2.Version(), m1.Version(); got != want {
		t.Fatalf("version = %d, want %d", got, want)
	}
	p := m2.Session().Project
	if p.Title != "Q3 Review" || len(p.Slides) != 1 {
		t.Fatalf("state not fast-forwarded: %+v", p)
	}
	// 快进来的是副本，不是共享指针
	if p == m1.Session().Project {
		t.Fatal("joiner shares project pointer with responder")
	}
}

func TestJoinSessionFailsWhenStateSyncTimesOut(t *testing.T) {
	// 对端在 roster 里但没有能响应状态请求的副本
	dead := &pipeTransport{}
	p := &pipeTransport{peers: []*pipeTransport{dead}}
	m := NewManager(&User{ID: "u2", Name: "u2"}, Options{
		Transport:        p,
		StateSyncTimeout: 50 * time.Millisecond,
	})
	err := m.JoinSession(context.Background(), "session-1")
	if !errors.Is(err, ErrStateSyncTimeout) {
		t.Fatalf("err = %v, want ErrStateSyncTimeout", err)
	}
	// 加入失败即离开：传输层必须已关闭
	if !p.isClosed() {
		t.Fatal("transport left open after failed join")
	}
}

func TestLeaveSessionCleanup(t *testing.T) {
	p1, p2 := newPipePair()
	m1, _ := newTestManager(t, "u1", p1)
	m2, _ := newTestManager(t, "u2", p2)
	seedSlideElement(t, m1, "s1", "e1")

	m2.LeaveSession()

	if !p2.isClosed() {
		t.Fatal("transport not closed on leave")
	}
	if u := findSessionUser(m1, "u2"); u != nil {
		t.Fatalf("departed user still in m1 session: %+v", u)
	}
	if _, err := m2.ApplyOperation(OperationMessage{
		Type: OpUpdate, TargetType: TargetProject, Data: map[string]any{"title": "x"},
	}); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("err = %v, want ErrSessionInactive", err)
	}

	// 剩下的副本继续正常工作
	mustApply(t, m1, OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "still editing"},
	})
	if got := getElement(t, m1, "e1").Content; got != "still editing" {
		t.Fatalf("content = %q", got)
	}
}

func TestManualPolicyHoldsConflict(t *testing.T) {
	m, clock := newTestManager(t, "u1", nil)
	m.Session().Settings.ConflictResolution = PolicyManual
	seedSlideElement(t, m, "s1", "e1")

	var detected []*OperationMessage
	m.events.ConflictDetected = func(op *OperationMessage, conflicts []*OperationMessage) {
		detected = conflicts
	}

	// 远端并发更新已入日志
	m.ReceiveOperation(&OperationMessage{
		ID: "u2-100-abcdef", Type: OpUpdate, UserID: "u2", Timestamp: clock.Now(),
		TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "theirs"}, Version: 3,
	})

	// 本地基于旧基线编辑：挂起等人裁决
	op, err := m.ApplyOperation(OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "mine"}, Version: 2,
	})
	if !errors.Is(err, ErrConflictPending) {
		t.Fatalf("err = %v, want ErrConflictPending", err)
	}
	if len(detected) != 1 || detected[0].ID != "u2-100-abcdef" {
		t.Fatalf("conflict set wrong: %+v", detected)
	}
	if got := getElement(t, m, "e1").Content; got != "theirs" {
		t.Fatalf("held op mutated state: content = %q", got)
	}

	// 用户选择保留本地版本
	if err := m.ResolveConflict(op.ID, true); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if got := getElement(t, m, "e1").Content; got != "mine" {
		t.Fatalf("content = %q after resolving with local", got)
	}
	if got := m.Version(); got != 4 {
		t.Fatalf("version = %d, want 4", got)
	}

	if err := m.ResolveConflict("ghost", true); err == nil {
		t.Fatal("resolving unknown conflict should fail")
	}
}

func TestManualPolicyDiscardLocal(t *testing.T) {
	m, clock := newTestManager(t, "u1", nil)
	m.Session().Settings.ConflictResolution = PolicyManual
	seedSlideElement(t, m, "s1", "e1")
	m.ReceiveOperation(&OperationMessage{
		ID: "u2-100-abcdef", Type: OpUpdate, UserID: "u2", Timestamp: clock.Now(),
		TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "theirs"}, Version: 3,
	})

	op, err := m.ApplyOperation(OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "mine"}, Version: 2,
	})
	if !errors.Is(err, ErrConflictPending) {
		t.Fatalf("err = %v, want ErrConflictPending", err)
	}
	if err := m.ResolveConflict(op.ID, false); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if got := getElement(t, m, "e1").Content; got != "theirs" {
		t.Fatalf("content = %q, want remote kept", got)
	}
	if got := m.Version(); got != 3 {
		t.Fatalf("discarded op advanced version to %d", got)
	}
}

func TestLatestWinsPolicyDropsOlderLocal(t *testing.T) {
	m, clock := newTestManager(t, "u1", nil)
	m.Session().Settings.ConflictResolution = PolicyLatestWins
	seedSlideElement(t, m, "s1", "e1")

	var dropped *OperationMessage
	m.events.ConflictDetected = func(op *OperationMessage, conflicts []*OperationMessage) {
		dropped = op
	}

	// 远端更新带未来时间戳，本地随后的旧基线编辑整条输掉
	m.ReceiveOperation(&OperationMessage{
		ID: "u2-100-abcdef", Type: OpUpdate, UserID: "u2",
		Timestamp:  clock.Now().Add(time.Hour),
		TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "theirs"}, Version: 3,
	})
	op, err := m.ApplyOperation(OperationMessage{
		Type: OpUpdate, TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"content": "mine"}, Version: 2,
	})
	if err != nil {
		t.Fatalf("losing op should be dropped without error, err = %v", err)
	}
	if op != nil {
		t.Fatalf("losing op returned %+v, want nil", op)
	}
	if got := getElement(t, m, "e1").Content; got != "theirs" {
		t.Fatalf("content = %q, want theirs", got)
	}
	if got := m.Version(); got != 3 {
		t.Fatalf("version = %d, want 3", got)
	}
	// 丢弃不是无声的：冲突事件带着被丢的操作
	if dropped == nil || dropped.Data["content"] != "mine" {
		t.Fatalf("dropped op not surfaced via ConflictDetected: %+v", dropped)
	}
}

func TestMaxUsersEnforced(t *testing.T) {
	store := &stubStore{session: &Session{
		ID: "packed", ProjectID: "packed", IsActive: true,
		Users: []*User{{ID: "a"}, {ID: "b"}},
		Project: &Project{Slides: []*Slide{}},
		Settings: SessionSettings{MaxUsers: 2, ConflictResolution: PolicyAutomatic},
	}}
	m := NewManager(&User{ID: "u3", Name: "u3"}, Options{Store: store})
	if err := m.InitializeSession(context.Background(), "packed"); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("err = %v, want ErrSessionFull", err)
	}
}

// stubStore 只为 MaxUsers 判定供一个预置会话
type stubStore struct {
	session *Session
	saved   int
}

func (s *stubStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	if s.session != nil && s.session.ID == sessionID {
		return s.session, nil
	}
	return nil, ErrSessionNotFound
}

func (s *stubStore) CreateSession(ctx context.Context, sess *Session) error { return nil }

func (s *stubStore) SaveState(ctx context.Context, sess *Session) error {
	s.saved++
	return nil
}
