package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// 测试公共设施：可控时钟 + 进程内管道传输

// testClock 每次读取自动前进 1ms，保证操作时间戳单调且互不相等
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// pipeTransport 进程内直连两个 Manager。buffered 模式下投递挂起，
// 调 flush 才送达，用来模拟"双方在看到对方操作之前各自编辑"的并发窗口
type pipeTransport struct {
	mu       sync.Mutex
	handler  TransportHandler
	peers    []*pipeTransport
	buffered bool
	queue    []func()
	closed   bool
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a, b := &pipeTransport{}, &pipeTransport{}
	a.peers = []*pipeTransport{b}
	b.peers = []*pipeTransport{a}
	return a, b
}

func (p *pipeTransport) Bind(h TransportHandler) { p.handler = h }

func (p *pipeTransport) Connect(ctx context.Context, sessionID string, user *User) error {
	return nil
}

func (p *pipeTransport) HasRemoteMembers() bool { return len(p.peers) > 0 }
func (p *pipeTransport) PeerCount() int         { return len(p.peers) }

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *pipeTransport) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pipeTransport) deliver(fn func()) {
	p.mu.Lock()
	if p.buffered {
		p.queue = append(p.queue, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// flush 把缓冲的投递按入队顺序送达
func (p *pipeTransport) flush() {
	p.mu.Lock()
	q := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

func (p *pipeTransport) BroadcastOperation(op *OperationMessage) {
	// JSON 往返模拟网络序列化，双方不共享内存，数字也会变成 float64
	raw, err := json.Marshal(op)
	if err != nil {
		panic(err)
	}
	for _, peer := range p.peers {
		other := peer
		cp := &OperationMessage{}
		if err := json.Unmarshal(raw, cp); err != nil {
			panic(err)
		}
		p.deliver(func() {
			if other.handler != nil {
				other.handler.HandleOperation(cp)
			}
		})
	}
}

func (p *pipeTransport) BroadcastAwareness(msg *AwarenessMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	for _, peer := range p.peers {
		other := peer
		cp := &AwarenessMessage{}
		if err := json.Unmarshal(raw, cp); err != nil {
			panic(err)
		}
		p.deliver(func() {
			if other.handler != nil {
				other.handler.HandleAwareness(cp)
			}
		})
	}
}

func (p *pipeTransport) RequestState(ctx context.Context) (*Project, uint64, error) {
	for _, peer := range p.peers {
		if peer.handler != nil {
			project, version := peer.handler.HandleStateRequest()
			return project, version, nil
		}
	}
	return nil, 0, context.DeadlineExceeded
}

// ---- Manager 搭建 ----

func newTestManager(t *testing.T, userID string, tr Transport) (*Manager, *testClock) {
	t.Helper()
	clock := newTestClock()
	m := NewManager(&User{ID: userID, Name: userID}, Options{Transport: tr})
	m.now = clock.Now
	if err := m.InitializeSession(context.Background(), "session-1"); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	return m, clock
}

func mustApply(t *testing.T, m *Manager, partial OperationMessage) *OperationMessage {
	t.Helper()
	op, err := m.ApplyOperation(partial)
	if err != nil {
		t.Fatalf("ApplyOperation(%s %s/%s): %v", partial.Type, partial.TargetType, partial.TargetID, err)
	}
	return op
}

// seedSlideElement 建一张幻灯片和一个文本元素，会话版本推进到 2
func seedSlideElement(t *testing.T, m *Manager, slideID, elementID string) {
	t.Helper()
	mustApply(t, m, OperationMessage{
		Type: OpInsert, TargetType: TargetSlide, TargetID: slideID,
		Data: map[string]any{"order": 0},
	})
	mustApply(t, m, OperationMessage{
		Type: OpInsert, TargetType: TargetElement, TargetID: elementID,
		Data: map[string]any{
			"slideId":     slideID,
			"elementType": "text",
			"content":     "hello",
			"position":    map[string]any{"x": 10.0, "y": 20.0, "width": 100.0, "height": 50.0},
		},
	})
}

func getElement(t *testing.T, m *Manager, elementID string) *Element {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, e := m.findElement(elementID)
	if e == nil {
		t.Fatalf("element %s not found", elementID)
	}
	return e
}

func getSlide(t *testing.T, m *Manager, slideID string) *Slide {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findSlide(slideID)
	if s == nil {
		t.Fatalf("slide %s not found", slideID)
	}
	return s
}
