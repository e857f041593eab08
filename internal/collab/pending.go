package collab

import (
	"fmt"
	"time"
)

// 依赖未满足的操作在等待区挂起，由后续到达的操作触发重试。
// 等待是有界的：窗口内依赖仍未到达就上报 ErrDependencyStalled，绝不无限重试、
// 也绝不静默丢弃。

const dependencyWindow = 30 * time.Second

type waitingOp struct {
	op    *OperationMessage
	timer *time.Timer
}

// depsSatisfied 检查 op 声明的依赖是否都已在本地日志中
func (m *Manager) depsSatisfied(op *OperationMessage) bool {
	for _, dep := range op.DependsOn {
		if _, ok := m.logIndex[dep]; !ok {
			return false
		}
	}
	return true
}

// parkOperation 把操作放进等待区并启动失速计时器。调用方持有 m.mu
func (m *Manager) parkOperation(op *OperationMessage) {
	if _, ok := m.waiting[op.ID]; ok {
		return
	}
	w := &waitingOp{op: op}
	w.timer = time.AfterFunc(m.depWindow, func() {
		m.dependencyStalled(op.ID)
	})
	m.waiting[op.ID] = w
}

func (m *Manager) dependencyStalled(opID string) {
	m.mu.Lock()
	w, ok := m.waiting[opID]
	if ok {
		delete(m.waiting, opID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.events.fireOperationError(w.op, fmt.Errorf("%w: op %s waiting on %v", ErrDependencyStalled, w.op.ID, w.op.DependsOn))
}

// retryWaiting 在一条操作成功入日志后调用：依赖刚被满足的挂起操作按序补应用。
// 调用方持有 m.mu；返回本轮应用成功的操作，事件在锁外发
func (m *Manager) retryWaiting() []*OperationMessage {
	var applied []*OperationMessage
	for progress := true; progress; {
		progress = false
		for id, w := range m.waiting {
			if !m.depsSatisfied(w.op) {
				continue
			}
			delete(m.waiting, id)
			w.timer.Stop()
			if m.applyRemoteLocked(w.op) {
				applied = append(applied, w.op)
			}
			progress = true
		}
	}
	return applied
}

// dropWaiting 清空等待区并停掉所有计时器（离开会话时的资源回收路径）
func (m *Manager) dropWaiting() {
	for id, w := range m.waiting {
		w.timer.Stop()
		delete(m.waiting, id)
	}
}
