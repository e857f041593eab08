package collab

// 元素锁：短时、带 TTL 的建议性排他标记。锁只降低冲突概率，
// 不能阻止落后的 peer 照样发出冲突操作——那条路仍然走冲突解决。
// 过期判定全部是读时惰性的，没有后台清扫协程。

import "time"

const lockTTL = 5 * time.Minute

// LockElement 尝试为本地用户锁住元素。
// 已被他人持有且未过期时返回 false，不产生任何操作；
// 自己重复上锁是幂等的（刷新 TTL）。成功时发出 lock 操作让所有副本收敛到同一持有者
func (m *Manager) LockElement(elementID string, lockType LockType) bool {
	m.mu.Lock()
	if m.session == nil || !m.session.IsActive {
		m.mu.Unlock()
		return false
	}
	s, e := m.findElement(elementID)
	if e == nil {
		m.mu.Unlock()
		return false
	}
	pruneExpiredLocks(s, m.now())
	for _, l := range s.Locks {
		if l.ElementID == elementID && l.UserID != m.localUser.ID {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()

	_, err := m.ApplyOperation(OperationMessage{
		Type:       OpLock,
		TargetType: TargetElement,
		TargetID:   elementID,
		Data:       map[string]any{"lockType": string(lockType)},
	})
	return err == nil
}

// UnlockElement 无条件为本地用户发出 unlock 操作（只会摘掉自己的锁）
func (m *Manager) UnlockElement(elementID string) error {
	_, err := m.ApplyOperation(OperationMessage{
		Type:       OpUnlock,
		TargetType: TargetElement,
		TargetID:   elementID,
	})
	return err
}

// LockOwner 返回元素当前未过期锁的持有者，没有锁时返回空串。
// 任何读锁状态的路径都必须先丢弃过期锁再判定
func (m *Manager) LockOwner(elementID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	s, e := m.findElement(elementID)
	if e == nil {
		return ""
	}
	now := m.now()
	for _, l := range s.Locks {
		if l.ElementID == elementID && !l.Expired(now) {
			return l.UserID
		}
	}
	return ""
}
