package collab

import (
	"fmt"
	"time"
)

// 状态变更的唯一入口：按操作类型分发到对应 handler。
// handler 在 Manager 锁内同步执行，事件之间看不到半成品状态。

func (m *Manager) applyToState(op *OperationMessage) error {
	if err := validateOperation(op); err != nil {
		return err
	}
	switch op.Type {
	case OpInsert:
		return m.applyInsert(op)
	case OpDelete:
		return m.applyDelete(op)
	case OpUpdate:
		return m.applyUpdate(op)
	case OpMove:
		return m.applyMove(op)
	case OpStyle:
		return m.applyStyle(op)
	case OpLock:
		return m.applyLock(op)
	case OpUnlock:
		return m.applyUnlock(op)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedOperation, op.Type)
	}
}

func validateOperation(op *OperationMessage) error {
	if op == nil || op.ID == "" || op.UserID == "" {
		return ErrMalformedOperation
	}
	switch op.TargetType {
	case TargetSlide, TargetElement, TargetProject:
	default:
		return fmt.Errorf("%w: bad targetType %q", ErrMalformedOperation, op.TargetType)
	}
	if op.TargetType != TargetProject && op.TargetID == "" {
		return fmt.Errorf("%w: missing targetId", ErrMalformedOperation)
	}
	return nil
}

func (m *Manager) findSlide(id string) *Slide {
	for _, s := range m.session.Project.Slides {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// 返回元素及其所在幻灯片
func (m *Manager) findElement(id string) (*Slide, *Element) {
	for _, s := range m.session.Project.Slides {
		for _, e := range s.Elements {
			if e.ID == id {
				return s, e
			}
		}
	}
	return nil, nil
}

// 元数据必须是操作集合的函数，和本副本的应用顺序无关：
// 最后修改者按时间戳后写获胜（平局按 userId），版本按同目标操作计数。
// 并发窗口里两边应用顺序不同，元数据才不会随顺序发散

func (m *Manager) touchProject(op *OperationMessage) {
	p := m.session.Project
	if op.Timestamp.After(p.LastModified) ||
		(op.Timestamp.Equal(p.LastModified) && op.UserID > p.ModifiedBy) {
		p.LastModified = op.Timestamp
		p.ModifiedBy = op.UserID
	}
}

func touchElement(e *Element, op *OperationMessage) {
	e.Version++
	if op.Timestamp.After(e.ModifiedAt) ||
		(op.Timestamp.Equal(e.ModifiedAt) && op.UserID > e.ModifiedBy) {
		e.ModifiedBy = op.UserID
		e.ModifiedAt = op.Timestamp
	}
}

// touchSwallowedLocked：远端操作的数据被变换整条吃掉时状态不动，
// 但元素元数据照常推进。版本计数要等于日志里同目标操作的条数，
// 赢家副本（两次应用）和输家副本（一次应用 + 一次吞掉）才一致
func (m *Manager) touchSwallowedLocked(op *OperationMessage) {
	if op.TargetType != TargetElement {
		return
	}
	if _, ok := op.Data["commentId"]; ok {
		return
	}
	if _, e := m.findElement(op.TargetID); e != nil {
		touchElement(e, op)
		m.touchProject(op)
	}
}

func (m *Manager) applyInsert(op *OperationMessage) error {
	// data 带 comment 的 insert 是评论插入，不创建结构元素
	if _, ok := op.Data["comment"]; ok {
		return m.applyCommentInsert(op)
	}
	switch op.TargetType {
	case TargetSlide:
		if m.findSlide(op.TargetID) != nil {
			return nil // 幂等：重复 insert 不生效
		}
		s := &Slide{ID: op.TargetID, Order: asInt(op.Data["order"])}
		if notes, ok := op.Data["notes"].(string); ok {
			s.Notes = notes
		}
		m.session.Project.Slides = append(m.session.Project.Slides, s)
	case TargetElement:
		slideID, _ := op.Data["slideId"].(string)
		s := m.findSlide(slideID)
		if s == nil {
			return fmt.Errorf("%w: slide %s", ErrTargetNotFound, slideID)
		}
		if _, e := m.findElement(op.TargetID); e != nil {
			return nil
		}
		e := &Element{
			ID:         op.TargetID,
			Properties: map[string]any{},
			Style:      map[string]any{},
		}
		if t, ok := op.Data["elementType"].(string); ok {
			e.Type = t
		}
		if c, ok := op.Data["content"].(string); ok {
			e.Content = c
		}
		if p, ok := op.Data["properties"].(map[string]any); ok {
			for k, v := range p {
				e.Properties[k] = v
			}
		}
		if st, ok := op.Data["style"].(map[string]any); ok {
			for k, v := range st {
				e.Style[k] = v
			}
		}
		e.Position = asRect(op.Data["position"])
		touchElement(e, op)
		s.Elements = append(s.Elements, e)
	default:
		return fmt.Errorf("%w: insert on %s", ErrMalformedOperation, op.TargetType)
	}
	m.touchProject(op)
	return nil
}

func (m *Manager) applyDelete(op *OperationMessage) error {
	switch op.TargetType {
	case TargetSlide:
		slides := m.session.Project.Slides
		for i, s := range slides {
			if s.ID == op.TargetID {
				m.session.Project.Slides = append(slides[:i], slides[i+1:]...)
				m.touchProject(op)
				return nil
			}
		}
	case TargetElement:
		for _, s := range m.session.Project.Slides {
			for i, e := range s.Elements {
				if e.ID == op.TargetID {
					s.Elements = append(s.Elements[:i], s.Elements[i+1:]...)
					m.touchProject(op)
					return nil
				}
			}
		}
	default:
		return fmt.Errorf("%w: delete on %s", ErrMalformedOperation, op.TargetType)
	}
	// 目标不在也算成功：delete 本身就是收敛的
	return nil
}

func (m *Manager) applyUpdate(op *OperationMessage) error {
	// 评论相关的 update（回复 / 状态变更）
	if _, ok := op.Data["commentId"]; ok {
		return m.applyCommentUpdate(op)
	}
	switch op.TargetType {
	case TargetProject:
		if t, ok := op.Data["title"].(string); ok {
			m.session.Project.Title = t
		}
		if d, ok := op.Data["description"].(string); ok {
			m.session.Project.Description = d
		}
	case TargetSlide:
		s := m.findSlide(op.TargetID)
		if s == nil {
			return fmt.Errorf("%w: slide %s", ErrTargetNotFound, op.TargetID)
		}
		if notes, ok := op.Data["notes"].(string); ok {
			s.Notes = notes
		}
		if tr, ok := op.Data["transition"].(map[string]any); ok {
			s.Transition = tr
		}
	case TargetElement:
		_, e := m.findElement(op.TargetID)
		if e == nil {
			return fmt.Errorf("%w: element %s", ErrTargetNotFound, op.TargetID)
		}
		if c, ok := op.Data["content"].(string); ok {
			e.Content = c
		}
		if p, ok := op.Data["properties"].(map[string]any); ok {
			if e.Properties == nil {
				e.Properties = map[string]any{}
			}
			for k, v := range p {
				e.Properties[k] = v
			}
		}
		if st, ok := op.Data["style"].(map[string]any); ok {
			if e.Style == nil {
				e.Style = map[string]any{}
			}
			for k, v := range st {
				e.Style[k] = v
			}
		}
		touchElement(e, op)
	}
	m.touchProject(op)
	return nil
}

func (m *Manager) applyMove(op *OperationMessage) error {
	switch op.TargetType {
	case TargetSlide:
		s := m.findSlide(op.TargetID)
		if s == nil {
			return fmt.Errorf("%w: slide %s", ErrTargetNotFound, op.TargetID)
		}
		s.Order = asInt(op.Data["order"])
	case TargetElement:
		_, e := m.findElement(op.TargetID)
		if e == nil {
			return fmt.Errorf("%w: element %s", ErrTargetNotFound, op.TargetID)
		}
		e.Position = asRect(op.Data["position"])
		touchElement(e, op)
	default:
		return fmt.Errorf("%w: move on %s", ErrMalformedOperation, op.TargetType)
	}
	m.touchProject(op)
	return nil
}

func (m *Manager) applyStyle(op *OperationMessage) error {
	_, e := m.findElement(op.TargetID)
	if e == nil {
		return fmt.Errorf("%w: element %s", ErrTargetNotFound, op.TargetID)
	}
	if e.Style == nil {
		e.Style = map[string]any{}
	}
	if st, ok := op.Data["style"].(map[string]any); ok {
		for k, v := range st {
			e.Style[k] = v
		}
	}
	touchElement(e, op)
	m.touchProject(op)
	return nil
}

// lock/unlock 作为操作复制，让所有副本对锁的归属收敛
func (m *Manager) applyLock(op *OperationMessage) error {
	s, e := m.findElement(op.TargetID)
	if e == nil {
		return fmt.Errorf("%w: element %s", ErrTargetNotFound, op.TargetID)
	}
	lockType := LockEditing
	if t, ok := op.Data["lockType"].(string); ok && t != "" {
		lockType = LockType(t)
	}
	pruneExpiredLocks(s, op.Timestamp)
	for _, l := range s.Locks {
		if l.ElementID == op.TargetID {
			if l.UserID == op.UserID {
				// 自己重复上锁：刷新过期时间
				l.LockedAt = op.Timestamp
				l.ExpiresAt = op.Timestamp.Add(lockTTL)
				l.Type = lockType
				return nil
			}
			// 已被他人持有，本条 lock 操作不生效（对所有副本一致，因为判定只依赖状态）
			return nil
		}
	}
	s.Locks = append(s.Locks, &ElementLock{
		ElementID: op.TargetID,
		UserID:    op.UserID,
		LockedAt:  op.Timestamp,
		ExpiresAt: op.Timestamp.Add(lockTTL),
		Type:      lockType,
	})
	return nil
}

func (m *Manager) applyUnlock(op *OperationMessage) error {
	s, e := m.findElement(op.TargetID)
	if e == nil {
		return fmt.Errorf("%w: element %s", ErrTargetNotFound, op.TargetID)
	}
	for i, l := range s.Locks {
		if l.ElementID == op.TargetID && l.UserID == op.UserID {
			s.Locks = append(s.Locks[:i], s.Locks[i+1:]...)
			return nil
		}
	}
	return nil
}

func pruneExpiredLocks(s *Slide, now time.Time) {
	kept := s.Locks[:0]
	for _, l := range s.Locks {
		if !l.Expired(now) {
			kept = append(kept, l)
		}
	}
	s.Locks = kept
}

// JSON 反序列化后数字是 float64，这里统一转
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func asRect(v any) Rect {
	mp, ok := v.(map[string]any)
	if !ok {
		return Rect{}
	}
	return Rect{
		X:      asFloat(mp["x"]),
		Y:      asFloat(mp["y"]),
		Width:  asFloat(mp["width"]),
		Height: asFloat(mp["height"]),
	}
}
