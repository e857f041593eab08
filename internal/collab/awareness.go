package collab

import "time"

// Awareness 是纯广播：不进操作日志、不推版本、不持久化。
// 接收端按 (userId, type) 做后写覆盖，丢消息可以容忍（下一条会覆盖），从不重发。

func (m *Manager) UpdateCursor(pos CursorPosition) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.localUser.Cursor = &pos
	m.localUser.LastActivity = m.now()
	m.mu.Unlock()

	m.broadcastAwareness(AwarenessCursor, map[string]any{
		"x":       pos.X,
		"y":       pos.Y,
		"element": pos.Element,
	})
}

func (m *Manager) UpdateSelection(sel Selection) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.localUser.Selection = &sel
	m.localUser.LastActivity = m.now()
	m.mu.Unlock()

	m.broadcastAwareness(AwarenessSelection, map[string]any{
		"elementId": sel.ElementID,
		"range":     sel.Range,
	})
}

func (m *Manager) UpdatePresence(online bool) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.localUser.IsOnline = online
	m.localUser.LastActivity = m.now()
	m.mu.Unlock()

	m.broadcastAwareness(AwarenessPresence, map[string]any{"online": online})
}

func (m *Manager) broadcastAwareness(t AwarenessType, data map[string]any) {
	if m.transport == nil {
		return
	}
	m.transport.BroadcastAwareness(&AwarenessMessage{
		UserID:    m.localUser.ID,
		Type:      t,
		Data:      data,
		Timestamp: m.now(),
	})
}

// HandleAwareness 实现 TransportHandler：把远端的 awareness 更新落到对应成员上
func (m *Manager) HandleAwareness(msg *AwarenessMessage) {
	m.mu.Lock()
	if m.session == nil || msg.UserID == m.localUser.ID {
		m.mu.Unlock()
		return
	}

	// 后写覆盖：旧于已见时间戳的消息直接丢
	byType := m.awarenessSeen[msg.UserID]
	if byType == nil {
		byType = make(map[AwarenessType]time.Time)
		m.awarenessSeen[msg.UserID] = byType
	}
	if last, ok := byType[msg.Type]; ok && msg.Timestamp.Before(last) {
		m.mu.Unlock()
		return
	}
	byType[msg.Type] = msg.Timestamp

	u := m.findUserLocked(msg.UserID)
	if u == nil {
		// 第一次听说这个成员（awareness 比 roster 先到），先建占位
		u = &User{ID: msg.UserID}
		m.upsertUserLocked(u)
	}
	u.LastActivity = msg.Timestamp

	switch msg.Type {
	case AwarenessCursor:
		u.Cursor = &CursorPosition{
			X: asFloat(msg.Data["x"]),
			Y: asFloat(msg.Data["y"]),
		}
		if el, ok := msg.Data["element"].(string); ok {
			u.Cursor.Element = el
		}
	case AwarenessSelection:
		sel := &Selection{}
		if id, ok := msg.Data["elementId"].(string); ok {
			sel.ElementID = id
		}
		if r, ok := msg.Data["range"].(string); ok {
			sel.Range = r
		}
		u.Selection = sel
	case AwarenessPresence:
		online, _ := msg.Data["online"].(bool)
		u.IsOnline = online
		if name, ok := msg.Data["name"].(string); ok && name != "" {
			u.Name = name
		}
		if color, ok := msg.Data["color"].(string); ok && color != "" {
			u.Color = color
		}
		if left, _ := msg.Data["left"].(bool); left {
			m.removeUserLocked(msg.UserID)
		}
	case AwarenessActivity:
		// lastActivity 已在上面统一更新
	}
	m.mu.Unlock()

	m.events.fireAwarenessUpdate(msg)
}
