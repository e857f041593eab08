package collab

import (
	"testing"
	"time"
)

func findSessionUser(m *Manager, userID string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findUserLocked(userID)
}

func TestAwarenessLastWriteWins(t *testing.T) {
	m, _ := newTestManager(t, "u1", nil)
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	m.HandleAwareness(&AwarenessMessage{
		UserID: "u2", Type: AwarenessCursor,
		Data:      map[string]any{"x": 10.0, "y": 20.0},
		Timestamp: t0.Add(time.Second),
	})
	// 旧消息晚到：丢弃，不回退
	m.HandleAwareness(&AwarenessMessage{
		UserID: "u2", Type: AwarenessCursor,
		Data:      map[string]any{"x": 99.0, "y": 99.0},
		Timestamp: t0,
	})

	u := findSessionUser(m, "u2")
	if u == nil || u.Cursor == nil {
		t.Fatal("cursor awareness not recorded")
	}
	if u.Cursor.X != 10 || u.Cursor.Y != 20 {
		t.Fatalf("stale awareness overwrote newer: %+v", u.Cursor)
	}
}

func TestAwarenessCreatesPlaceholderUser(t *testing.T) {
	m, _ := newTestManager(t, "u1", nil)
	// awareness 比 roster 先到：先建占位成员
	m.HandleAwareness(&AwarenessMessage{
		UserID: "u2", Type: AwarenessPresence,
		Data:      map[string]any{"online": true, "name": "Bob", "color": "#ff0000"},
		Timestamp: time.Now(),
	})
	u := findSessionUser(m, "u2")
	if u == nil {
		t.Fatal("placeholder user not created")
	}
	if u.Name != "Bob" || u.Color != "#ff0000" || !u.IsOnline {
		t.Fatalf("presence fields wrong: %+v", u)
	}
}

func TestPresenceLeftRemovesUser(t *testing.T) {
	m, _ := newTestManager(t, "u1", nil)
	now := time.Now()
	m.HandleAwareness(&AwarenessMessage{
		UserID: "u2", Type: AwarenessPresence,
		Data:      map[string]any{"online": true, "name": "Bob"},
		Timestamp: now,
	})
	m.HandleAwareness(&AwarenessMessage{
		UserID: "u2", Type: AwarenessPresence,
		Data:      map[string]any{"online": false, "left": true},
		Timestamp: now.Add(time.Second),
	})
	if u := findSessionUser(m, "u2"); u != nil {
		t.Fatalf("left user still in session: %+v", u)
	}
}

func TestCursorAndSelectionPropagate(t *testing.T) {
	p1, p2 := newPipePair()
	m1, _ := newTestManager(t, "u1", p1)
	m2, _ := newTestManager(t, "u2", p2)

	m1.UpdateCursor(CursorPosition{X: 42, Y: 7, Element: "e1"})
	m1.UpdateSelection(Selection{ElementID: "e1", Range: "0:4"})

	u := findSessionUser(m2, "u1")
	if u == nil {
		t.Fatal("u1 unknown to m2")
	}
	if u.Cursor == nil || u.Cursor.X != 42 || u.Cursor.Element != "e1" {
		t.Fatalf("cursor not propagated: %+v", u.Cursor)
	}
	if u.Selection == nil || u.Selection.ElementID != "e1" || u.Selection.Range != "0:4" {
		t.Fatalf("selection not propagated: %+v", u.Selection)
	}
	// 本端不受自己的广播影响
	if self := findSessionUser(m1, "u1"); self.Cursor == nil || self.Cursor.X != 42 {
		t.Fatalf("local cursor wrong: %+v", self.Cursor)
	}
}
