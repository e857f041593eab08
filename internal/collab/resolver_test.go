package collab

import (
	"testing"
	"time"
)

func updateOp(id, user string, ts time.Time, data map[string]any) *OperationMessage {
	return &OperationMessage{
		ID: id, Type: OpUpdate, UserID: user, Timestamp: ts,
		TargetType: TargetElement, TargetID: "e1", Data: data, Version: 3,
	}
}

func TestLaterWins(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	a := &OperationMessage{ID: "a", Timestamp: t0}
	b := &OperationMessage{ID: "b", Timestamp: t0.Add(time.Second)}
	if !laterWins(b, a) {
		t.Fatal("b is later, should win")
	}
	if laterWins(a, b) {
		t.Fatal("a is earlier, should lose")
	}

	// 时间戳相等时按 ID 决胜，所有副本得到同一个赢家
	c := &OperationMessage{ID: "c", Timestamp: t0}
	d := &OperationMessage{ID: "d", Timestamp: t0}
	if !laterWins(d, c) || laterWins(c, d) {
		t.Fatal("equal timestamps must tie-break by ID")
	}
}

func TestTransformUpdateUpdateFieldMerge(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	earlier := updateOp("op-a", "u1", t0, map[string]any{
		"content":    "from-u1",
		"properties": map[string]any{"fontSize": 14, "bold": true},
	})
	later := updateOp("op-b", "u2", t0.Add(time.Second), map[string]any{
		"content":    "from-u2",
		"properties": map[string]any{"fontSize": 18},
	})

	// 晚方不受影响
	if got := transformPair(later, earlier); got != later {
		t.Fatalf("later op should pass through unchanged, got %+v", got)
	}

	// 早方只保留未被争用的字段：content 丢弃，properties.bold 保留
	got := transformPair(earlier, later)
	if got == nil {
		t.Fatal("earlier op should survive with its uncontested fields")
	}
	if _, ok := got.Data["content"]; ok {
		t.Fatal("contested content field should be dropped")
	}
	props, ok := got.Data["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing after transform: %+v", got.Data)
	}
	if props["bold"] != true {
		t.Fatalf("uncontested nested field lost: %+v", props)
	}
	if _, ok := props["fontSize"]; ok {
		t.Fatal("contested nested field should be dropped")
	}

	// 原操作不能被原地修改
	if _, ok := earlier.Data["content"]; !ok {
		t.Fatal("transform must not mutate the input op")
	}
}

func TestTransformUpdateUpdateSwallowed(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	earlier := updateOp("op-a", "u1", t0, map[string]any{"content": "x"})
	later := updateOp("op-b", "u2", t0.Add(time.Second), map[string]any{"content": "y"})
	if got := transformPair(earlier, later); got != nil {
		t.Fatalf("fully contested op should be swallowed, got %+v", got)
	}
}

func TestTransformMoveMove(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	earlier := &OperationMessage{ID: "m-a", Type: OpMove, UserID: "u1", Timestamp: t0,
		TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"position": map[string]any{"x": 1.0, "y": 1.0}}}
	later := &OperationMessage{ID: "m-b", Type: OpMove, UserID: "u2", Timestamp: t0.Add(time.Second),
		TargetType: TargetElement, TargetID: "e1",
		Data: map[string]any{"position": map[string]any{"x": 9.0, "y": 9.0}}}

	// 位置不可合并：整条后写获胜
	if got := transformPair(earlier, later); got != nil {
		t.Fatalf("earlier move should lose whole, got %+v", got)
	}
	if got := transformPair(later, earlier); got != later {
		t.Fatal("later move should pass through")
	}
}

func TestTransformUnrelatedPairPassesThrough(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	upd := updateOp("op-a", "u1", t0, map[string]any{"content": "x"})
	del := &OperationMessage{ID: "op-b", Type: OpDelete, UserID: "u2", Timestamp: t0.Add(time.Second),
		TargetType: TargetElement, TargetID: "e1"}
	if got := transformPair(upd, del); got != upd {
		t.Fatal("undefined pair should pass through unchanged")
	}
}

func TestDiffKeys(t *testing.T) {
	a := map[string]any{
		"content": "a",
		"notes":   "keep",
		"style":   map[string]any{"color": "red", "size": 12},
	}
	b := map[string]any{
		"content": "b",
		"style":   map[string]any{"color": "blue"},
	}
	got := diffKeys(a, b)
	if got["notes"] != "keep" {
		t.Fatalf("uncontested top-level key lost: %+v", got)
	}
	if _, ok := got["content"]; ok {
		t.Fatal("contested scalar should be dropped")
	}
	style, ok := got["style"].(map[string]any)
	if !ok || style["size"] != 12 {
		t.Fatalf("nested merge wrong: %+v", got["style"])
	}
	if _, ok := style["color"]; ok {
		t.Fatal("contested nested key should be dropped")
	}
}

func TestResolveLatestWins(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mine := updateOp("op-a", "u1", t0, map[string]any{"content": "x"})
	theirsLater := updateOp("op-b", "u2", t0.Add(time.Second), map[string]any{"content": "y"})
	theirsEarlier := updateOp("op-c", "u2", t0.Add(-time.Second), map[string]any{"content": "z"})

	if resolveLatestWins(mine, []*OperationMessage{theirsLater}) {
		t.Fatal("older op should lose against a later conflict")
	}
	if !resolveLatestWins(mine, []*OperationMessage{theirsEarlier}) {
		t.Fatal("newer op should win against an earlier conflict")
	}
}
