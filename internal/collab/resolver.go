package collab

// 冲突检测与合并。
// 两个操作冲突的条件：目标相同、作者互相不知道对方（并发），即对方的 Version
// 大于本操作声明的基线版本。检测只扫日志索引，不加全局锁。

// findConflicts 返回日志中与 op 并发且目标相同的操作。
// base 是 op 作者提交时的基线版本：本地路径就是当前会话版本，
// 远端路径是 op.Version-1（作者在基线上 +1 提交）
func (m *Manager) findConflicts(op *OperationMessage, base uint64) []*OperationMessage {
	var out []*OperationMessage
	for _, logged := range m.log {
		if logged.TargetID != op.TargetID || logged.UserID == op.UserID {
			continue
		}
		// logged.Version > base：logged 在 op 的基线之后应用，op 的作者没见过它
		if logged.Version > base {
			out = append(out, logged)
		}
	}
	return out
}

// laterWins 决定两条操作谁的时间戳更晚。时间戳相等时按 ID 决定，
// 保证所有副本得到同一个赢家（时间戳是墙钟，跨机器可能相等甚至倒挂）
func laterWins(a, b *OperationMessage) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID > b.ID
	}
	return a.Timestamp.After(b.Timestamp)
}

// transformAgainst 把 op 针对一组并发操作做变换，返回变换后的操作。
// 返回 nil 表示 op 被整条吃掉（例如 move/move 输给了更晚的一方）。
// 规则（两两应用，与到达顺序无关，保证收敛）：
//   - update vs update：字段级合并。同一字段更晚的时间戳获胜，数据丢失被
//     限定在被争用的字段，而不是整个对象
//   - move vs move：位置不可合并，整条按时间戳后写获胜
//   - 其余组合不定义变换，原样通过
func transformAgainst(op *OperationMessage, concurrent []*OperationMessage) *OperationMessage {
	out := op
	for _, other := range concurrent {
		out = transformPair(out, other)
		if out == nil {
			return nil
		}
	}
	return out
}

func transformPair(op, other *OperationMessage) *OperationMessage {
	switch {
	case op.Type == OpUpdate && other.Type == OpUpdate:
		return transformUpdateUpdate(op, other)
	case op.Type == OpMove && other.Type == OpMove:
		if laterWins(other, op) {
			return nil
		}
		return op
	default:
		// 未定义变换的组合原样通过（已知的发散风险，见 DESIGN.md）
		return op
	}
}

func transformUpdateUpdate(op, other *OperationMessage) *OperationMessage {
	if !laterWins(other, op) {
		// op 更晚，自身字段全部保留
		return op
	}
	// other 更晚：丢掉与 other 重叠的字段，只保留 op 独有的改动
	merged := cloneOperation(op)
	merged.Data = diffKeys(op.Data, other.Data)
	if len(merged.Data) == 0 {
		return nil
	}
	return merged
}

// diffKeys 返回 a 中不被 b 覆盖的顶层字段。properties/style 这类嵌套 map 递归到第二层
func diffKeys(a, b map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range a {
		bv, contested := b[k]
		if !contested {
			out[k] = v
			continue
		}
		am, aok := v.(map[string]any)
		bm, bok := bv.(map[string]any)
		if aok && bok {
			inner := map[string]any{}
			for ik, iv := range am {
				if _, c := bm[ik]; !c {
					inner[ik] = iv
				}
			}
			if len(inner) > 0 {
				out[k] = inner
			}
			continue
		}
		// 标量字段被争用：b 更晚，a 的值丢弃
	}
	return out
}

func cloneOperation(op *OperationMessage) *OperationMessage {
	cp := *op
	cp.Data = make(map[string]any, len(op.Data))
	for k, v := range op.Data {
		cp.Data[k] = v
	}
	if op.DependsOn != nil {
		cp.DependsOn = append([]string(nil), op.DependsOn...)
	}
	return &cp
}

// resolveLatestWins：整条按时间戳比较，不做合并。
// 返回 false 表示本条操作输给了日志里已有的冲突操作，应当丢弃（但仍记录为已见）
func resolveLatestWins(op *OperationMessage, conflicts []*OperationMessage) bool {
	for _, c := range conflicts {
		if laterWins(c, op) {
			return false
		}
	}
	return true
}
