package collab

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// 评论复用操作日志：插入是 insert 操作，回复/状态变更是 update 操作，
// 因此排序、去重、冲突解决都和结构编辑走同一套机制，不另起炉灶。
// 回复操作对父评论的 insert 操作声明因果依赖：收到回复但没收到父评论的
// 副本会把回复挂起，等父评论到达后按因果序补应用。

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)

func extractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, mt := range matches {
		out = append(out, mt[1])
	}
	return out
}

// AddComment 在幻灯片（elementID 为空）或元素上创建评论
func (m *Manager) AddComment(slideID, elementID, content string, pos *CursorPosition) (*Comment, error) {
	m.mu.Lock()
	if m.session == nil || !m.session.IsActive {
		m.mu.Unlock()
		return nil, ErrSessionInactive
	}
	now := m.now()
	m.mu.Unlock()

	c := &Comment{
		ID:        uuid.NewString(),
		UserID:    m.localUser.ID,
		Content:   content,
		Position:  pos,
		ElementID: elementID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    CommentOpen,
		Mentions:  extractMentions(content),
	}

	targetType, targetID := TargetSlide, slideID
	if elementID != "" {
		targetType, targetID = TargetElement, elementID
	}
	_, err := m.ApplyOperation(OperationMessage{
		Type:       OpInsert,
		TargetType: targetType,
		TargetID:   targetID,
		Data:       map[string]any{"comment": commentToMap(c)},
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReplyToComment 追加一条回复。操作依赖父评论的 insert 操作
func (m *Manager) ReplyToComment(commentID, content string) (*Comment, error) {
	m.mu.Lock()
	if m.session == nil || !m.session.IsActive {
		m.mu.Unlock()
		return nil, ErrSessionInactive
	}
	parentOp, ok := m.commentOps[commentID]
	slide, _ := m.findCommentLocked(commentID)
	now := m.now()
	m.mu.Unlock()
	if slide == nil {
		return nil, fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}

	reply := &Comment{
		ID:        uuid.NewString(),
		UserID:    m.localUser.ID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    CommentOpen,
		Mentions:  extractMentions(content),
	}

	op := OperationMessage{
		Type:       OpUpdate,
		TargetType: TargetSlide,
		TargetID:   slide.ID,
		Data: map[string]any{
			"commentId": commentID,
			"reply":     commentToMap(reply),
		},
	}
	if ok {
		op.DependsOn = []string{parentOp}
	}
	if _, err := m.ApplyOperation(op); err != nil {
		return nil, err
	}
	return reply, nil
}

// ResolveCommentThread 把评论标记为已解决（update 操作携带 {status: resolved}）
func (m *Manager) ResolveCommentThread(commentID string) error {
	return m.setCommentStatus(commentID, CommentResolved)
}

// ArchiveComment：评论不做物理删除，归档代替
func (m *Manager) ArchiveComment(commentID string) error {
	return m.setCommentStatus(commentID, CommentArchived)
}

func (m *Manager) setCommentStatus(commentID string, status CommentStatus) error {
	m.mu.Lock()
	if m.session == nil || !m.session.IsActive {
		m.mu.Unlock()
		return ErrSessionInactive
	}
	parentOp, hasDep := m.commentOps[commentID]
	slide, _ := m.findCommentLocked(commentID)
	m.mu.Unlock()
	if slide == nil {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}

	op := OperationMessage{
		Type:       OpUpdate,
		TargetType: TargetSlide,
		TargetID:   slide.ID,
		Data: map[string]any{
			"commentId": commentID,
			"status":    string(status),
		},
	}
	if hasDep {
		op.DependsOn = []string{parentOp}
	}
	_, err := m.ApplyOperation(op)
	return err
}

// ---- 操作应用侧 ----

func (m *Manager) applyCommentInsert(op *OperationMessage) error {
	c := commentFromMap(op.Data["comment"])
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: bad comment payload", ErrMalformedOperation)
	}
	var s *Slide
	switch op.TargetType {
	case TargetSlide:
		s = m.findSlide(op.TargetID)
	case TargetElement:
		s, _ = m.findElement(op.TargetID)
		c.ElementID = op.TargetID
	}
	if s == nil {
		return fmt.Errorf("%w: comment target %s", ErrTargetNotFound, op.TargetID)
	}
	if _, existing := m.findCommentLocked(c.ID); existing != nil {
		return nil
	}
	s.Comments = append(s.Comments, c)
	m.touchProject(op)
	return nil
}

func (m *Manager) applyCommentUpdate(op *OperationMessage) error {
	commentID, _ := op.Data["commentId"].(string)
	_, c := m.findCommentLocked(commentID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}
	if replyRaw, ok := op.Data["reply"]; ok {
		reply := commentFromMap(replyRaw)
		if reply == nil || reply.ID == "" {
			return fmt.Errorf("%w: bad reply payload", ErrMalformedOperation)
		}
		for _, existing := range c.Replies {
			if existing.ID == reply.ID {
				return nil
			}
		}
		c.Replies = append(c.Replies, reply)
	}
	if status, ok := op.Data["status"].(string); ok && status != "" {
		c.Status = CommentStatus(status)
	}
	c.UpdatedAt = op.Timestamp
	m.touchProject(op)
	return nil
}

// indexCommentOp 记录 commentID -> 创建操作 ID 的映射，供回复声明依赖。
// 在 appendLogLocked 里统一调用，本地和远端操作都会建索引
func (m *Manager) indexCommentOp(op *OperationMessage) {
	if op.Type != OpInsert {
		return
	}
	raw, ok := op.Data["comment"].(map[string]any)
	if !ok {
		return
	}
	if id, ok := raw["id"].(string); ok && id != "" {
		m.commentOps[id] = op.ID
	}
}

// findCommentLocked 递归找评论（含回复），返回评论所在的幻灯片
func (m *Manager) findCommentLocked(commentID string) (*Slide, *Comment) {
	if m.session == nil {
		return nil, nil
	}
	for _, s := range m.session.Project.Slides {
		for _, c := range s.Comments {
			if found := findInThread(c, commentID); found != nil {
				return s, found
			}
		}
	}
	return nil, nil
}

func findInThread(c *Comment, id string) *Comment {
	if c.ID == id {
		return c
	}
	for _, r := range c.Replies {
		if found := findInThread(r, id); found != nil {
			return found
		}
	}
	return nil
}

// ---- 序列化（评论经 JSON 通道传输，payload 统一是 map） ----

func commentToMap(c *Comment) map[string]any {
	mp := map[string]any{
		"id":        c.ID,
		"userId":    c.UserID,
		"content":   c.Content,
		"createdAt": c.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": c.UpdatedAt.Format(time.RFC3339Nano),
		"status":    string(c.Status),
	}
	if c.ElementID != "" {
		mp["elementId"] = c.ElementID
	}
	if c.Position != nil {
		mp["position"] = map[string]any{"x": c.Position.X, "y": c.Position.Y}
	}
	if len(c.Mentions) > 0 {
		mentions := make([]any, len(c.Mentions))
		for i, v := range c.Mentions {
			mentions[i] = v
		}
		mp["mentions"] = mentions
	}
	return mp
}

func commentFromMap(v any) *Comment {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	c := &Comment{Status: CommentOpen}
	c.ID, _ = raw["id"].(string)
	c.UserID, _ = raw["userId"].(string)
	c.Content, _ = raw["content"].(string)
	c.ElementID, _ = raw["elementId"].(string)
	if s, ok := raw["status"].(string); ok && s != "" {
		c.Status = CommentStatus(s)
	}
	if ts, ok := raw["createdAt"].(string); ok {
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if ts, ok := raw["updatedAt"].(string); ok {
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if pos, ok := raw["position"].(map[string]any); ok {
		c.Position = &CursorPosition{X: asFloat(pos["x"]), Y: asFloat(pos["y"])}
	}
	if ms, ok := raw["mentions"].([]any); ok {
		for _, mv := range ms {
			if s, ok := mv.(string); ok {
				c.Mentions = append(c.Mentions, s)
			}
		}
	}
	return c
}
