package collab

import (
	"time"
)

// 权限类型 / 作用域
type PermissionType string

const (
	PermissionRead    PermissionType = "read"
	PermissionWrite   PermissionType = "write"
	PermissionComment PermissionType = "comment"
	PermissionAdmin   PermissionType = "admin"
)

type PermissionScope string

const (
	ScopeGlobal  PermissionScope = "global"
	ScopeSlide   PermissionScope = "slide"
	ScopeElement PermissionScope = "element"
)

type Permission struct {
	Type   PermissionType  `json:"type"`
	Scope  PermissionScope `json:"scope"`
	Target string          `json:"target,omitempty"` // scope 为 slide/element 时指向具体对象
}

// 光标位置（坐标系由前端定义，这里只转发）
type CursorPosition struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Element string  `json:"element,omitempty"`
}

type Selection struct {
	ElementID string `json:"elementId"`
	Range     string `json:"range,omitempty"`
}

// 会话成员。cursor/selection 属于 awareness 数据：只广播、不持久化、不进操作日志
type User struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Email        string          `json:"email,omitempty"`
	Color        string          `json:"color,omitempty"`
	Avatar       string          `json:"avatar,omitempty"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	Selection    *Selection      `json:"selection,omitempty"`
	IsOnline     bool            `json:"isOnline"`
	LastActivity time.Time       `json:"lastActivity"`
	Permissions  []Permission    `json:"permissions,omitempty"`
}

// 冲突解决策略
type ConflictPolicy string

const (
	PolicyManual     ConflictPolicy = "manual"
	PolicyAutomatic  ConflictPolicy = "automatic"
	PolicyLatestWins ConflictPolicy = "latest-wins"
)

type SessionSettings struct {
	MaxUsers           int            `json:"maxUsers"`
	AllowAnonymous     bool           `json:"allowAnonymous"`
	RequireApproval    bool           `json:"requireApproval"`
	AutoSave           bool           `json:"autoSave"`
	ConflictResolution ConflictPolicy `json:"conflictResolution"`
}

// 会话状态。Version 只增不减，是本副本观察到的操作全序
type Session struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	CreatedAt time.Time       `json:"createdAt"`
	CreatedBy string          `json:"createdBy"`
	Users     []*User         `json:"users"`
	Project   *Project        `json:"project"`
	Version   uint64          `json:"version"`
	IsActive  bool            `json:"isActive"`
	Settings  SessionSettings `json:"settings"`
}

// 项目状态只能通过 ApplyOperation/ReceiveOperation 变更，任何其他路径直接改字段都是 bug
type Project struct {
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Slides       []*Slide  `json:"slides"`
	LastModified time.Time `json:"lastModified"`
	ModifiedBy   string    `json:"modifiedBy,omitempty"`
}

type Slide struct {
	ID         string         `json:"id"`
	Order      int            `json:"order"`
	Elements   []*Element     `json:"elements"`
	Transition map[string]any `json:"transition,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Comments   []*Comment     `json:"comments,omitempty"`
	Locks      []*ElementLock `json:"locks,omitempty"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// 幻灯片元素。Version 在因果有序的操作应用下不允许回退
type Element struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Position   Rect           `json:"position"`
	Style      map[string]any `json:"style,omitempty"`
	Content    string         `json:"content,omitempty"`
	Version    uint64         `json:"version"`
	ModifiedBy string         `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time      `json:"modifiedAt"`
}

type LockType string

const (
	LockEditing   LockType = "editing"
	LockExclusive LockType = "exclusive"
)

// 元素锁是建议性的：降低冲突概率，但不阻止冲突解决路径运行
type ElementLock struct {
	ElementID string    `json:"elementId"`
	UserID    string    `json:"userId"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Type      LockType  `json:"type"`
}

// Expired 判断锁是否过期。锁过期采用读时惰性判定，没有后台清扫
func (l *ElementLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type CommentStatus string

const (
	CommentOpen     CommentStatus = "open"
	CommentResolved CommentStatus = "resolved"
	CommentArchived CommentStatus = "archived"
)

// 评论不做物理删除，只归档
type Comment struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Content   string          `json:"content"`
	Position  *CursorPosition `json:"position,omitempty"`
	ElementID string          `json:"elementId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Replies   []*Comment      `json:"replies,omitempty"`
	Status    CommentStatus   `json:"status"`
	Mentions  []string        `json:"mentions,omitempty"`
}

type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
	OpUpdate OperationType = "update"
	OpMove   OperationType = "move"
	OpStyle  OperationType = "style"
	OpLock   OperationType = "lock"
	OpUnlock OperationType = "unlock"
)

type TargetType string

const (
	TargetSlide   TargetType = "slide"
	TargetElement TargetType = "element"
	TargetProject TargetType = "project"
)

// OperationMessage 是持久同步的最小单位。
// - ID 全局唯一（userId-毫秒时间戳-随机后缀），每个副本按 ID 幂等应用
// - Version 是作者提交时认为基于的版本
// - DependsOn 未满足时操作进入等待区，不应用
type OperationMessage struct {
	ID         string         `json:"id"`
	Type       OperationType  `json:"type"`
	UserID     string         `json:"userId"`
	Timestamp  time.Time      `json:"timestamp"`
	TargetType TargetType     `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Data       map[string]any `json:"data,omitempty"`
	Version    uint64         `json:"version"`
	DependsOn  []string       `json:"dependsOn,omitempty"`
}

type AwarenessType string

const (
	AwarenessCursor    AwarenessType = "cursor"
	AwarenessSelection AwarenessType = "selection"
	AwarenessPresence  AwarenessType = "presence"
	AwarenessActivity  AwarenessType = "activity"
)

// AwarenessMessage 不带版本、不落盘，按 (userId, type) 后写覆盖。丢了就丢了，下一条会补上
type AwarenessMessage struct {
	UserID    string         `json:"userId"`
	Type      AwarenessType  `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
