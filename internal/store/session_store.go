package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"slidesync/internal/collab"
)

// 会话持久化。会话元数据一行，项目状态按 (session, version) 存快照，只追加

type SessionRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	ProjectID string `gorm:"size:64;index"`
	CreatedBy string `gorm:"size:64"`
	Settings  string `gorm:"type:json"`
	CreatedAt time.Time
}

type SnapshotRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;uniqueIndex:uniq_session_version"`
	Version   uint64 `gorm:"uniqueIndex:uniq_session_version"`
	State     string `gorm:"type:mediumtext"`
	CreatedAt time.Time
}

type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// LoadSession 取会话元数据和最新快照，拼出加载态的会话。
// 成员列表不持久化，由在线副本的 roster/awareness 填充
func (s *SessionStore) LoadSession(ctx context.Context, sessionID string) (*collab.Session, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, collab.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	sess := &collab.Session{
		ID:        rec.ID,
		ProjectID: rec.ProjectID,
		CreatedAt: rec.CreatedAt,
		CreatedBy: rec.CreatedBy,
		Users:     []*collab.User{},
		Project:   &collab.Project{Slides: []*collab.Slide{}},
	}
	if rec.Settings != "" {
		if err := json.Unmarshal([]byte(rec.Settings), &sess.Settings); err != nil {
			return nil, err
		}
	}

	var snap SnapshotRecord
	err = s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		First(&snap).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		var project collab.Project
		if err := json.Unmarshal([]byte(snap.State), &project); err != nil {
			return nil, err
		}
		sess.Project = &project
		sess.Version = snap.Version
	}
	return sess, nil
}

func (s *SessionStore) CreateSession(ctx context.Context, sess *collab.Session) error {
	settings, err := json.Marshal(sess.Settings)
	if err != nil {
		return err
	}
	rec := SessionRecord{
		ID:        sess.ID,
		ProjectID: sess.ProjectID,
		CreatedBy: sess.CreatedBy,
		Settings:  string(settings),
		CreatedAt: sess.CreatedAt,
	}
	err = s.db.WithContext(ctx).Create(&rec).Error
	if isDuplicateKey(err) {
		// 并发创建同一会话：先到先得，后来的直接用已有记录
		return nil
	}
	return err
}

// SaveState 追加一条项目状态快照（autoSave 开启时每次本地操作后调用）
func (s *SessionStore) SaveState(ctx context.Context, sess *collab.Session) error {
	state, err := json.Marshal(sess.Project)
	if err != nil {
		return err
	}
	snap := SnapshotRecord{
		SessionID: sess.ID,
		Version:   sess.Version,
		State:     string(state),
		CreatedAt: time.Now(),
	}
	err = s.db.WithContext(ctx).Create(&snap).Error
	if isDuplicateKey(err) {
		// 同一版本的快照已存在，内容必然一致，不算错误
		return nil
	}
	return err
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
