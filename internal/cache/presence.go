package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// 汇合点侧的在线状态：会话成员集合 + 心跳 TTL + 名字表。
// 真正的 awareness 数据走对等通道，这里只是信令服务器回答
// "这个会话现在有谁"用的镜像

type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, userID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID string
	Name   string
}

type redisPresence struct {
	rdb *redis.Client
	// 同一会话的成员表读取高频且结果一致，singleflight 合并并发请求
	sf singleflight.Group
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, userID, name string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, sessionKey(sessionID), userID)
	pipe.Set(ctx, memberKey(sessionID, userID), "1", ttl)
	pipe.HSet(ctx, namesKey(sessionID), userID, name)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, userID string) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, sessionKey(sessionID), userID)
	pipe.Del(ctx, memberKey(sessionID, userID))
	pipe.HDel(ctx, namesKey(sessionID), userID)
	pipe.Del(ctx, cursorKey(sessionID, userID))
	_, err := pipe.Exec(ctx)
	return err
}

// GetAliveMembers 返回心跳未过期的成员。集合里存的是候选成员，
// 是否存活以心跳键是否存在为准
func (p *redisPresence) GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	v, err, _ := p.sf.Do(sessionKey(sessionID), func() (any, error) {
		return p.aliveMembers(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]PresenceMember), nil
}

func (p *redisPresence) aliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	userIDs, err := p.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	// 管道批量查心跳键
	existsCmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, userID := range userIDs {
		existsCmds = append(existsCmds, pipe.Exists(ctx, memberKey(sessionID, userID)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	alive := make([]string, 0, len(userIDs))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			alive = append(alive, userIDs[i])
		}
	}
	if len(alive) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), alive...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: alive[i], Name: name})
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, userID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(sessionID, userID)).Bytes()
}
