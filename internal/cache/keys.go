package cache

import "fmt"

// 键语义：
// - sessionKey(sessionID):         会话候选成员集合（Set<userId>）
// - memberKey(sessionID,userID):   成员心跳键（String，占位"1"，带 TTL）
// - namesKey(sessionID):           会话内 userId→name 映射（Hash）
// - cursorKey(sessionID,userID):   成员光标/选区 JSON 镜像（String，带 TTL）

const (
	keySessionFmt = "presence:session:%s"       // Set<userId>
	keyMemberFmt  = "presence:member:%s:%s"     // String "1" with TTL
	keyNamesFmt   = "presence:session:names:%s" // Hash<userId -> name>
	keyCursorFmt  = "presence:cursor:%s:%s"     // String JSON with TTL
)

func sessionKey(sessionID string) string { return fmt.Sprintf(keySessionFmt, sessionID) }
func memberKey(sessionID, userID string) string {
	return fmt.Sprintf(keyMemberFmt, sessionID, userID)
}
func namesKey(sessionID string) string          { return fmt.Sprintf(keyNamesFmt, sessionID) }
func cursorKey(sessionID, userID string) string { return fmt.Sprintf(keyCursorFmt, sessionID, userID) }
