package ws

import (
	"slidesync/internal/collab"
)

// 对等通道上只有两族消息（operation / awareness），加上状态同步的一问一答
// 和建连时的身份握手。按 Type 标签区分
const (
	TypeHello         = "hello"
	TypeOperation     = "operation"
	TypeAwareness     = "awareness"
	TypeStateRequest  = "state-request"
	TypeStateResponse = "state-response"
)

type Envelope struct {
	Type      string                   `json:"type"`
	Hello     *Hello                   `json:"hello,omitempty"`
	Operation *collab.OperationMessage `json:"operation,omitempty"`
	Awareness *collab.AwarenessMessage `json:"awareness,omitempty"`
	State     *StatePayload            `json:"state,omitempty"`
}

// Hello 是对等连接建立后的第一帧：拨号方自报身份，监听方据此登记 peer
type Hello struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
}

type StatePayload struct {
	Project *collab.Project `json:"project"`
	Version uint64          `json:"version"`
}
