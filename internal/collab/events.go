package collab

// Events 是上层（编辑器 UI 等）订阅协作核心的唯一方式，外部不允许直接调内部 handler。
// 回调字段为 nil 时静默跳过。回调在 Manager 锁外触发。
type Events struct {
	SessionInitialized func(s *Session)
	OperationApplied   func(op *OperationMessage)
	OperationReceived  func(op *OperationMessage)
	OperationError     func(op *OperationMessage, err error)
	ConflictDetected   func(op *OperationMessage, conflicts []*OperationMessage)
	AwarenessUpdate    func(msg *AwarenessMessage)
	UserJoined         func(u *User)
	UserLeft           func(userID string)
	PeerError          func(userID string, err error)
}

func (e *Events) fireSessionInitialized(s *Session) {
	if e != nil && e.SessionInitialized != nil {
		e.SessionInitialized(s)
	}
}

func (e *Events) fireOperationApplied(op *OperationMessage) {
	if e != nil && e.OperationApplied != nil {
		e.OperationApplied(op)
	}
}

func (e *Events) fireOperationReceived(op *OperationMessage) {
	if e != nil && e.OperationReceived != nil {
		e.OperationReceived(op)
	}
}

func (e *Events) fireOperationError(op *OperationMessage, err error) {
	if e != nil && e.OperationError != nil {
		e.OperationError(op, err)
	}
}

func (e *Events) fireConflictDetected(op *OperationMessage, conflicts []*OperationMessage) {
	if e != nil && e.ConflictDetected != nil {
		e.ConflictDetected(op, conflicts)
	}
}

func (e *Events) fireAwarenessUpdate(msg *AwarenessMessage) {
	if e != nil && e.AwarenessUpdate != nil {
		e.AwarenessUpdate(msg)
	}
}

func (e *Events) fireUserJoined(u *User) {
	if e != nil && e.UserJoined != nil {
		e.UserJoined(u)
	}
}

func (e *Events) fireUserLeft(userID string) {
	if e != nil && e.UserLeft != nil {
		e.UserLeft(userID)
	}
}

func (e *Events) firePeerError(userID string, err error) {
	if e != nil && e.PeerError != nil {
		e.PeerError(userID, err)
	}
}
