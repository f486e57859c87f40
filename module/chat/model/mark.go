package model

// MarkKind 水位类型
type MarkKind string

const (
	MarkRead  MarkKind = "read"
	MarkDlvrd MarkKind = "dlvrd"
)

// Mark 一次水位事件。某用户同 kind 的 Mark 按 messageId 非降序追加，
// 永不撤回。
type Mark struct {
	MessageID int64 `json:"messageId"`
	Timestamp int64 `json:"timestamp"` // 毫秒
}

// MarkPointer 某用户某 kind 最新水位的缓存引用。
// messageId = NoMark 表示还没有任何水位。
type MarkPointer struct {
	Index     int   `json:"index"`     // 最新 Mark 的序号
	MessageID int64 `json:"messageId"`
	Timestamp int64 `json:"timestamp"`
}

// NoMark 指针哨兵：消息号从 0 开始，-1 即“尚无水位”
const NoMark int64 = -1

// PointerKeySuffix last{Kind} 键的驼峰段
func (k MarkKind) PointerKeySuffix() string {
	switch k {
	case MarkRead:
		return "Read"
	case MarkDlvrd:
		return "Dlvrd"
	}
	return string(k)
}
