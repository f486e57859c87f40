package model

// MessageKind 消息类型。edit/delete 是服务消息：占号、入库、照常投递，
// 但不计入未读数。
type MessageKind string

const (
	KindNormal MessageKind = "normal"
	KindEdit   MessageKind = "edit"
	KindDelete MessageKind = "delete"
	KindCall   MessageKind = "call"
)

// Attachment 附件引用。落盘存储在外部（blob 服务），这里只留引用。
type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`               // image / video / file / voice
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message 会话内一条消息。ID 由会话级计数器连续分配，从 0 开始，
// 永不复用、永不跳号。除 edit/delete 的原地涂抹外，追加后不可变。
type Message struct {
	ID              int64        `json:"id"`                        // 会话内稠密序号
	Sender          string       `json:"sender"`                    // 发送者 userId
	Kind            MessageKind  `json:"kind"`                      // normal / edit / delete / call
	Body            string       `json:"body,omitempty"`            // 文本内容；被涂抹后为空
	Attachments     []Attachment `json:"attachments,omitempty"`
	ClientMessageID string       `json:"clientMessageId"`           // 客户端生成的幂等ID
	ReplyTo         *int64       `json:"replyTo,omitempty"`         // 被回复的消息号
	OriginalID      *int64       `json:"originalId,omitempty"`      // 服务消息指向的原始槽位
	CreatedAt       int64        `json:"createdAt"`                 // 毫秒
	UpdatedAt       int64        `json:"updatedAt,omitempty"`       // 最近一次 edit
	DeletedAt       int64        `json:"deletedAt,omitempty"`       // 被 delete 涂抹的时间
}

// IsService 服务消息不进未读账
func (m *Message) IsService() bool {
	return m.Kind == KindEdit || m.Kind == KindDelete
}

// Redacted 槽位是否已被涂抹（delete 后内容清空，槽位仍在）
func (m *Message) Redacted() bool {
	return m.DeletedAt != 0
}
