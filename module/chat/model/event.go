package model

import "encoding/json"

// EventType 跨 actor 事件类型
type EventType string

const (
	EventNew        EventType = "new"
	EventDlvrd      EventType = "dlvrd"
	EventRead       EventType = "read"
	EventDelete     EventType = "delete"
	EventEdit       EventType = "edit"
	EventCloseCall  EventType = "closeCall"
	EventUpdateChat EventType = "updateChat"
)

// IsStatus 状态类事件可合并：同 (type, receiver, sender) 只保留最新一条
func (t EventType) IsStatus() bool {
	switch t {
	case EventDlvrd, EventRead, EventCloseCall, EventUpdateChat:
		return true
	}
	return false
}

// OutboxEvent 待投递的跨 actor 通知。短暂存在：挂在 outbox 队列里，
// 接收方确认后移除；被合并掉的从未发出。
type OutboxEvent struct {
	ID        string          `json:"id"`        // 去重用
	Type      EventType       `json:"type"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`  // 目标 userId
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // 毫秒
	Attempt   int             `json:"attempt"`
}

// NewEventPayload new 事件负载：带接收方刚算好的未读数
type NewEventPayload struct {
	ChatID          string `json:"chatId"`
	MessageID       int64  `json:"messageId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Sender          string `json:"sender"`
	Preview         string `json:"preview,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	Missed          int64  `json:"missed"`
	FirstMissedID   string `json:"firstMissedClientId,omitempty"`
}

// StatusEventPayload dlvrd/read/closeCall 事件负载
type StatusEventPayload struct {
	ChatID    string `json:"chatId"`
	MessageID int64  `json:"messageId"`
	UserID    string `json:"userId"` // 推进了水位的用户
	Timestamp int64  `json:"timestamp"`
}

// UpdateChatPayload updateChat 事件负载：会话元数据变了，
// 收到的一方刷新自己的会话列表行
type UpdateChatPayload struct {
	ChatID       string   `json:"chatId"`
	Type         int32    `json:"type"`
	Participants []string `json:"participants"`
	Timestamp    int64    `json:"timestamp"`
}

// MutationEventPayload delete/edit 事件负载
type MutationEventPayload struct {
	ChatID     string `json:"chatId"`
	MessageID  int64  `json:"messageId"`  // 新增的服务消息号
	OriginalID int64  `json:"originalId"` // 被涂抹的槽位
	Body       string `json:"body,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}
