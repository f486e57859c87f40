package model

// ConvType 会话类型
const (
	ConvTypeDialog int32 = 100 // 双人
	ConvTypeGroup  int32 = 200 // 多人
)

// Conversation 会话元数据。首条消息时懒创建，只落盘一次，本核心不删除。
// 消息计数器单独放在 counter 键下（下一个待分配的消息号）。
type Conversation struct {
	ID           string   `json:"id"`
	Type         int32    `json:"type"`         // ConvTypeDialog / ConvTypeGroup
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt"`    // 毫秒
}

// IsParticipant 成员校验
func (c *Conversation) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Others 除 userID 以外的成员
func (c *Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}
