// Package outbox 负责会话向外的通知派发。双人会话直发，
// 群会话攒批合并后限批外发，语义都是至少一次。
package outbox

import (
	"context"

	"IMProject/module/chat/model"
)

// Dispatcher 由 actor 持有的派发口
type Dispatcher interface {
	// Push 提交一条出站事件。Dialog 同步直发，Group 只入队。
	Push(ctx context.Context, ev *model.OutboxEvent) error
	// Load 重建时恢复未投递状态
	Load(ctx context.Context) error
}
