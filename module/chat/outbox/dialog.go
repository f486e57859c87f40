package outbox

import (
	"context"

	"IMProject/logger"
	"IMProject/module/chat/model"
	"IMProject/service/transport"
	"IMProject/tools/errs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dialog 双人会话的直发派发器。单目标、同步：失败作为投递故障
// 返回给调用方的上下文（本地写已提交，不回滚，也不自动重试）。
type Dialog struct {
	chatID   string
	resolver transport.Resolver
}

func NewDialog(chatID string, resolver transport.Resolver) *Dialog {
	return &Dialog{chatID: chatID, resolver: resolver}
}

func (d *Dialog) Push(ctx context.Context, ev *model.OutboxEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Attempt++
	ref, err := d.resolver.Resolve(ev.Receiver)
	if err != nil {
		return errs.ErrTransientDelivery.WrapMsg(err.Error(), "receiver", ev.Receiver)
	}
	if err := ref.Send(ctx, ev); err != nil {
		logger.Warn("dialog delivery fault",
			zap.String("chat", d.chatID),
			zap.String("type", string(ev.Type)),
			zap.String("receiver", ev.Receiver),
			zap.Error(err))
		return errs.ErrTransientDelivery.WrapMsg(err.Error(), "receiver", ev.Receiver)
	}
	return nil
}

// Load 直发派发器无待恢复状态
func (d *Dialog) Load(ctx context.Context) error { return nil }
