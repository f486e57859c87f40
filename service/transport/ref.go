package transport

import (
	"context"

	"IMProject/module/chat/model"
)

// Ref 对端 actor 的发送能力。返回 nil 即对端已确认（ack）；
// 返回错误即投递失败，由调用方决定重试策略。
type Ref interface {
	Send(ctx context.Context, ev *model.OutboxEvent) error
}

// Resolver 把事件的 receiver（userId）解析成发送能力。
// 具体路由（进程内、NATS、Kafka）对 actor 逻辑透明。
type Resolver interface {
	Resolve(receiver string) (Ref, error)
}

// RefFunc 函数式 Ref，单测桩用
type RefFunc func(ctx context.Context, ev *model.OutboxEvent) error

func (f RefFunc) Send(ctx context.Context, ev *model.OutboxEvent) error { return f(ctx, ev) }
