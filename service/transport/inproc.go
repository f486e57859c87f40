package transport

import (
	"context"
	"sync"

	"IMProject/module/chat/model"
	"IMProject/tools/errs"
)

// EventHandler 进程内接收端。实现必须幂等：重复的 new（同消息号）、
// 重复的 read/dlvrd（水位已覆盖）都要是 no-op。
type EventHandler func(ctx context.Context, ev *model.OutboxEvent) error

// InprocRouter 进程内路由：receiver -> handler。
// 单进程部署和单测都走这里。
type InprocRouter struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewInprocRouter() *InprocRouter {
	return &InprocRouter{handlers: make(map[string]EventHandler)}
}

func (r *InprocRouter) Register(receiver string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[receiver] = h
}

func (r *InprocRouter) Unregister(receiver string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, receiver)
}

func (r *InprocRouter) Resolve(receiver string) (Ref, error) {
	r.mu.RLock()
	h, ok := r.handlers[receiver]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.ErrTransientDelivery.WrapMsg("no route", "receiver", receiver)
	}
	return RefFunc(func(ctx context.Context, ev *model.OutboxEvent) error {
		return h(ctx, ev)
	}), nil
}
