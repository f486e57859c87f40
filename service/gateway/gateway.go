// Package gateway 入站命令面：NATS 队列订阅上的薄壳，把 JSON 命令
// 映射到会话 actor 的操作，HTTP/WS 网关只管调这里。
// 不做鉴权和路由，那些在外层。
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"IMProject/logger"
	"IMProject/module/chat/actor"
	"IMProject/module/chat/model"
	"IMProject/tools/errs"
	"IMProject/tools/safe"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const handleTimeout = 10 * time.Second

// Command 一次会话操作
type Command struct {
	Op              string             `json:"op"` // create / newMessage / dlvrd / read / deleteMessage / editMessage / closeCall / getMessages / chat
	ChatID          string             `json:"chatId"`
	Sender          string             `json:"sender,omitempty"`
	Type            int32              `json:"type,omitempty"` // create 用
	Participants    []string           `json:"participants,omitempty"`
	Kind            string             `json:"kind,omitempty"`
	Body            string             `json:"body,omitempty"`
	Attachments     []model.Attachment `json:"attachments,omitempty"`
	ClientMessageID string             `json:"clientMessageId,omitempty"`
	ReplyTo         *int64             `json:"replyTo,omitempty"`
	MessageID       *int64             `json:"messageId,omitempty"`
	StartID         *int64             `json:"startId,omitempty"`
	EndID           *int64             `json:"endId,omitempty"`
	Count           int64              `json:"count,omitempty"`
}

// Reply code=0 成功，否则是 errs 里的错误码
type Reply struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Gateway struct {
	registry *actor.Registry
	sub      *nats.Subscription
}

func New(registry *actor.Registry) *Gateway {
	return &Gateway{registry: registry}
}

// Start 挂上队列订阅。同队列名的多个进程分摊命令。
func (g *Gateway) Start(nc *nats.Conn, subject, queue string) error {
	sub, err := nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		safe.SafeGo("gateway-cmd", func() {
			g.handle(msg)
		})
	})
	if err != nil {
		return errs.WrapMsg(err, "gateway subscribe", "subject", subject)
	}
	g.sub = sub
	logger.Info("gateway listening", zap.String("subject", subject), zap.String("queue", queue))
	return nil
}

func (g *Gateway) Stop() {
	if g.sub != nil {
		_ = g.sub.Unsubscribe()
	}
}

func (g *Gateway) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		g.reply(msg, nil, errs.ErrInvalidRequest.WrapMsg("bad command json"))
		return
	}
	if cmd.ChatID == "" {
		g.reply(msg, nil, errs.ErrInvalidRequest.WrapMsg("chatId required"))
		return
	}
	data, err := g.dispatch(ctx, &cmd)
	g.reply(msg, data, err)
}

func (g *Gateway) dispatch(ctx context.Context, cmd *Command) (any, error) {
	a := g.registry.Get(cmd.ChatID)
	switch cmd.Op {
	case "create":
		return a.Create(ctx, cmd.Type, cmd.Participants)
	case "newMessage":
		return a.NewMessage(ctx, &actor.NewMessageReq{
			Sender:          cmd.Sender,
			Kind:            model.MessageKind(cmd.Kind),
			Body:            cmd.Body,
			Attachments:     cmd.Attachments,
			ClientMessageID: cmd.ClientMessageID,
			ReplyTo:         cmd.ReplyTo,
		})
	case "dlvrd":
		return nil, a.Dlvrd(ctx, cmd.Sender, target(cmd.MessageID))
	case "read":
		return nil, a.Read(ctx, cmd.Sender, target(cmd.MessageID))
	case "deleteMessage":
		if cmd.MessageID == nil {
			return nil, errs.ErrInvalidRequest.WrapMsg("messageId required")
		}
		id, err := a.DeleteMessage(ctx, cmd.Sender, *cmd.MessageID)
		return map[string]int64{"messageId": id}, err
	case "editMessage":
		if cmd.MessageID == nil {
			return nil, errs.ErrInvalidRequest.WrapMsg("messageId required")
		}
		id, err := a.EditMessage(ctx, cmd.Sender, *cmd.MessageID, cmd.Body)
		return map[string]int64{"messageId": id}, err
	case "closeCall":
		if cmd.MessageID == nil {
			return nil, errs.ErrInvalidRequest.WrapMsg("messageId required")
		}
		return nil, a.CloseCall(ctx, cmd.Sender, *cmd.MessageID)
	case "getMessages":
		return a.GetMessages(ctx, target(cmd.StartID), target(cmd.EndID), cmd.Count)
	case "chat":
		return a.Chat(ctx, cmd.Sender)
	}
	return nil, errs.ErrInvalidRequest.WrapMsg("unknown op", "op", cmd.Op)
}

func target(id *int64) int64 {
	if id == nil {
		return -1
	}
	return *id
}

func (g *Gateway) reply(msg *nats.Msg, data any, err error) {
	if msg.Reply == "" {
		if err != nil {
			logger.Warn("command failed, no reply subject", zap.Error(err))
		}
		return
	}
	r := &Reply{}
	if err != nil {
		r.Code = errs.Code(err)
		if r.Code == 0 {
			r.Code = -1
		}
		r.Msg = err.Error()
	} else if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			r.Code = -1
			r.Msg = mErr.Error()
		} else {
			r.Data = raw
		}
	}
	out, _ := json.Marshal(r)
	if rErr := msg.Respond(out); rErr != nil {
		logger.Warn("reply publish failed", zap.Error(rErr))
	}
}
